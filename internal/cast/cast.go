// Package cast coerces values between their stored representation and the
// logical type exposed to clients. Casting happens at two boundaries: rows
// coming back from a data source (stored -> logical) and filter values going
// into one (logical -> stored).
package cast

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trellisql/trellis/internal/logging"
)

// Logical attribute types.
const (
	TypeString   = "string"
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeTime     = "time"
	TypeUnixtime = "unixtime"
	TypeRaw      = "raw"
	TypeObject   = "object"
	TypeJSON     = "json"
)

// StoredType describes how a value is stored in the backend, e.g.
// datetime(timezone=Europe/Berlin). Parsed from name(k=v;k=v) syntax by the
// config parser.
type StoredType struct {
	Type    string
	Options map[string]string
}

// Option returns a stored-type option value, or "" when unset.
func (s *StoredType) Option(key string) string {
	if s == nil || s.Options == nil {
		return ""
	}
	return s.Options[key]
}

// Options carries everything needed to cast a single column value.
type Options struct {
	Type        string
	StoredType  *StoredType
	MultiValued bool
	Delimiter   string
}

// Caster converts values according to the engine timezone defaults.
type Caster struct {
	timezone        *time.Location // output timezone
	defaultStoredTZ *time.Location // fallback for storedType without timezone
	log             zerolog.Logger

	locMu  sync.RWMutex
	locCch map[string]*time.Location
}

// New creates a Caster. Nil locations default to UTC.
func New(timezone, defaultStoredTZ *time.Location) *Caster {
	if timezone == nil {
		timezone = time.UTC
	}
	if defaultStoredTZ == nil {
		defaultStoredTZ = timezone
	}
	return &Caster{
		timezone:        timezone,
		defaultStoredTZ: defaultStoredTZ,
		log:             logging.Component("cast"),
		locCch:          map[string]*time.Location{},
	}
}

// Value coerces a stored value to its logical type. Date-family parse
// failures return nil; other invalid inputs return nil as well so that
// malformed backend data never panics the assembly stage.
func (c *Caster) Value(value any, opt Options) any {
	if opt.Delimiter != "" {
		if s, ok := value.(string); ok {
			if s == "" {
				return []any{}
			}
			parts := strings.Split(s, opt.Delimiter)
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, c.scalar(p, opt))
			}
			return out
		}
	}
	if opt.MultiValued {
		switch v := value.(type) {
		case nil:
			return []any{}
		case []any:
			out := make([]any, 0, len(v))
			for _, el := range v {
				out = append(out, c.scalar(el, opt))
			}
			return out
		default:
			return []any{c.scalar(value, opt)}
		}
	}
	return c.scalar(value, opt)
}

func (c *Caster) scalar(value any, opt Options) any {
	switch opt.Type {
	case TypeString:
		return c.toString(value)
	case TypeInt:
		return c.toInt(value)
	case TypeFloat:
		return c.toFloat(value)
	case TypeBoolean:
		return toBool(value)
	case TypeDate, TypeDatetime, TypeTime:
		return c.toDateFamily(value, opt.Type, opt.StoredType)
	case TypeUnixtime:
		return c.toUnixtime(value, opt.StoredType)
	case TypeObject:
		return c.toObject(value, opt.StoredType)
	case TypeJSON:
		return c.toJSON(value, opt.StoredType)
	default: // raw and unknown: passthrough
		return value
	}
}

func (c *Caster) toString(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (c *Caster) toInt(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case []byte:
		return c.toInt(string(v))
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int(f)
		}
		return nil
	default:
		return nil
	}
}

func (c *Caster) toFloat(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case []byte:
		return c.toFloat(string(v))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		return nil
	default:
		return nil
	}
}

// toBool follows truthiness with one carve-out: the string "0" is false
// because numeric backends commonly store booleans as "0"/"1" strings.
func toBool(value any) any {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && v != "0"
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

const msISO = "2006-01-02T15:04:05.000Z07:00"

func (c *Caster) toDateFamily(value any, target string, stored *StoredType) any {
	t, ok := c.parseTime(value, stored)
	if !ok {
		return nil
	}
	iso := t.In(c.timezone).Format(msISO)
	switch target {
	case TypeDate:
		return iso[:10]
	case TypeTime:
		return iso[11:]
	default:
		return iso
	}
}

func (c *Caster) toUnixtime(value any, stored *StoredType) any {
	t, ok := c.parseTime(value, stored)
	if !ok {
		return nil
	}
	return int(math.Floor(float64(t.UnixMilli()) / 1000))
}

// parseTime interprets a stored value as a point in time using the stored
// timezone. Zero dates ("0000-00-00...") and unparseable input report !ok.
func (c *Caster) parseTime(value any, stored *StoredType) (time.Time, bool) {
	if value == nil {
		return time.Time{}, false
	}
	if stored != nil && stored.Type == TypeUnixtime {
		switch v := value.(type) {
		case int:
			return time.Unix(int64(v), 0), true
		case int64:
			return time.Unix(v, 0), true
		case float64:
			return time.Unix(int64(v), 0), true
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return time.Unix(n, 0), true
			}
			return time.Time{}, false
		default:
			return time.Time{}, false
		}
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, false
	}

	loc := c.storedLocation(stored)
	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"15:04:05",
	}
	// Layouts with explicit offsets win over the stored timezone.
	absolute := []string{
		time.RFC3339Nano,
		time.RFC3339,
		msISO,
		"2006-01-02 15:04:05Z07:00",
	}
	for _, layout := range absolute {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	c.log.Debug().Str("value", s).Msg("unparseable date value")
	return time.Time{}, false
}

func (c *Caster) storedLocation(stored *StoredType) *time.Location {
	name := stored.Option("timezone")
	if name == "" {
		return c.defaultStoredTZ
	}
	c.locMu.RLock()
	loc, ok := c.locCch[name]
	c.locMu.RUnlock()
	if ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		c.log.Warn().Str("timezone", name).Err(err).Msg("unknown stored timezone, falling back to default")
		loc = c.defaultStoredTZ
	}
	c.locMu.Lock()
	c.locCch[name] = loc
	c.locMu.Unlock()
	return loc
}

func (c *Caster) toObject(value any, stored *StoredType) any {
	if value == nil {
		return nil
	}
	switch {
	case stored != nil && stored.Type == TypeJSON:
		s, ok := asString(value)
		if !ok {
			c.log.Warn().Msg("object attribute stored as json holds a non-string value")
			return nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			c.log.Warn().Err(err).Msg("invalid JSON in object attribute")
			return nil
		}
		return out
	case stored != nil && stored.Type == TypeObject:
		return value
	default:
		c.log.Warn().Msg("object attribute requires storedType json or object")
		return nil
	}
}

func (c *Caster) toJSON(value any, stored *StoredType) any {
	if value == nil {
		return nil
	}
	if stored != nil && stored.Type == TypeJSON {
		return value
	}
	buf, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Msg("unserializable value for json attribute")
		return nil
	}
	return string(buf)
}

// StoredValue coerces a logical filter value to the column's stored
// representation so drivers compare like with like.
func (c *Caster) StoredValue(value any, opt Options) any {
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, el := range list {
			out[i] = c.StoredValue(el, opt)
		}
		return out
	}
	stored := opt.StoredType
	storedKind := opt.Type
	if stored != nil && stored.Type != "" {
		storedKind = stored.Type
	}
	switch storedKind {
	case TypeInt:
		return c.toInt(value)
	case TypeFloat:
		return c.toFloat(value)
	case TypeString:
		return c.toString(value)
	case TypeUnixtime:
		t, ok := c.parseLogicalTime(value)
		if !ok {
			return nil
		}
		return int(t.Unix())
	case TypeDatetime, TypeDate, TypeTime:
		t, ok := c.parseLogicalTime(value)
		if !ok {
			return nil
		}
		loc := c.storedLocation(stored)
		switch storedKind {
		case TypeDate:
			return t.In(loc).Format("2006-01-02")
		case TypeTime:
			return t.In(loc).Format("15:04:05")
		default:
			return t.In(loc).Format("2006-01-02 15:04:05")
		}
	default:
		return value
	}
}

// parseLogicalTime parses a value in the logical (engine-facing) form:
// ISO-8601 strings in the engine timezone, or unix seconds.
func (c *Caster) parseLogicalTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case int:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case float64:
		return time.Unix(int64(v), 0), true
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, msISO} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, s, c.timezone); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
