package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
)

// Option schemas per node context. Unknown options fail with a
// path-annotated implementation error so config typos surface at init.
var (
	resourceOptions = optionSet(
		"dataSources", "primaryKey", "attributes", "subFilters",
		"defaultLimit", "maxLimit", "defaultOrder", "primary", "permission",
	)
	subResourceOptions = optionSet(
		"resource", "parentKey", "childKey", "many", "joinVia",
		"dataSources", "primaryKey", "attributes", "subFilters",
		"defaultLimit", "maxLimit", "defaultOrder", "primary", "permission",
		"hidden", "deprecated",
	)
	nestedOptions = optionSet("attributes", "hidden", "deprecated")
	leafOptions   = optionSet(
		"type", "storedType", "multiValued", "delimiter", "map",
		"filter", "order", "value", "hidden", "deprecated", "depends",
	)
	leafTypes = optionSet(
		cast.TypeString, cast.TypeInt, cast.TypeFloat, cast.TypeBoolean,
		cast.TypeDate, cast.TypeDatetime, cast.TypeTime, cast.TypeUnixtime,
		cast.TypeRaw, cast.TypeObject, cast.TypeJSON,
	)
	orderDirections = optionSet(
		datasource.DirAsc, datasource.DirDesc, datasource.DirRandom, datasource.DirTopFlop,
	)
)

func optionSet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// parseContext tracks the position for error messages.
type parseContext struct {
	resource string
	path     []string
}

func (c parseContext) child(name string) parseContext {
	next := make([]string, len(c.path), len(c.path)+1)
	copy(next, c.path)
	return parseContext{resource: c.resource, path: append(next, name)}
}

func (c parseContext) errorf(format string, args ...any) *errors.Error {
	return errors.Implementation(format, args...).
		WithResource(c.resource).
		WithAttribute(strings.Join(c.path, "."))
}

// ParseResource runs pass one over one raw resource config.
func ParseResource(name string, raw map[string]any) (*Resource, error) {
	ctx := parseContext{resource: name}
	return parseResourceFrame(ctx, raw, false)
}

func parseResourceFrame(ctx parseContext, raw map[string]any, isSub bool) (*Resource, error) {
	allowed := resourceOptions
	if isSub {
		allowed = subResourceOptions
	}
	for key := range raw {
		if !allowed[key] {
			return nil, ctx.errorf("unknown option %q", key)
		}
	}

	r := &Resource{
		Name:        ctx.resource,
		DataSources: map[string]*datasource.Descriptor{},
		Attributes:  map[string]*Attribute{},
	}

	if v, ok := raw["dataSources"]; ok {
		if err := parseDataSources(ctx, r, v); err != nil {
			return nil, err
		}
	}
	if v, ok := raw["primaryKey"]; ok {
		pk, err := stringList(v)
		if err != nil {
			return nil, ctx.errorf("primaryKey: %v", err)
		}
		r.PrimaryKey = pk
	}
	if v, ok := raw["primary"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, ctx.errorf("primary must be a data source name")
		}
		r.PrimaryName = s
	}
	if v, ok := raw["permission"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, ctx.errorf("permission must be a string")
		}
		r.Permission = s
	}
	if v, ok := raw["defaultLimit"]; ok {
		n, err := intValue(v)
		if err != nil {
			return nil, ctx.errorf("defaultLimit: %v", err)
		}
		r.DefaultLimit = n
	}
	if v, ok := raw["maxLimit"]; ok {
		n, err := intValue(v)
		if err != nil {
			return nil, ctx.errorf("maxLimit: %v", err)
		}
		r.MaxLimit = n
	}
	if v, ok := raw["defaultOrder"]; ok {
		order, err := parseOrderList(v)
		if err != nil {
			return nil, ctx.errorf("defaultOrder: %v", err)
		}
		r.DefaultOrder = order
	}
	if v, ok := raw["subFilters"]; ok {
		subFilters, err := parseSubFilters(ctx, v)
		if err != nil {
			return nil, err
		}
		r.SubFilters = subFilters
	}

	if v, ok := raw["attributes"]; ok {
		attrMap, ok := v.(map[string]any)
		if !ok {
			return nil, ctx.errorf("attributes must be an object")
		}
		names := sortedKeys(attrMap)
		for _, attrName := range names {
			attr, err := parseAttribute(ctx.child(attrName), attrName, attrMap[attrName])
			if err != nil {
				return nil, err
			}
			r.Attributes[attrName] = attr
			r.AttrOrder = append(r.AttrOrder, attrName)
		}
	}

	applyDefaultMappings(r, nil, r.Attributes, r.AttrOrder)
	return r, nil
}

func parseDataSources(ctx parseContext, r *Resource, v any) error {
	dsMap, ok := v.(map[string]any)
	if !ok {
		return ctx.errorf("dataSources must be an object")
	}
	for _, name := range sortedKeys(dsMap) {
		rawDS, ok := dsMap[name].(map[string]any)
		if !ok {
			return ctx.errorf("data source %q must be an object", name)
		}
		desc := &datasource.Descriptor{Name: name, Options: map[string]any{}}
		for key, val := range rawDS {
			switch key {
			case "type":
				s, ok := val.(string)
				if !ok {
					return ctx.errorf("data source %q: type must be a string", name)
				}
				desc.Type = s
			case "joinParentKey":
				cols, err := stringList(val)
				if err != nil {
					return ctx.errorf("data source %q: joinParentKey: %v", name, err)
				}
				desc.JoinParentKey = cols
				desc.ResolvedJoinParentKey = cols
			case "joinChildKey":
				cols, err := stringList(val)
				if err != nil {
					return ctx.errorf("data source %q: joinChildKey: %v", name, err)
				}
				desc.JoinChildKey = cols
				desc.ResolvedJoinChildKey = cols
			case "searchable":
				b, ok := val.(bool)
				if !ok {
					return ctx.errorf("data source %q: searchable must be a boolean", name)
				}
				desc.Searchable = b
			case "inherit":
				s, ok := val.(string)
				if !ok {
					return ctx.errorf("data source %q: inherit must be a string", name)
				}
				desc.Inherit = s
			default:
				// Driver-specific passthrough option.
				desc.Options[key] = val
			}
		}
		if desc.Type == "" && desc.Inherit == "" {
			return ctx.errorf("data source %q has no type", name)
		}
		r.DataSources[name] = desc
		r.DataSourceOrder = append(r.DataSourceOrder, name)
	}
	return nil
}

func parseAttribute(ctx parseContext, name string, raw any) (*Attribute, error) {
	spec, ok := raw.(map[string]any)
	if !ok {
		return nil, ctx.errorf("attribute definition must be an object")
	}

	switch {
	case isSubResource(spec):
		return parseSubResourceAttr(ctx, name, spec)
	case spec["attributes"] != nil:
		return parseNestedAttr(ctx, name, spec)
	default:
		return parseLeafAttr(ctx, name, spec)
	}
}

func isSubResource(spec map[string]any) bool {
	if _, ok := spec["resource"]; ok {
		return true
	}
	if _, ok := spec["parentKey"]; ok {
		return true
	}
	if _, ok := spec["childKey"]; ok {
		return true
	}
	if _, ok := spec["dataSources"]; ok {
		return true
	}
	return false
}

func parseNestedAttr(ctx parseContext, name string, spec map[string]any) (*Attribute, error) {
	for key := range spec {
		if !nestedOptions[key] {
			return nil, ctx.errorf("unknown option %q on nested attribute", key)
		}
	}
	attr := &Attribute{
		Kind:       KindNested,
		Name:       name,
		Path:       append([]string{}, ctx.path...),
		Attributes: map[string]*Attribute{},
	}
	if b, ok := spec["hidden"].(bool); ok {
		attr.Hidden = b
	}
	if b, ok := spec["deprecated"].(bool); ok {
		attr.Deprecated = b
	}
	attrMap, ok := spec["attributes"].(map[string]any)
	if !ok {
		return nil, ctx.errorf("attributes must be an object")
	}
	for _, childName := range sortedKeys(attrMap) {
		child, err := parseAttribute(ctx.child(childName), childName, attrMap[childName])
		if err != nil {
			return nil, err
		}
		attr.Attributes[childName] = child
		attr.AttrOrder = append(attr.AttrOrder, childName)
	}
	return attr, nil
}

func parseSubResourceAttr(ctx parseContext, name string, spec map[string]any) (*Attribute, error) {
	for key := range spec {
		if !subResourceOptions[key] {
			return nil, ctx.errorf("unknown option %q on sub-resource", key)
		}
	}
	attr := &Attribute{
		Kind: KindSubResource,
		Name: name,
		Path: append([]string{}, ctx.path...),
	}
	if s, ok := spec["resource"].(string); ok {
		attr.ResourceRef = s
	}
	if v, ok := spec["parentKey"]; ok {
		keys, err := stringList(v)
		if err != nil {
			return nil, ctx.errorf("parentKey: %v", err)
		}
		attr.ParentKey = keys
	}
	if v, ok := spec["childKey"]; ok {
		keys, err := stringList(v)
		if err != nil {
			return nil, ctx.errorf("childKey: %v", err)
		}
		attr.ChildKey = keys
	}
	if v, ok := spec["many"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, ctx.errorf("many must be a boolean")
		}
		attr.Many = b
	}
	if s, ok := spec["joinVia"].(string); ok {
		attr.JoinVia = s
	}
	if b, ok := spec["hidden"].(bool); ok {
		attr.Hidden = b
	}
	if b, ok := spec["deprecated"].(bool); ok {
		attr.Deprecated = b
	}

	// The sub-resource's own frame is parsed from the remaining resource
	// options; an inclusion ("resource") is expanded in pass two.
	frameSpec := map[string]any{}
	for key, val := range spec {
		switch key {
		case "resource", "parentKey", "childKey", "many", "joinVia", "hidden", "deprecated":
		default:
			frameSpec[key] = val
		}
	}
	frame, err := parseResourceFrame(parseContext{resource: ctx.resource, path: ctx.path}, frameSpec, true)
	if err != nil {
		return nil, err
	}
	frame.Name = ctx.resource + "." + strings.Join(ctx.path, ".")
	attr.Resource = frame

	if attr.ResourceRef == "" && len(frame.PrimaryKey) == 0 {
		return nil, ctx.errorf("sub-resource requires either primaryKey or a resource reference")
	}
	return attr, nil
}

func parseLeafAttr(ctx parseContext, name string, spec map[string]any) (*Attribute, error) {
	for key := range spec {
		if !leafOptions[key] {
			return nil, ctx.errorf("unknown option %q", key)
		}
	}
	attr := &Attribute{
		Kind: KindLeaf,
		Name: name,
		Path: append([]string{}, ctx.path...),
		Type: cast.TypeString,
	}

	if v, ok := spec["type"]; ok {
		s, ok := v.(string)
		if !ok || !leafTypes[s] {
			return nil, ctx.errorf("invalid type %v", v)
		}
		attr.Type = s
	}
	if v, ok := spec["storedType"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, ctx.errorf("storedType must be a string")
		}
		st, err := ParseStoredType(s)
		if err != nil {
			return nil, ctx.errorf("storedType: %v", err)
		}
		attr.StoredType = st
	}
	if v, ok := spec["multiValued"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, ctx.errorf("multiValued must be a boolean")
		}
		attr.MultiValued = b
	}
	if v, ok := spec["delimiter"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, ctx.errorf("delimiter must be a non-empty string")
		}
		attr.Delimiter = s
	}
	if v, ok := spec["map"]; ok {
		m, err := parseMap(v)
		if err != nil {
			return nil, ctx.errorf("map: %v", err)
		}
		attr.Map = m
	}
	if v, ok := spec["value"]; ok {
		attr.Static = v
		attr.HasStatic = true
	}
	if v, ok := spec["filter"]; ok {
		ops, err := parseFilterOption(v)
		if err != nil {
			return nil, ctx.errorf("filter: %v", err)
		}
		attr.Filter = ops
	}
	if v, ok := spec["order"]; ok {
		dirs, err := parseOrderOption(v)
		if err != nil {
			return nil, ctx.errorf("order: %v", err)
		}
		attr.Order = dirs
	}
	if v, ok := spec["hidden"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, ctx.errorf("hidden must be a boolean")
		}
		attr.Hidden = b
	}
	if v, ok := spec["deprecated"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, ctx.errorf("deprecated must be a boolean")
		}
		attr.Deprecated = b
	}
	if v, ok := spec["depends"]; ok {
		deps, err := stringList(v)
		if err != nil {
			return nil, ctx.errorf("depends: %v", err)
		}
		attr.Depends = deps
	}

	if attr.HasStatic && attr.Map != nil {
		return nil, ctx.errorf("value and map are mutually exclusive")
	}
	if attr.Delimiter != "" && attr.MultiValued {
		return nil, ctx.errorf("delimiter and multiValued are mutually exclusive")
	}
	return attr, nil
}

// applyDefaultMappings gives every unmapped, non-static leaf its default
// mapping: the dotted sub-path on the "primary" data source.
func applyDefaultMappings(r *Resource, prefix []string, attrs map[string]*Attribute, order []string) {
	for _, name := range order {
		attr := attrs[name]
		switch attr.Kind {
		case KindLeaf:
			if attr.Map == nil && !attr.HasStatic {
				column := strings.Join(append(append([]string{}, prefix...), name), ".")
				attr.Map = map[string]string{"primary": column}
			}
		case KindNested:
			applyDefaultMappings(r, append(prefix, name), attr.Attributes, attr.AttrOrder)
		}
	}
}

// parseMap accepts the shorthand forms:
//
//	"column"                       -> {primary: column}
//	"ds1:col1;ds2:col2"            -> {ds1: col1, ds2: col2}
//	{"default": {"ds": "column"}}  -> {ds: column}
//	{"ds": "column"}               -> {ds: column}
func parseMap(v any) (map[string]string, error) {
	switch m := v.(type) {
	case string:
		if m == "" {
			return nil, fmt.Errorf("empty mapping")
		}
		out := map[string]string{}
		for _, entry := range strings.Split(m, ";") {
			if ds, col, ok := strings.Cut(entry, ":"); ok {
				out[strings.TrimSpace(ds)] = strings.TrimSpace(col)
			} else {
				out["primary"] = strings.TrimSpace(entry)
			}
		}
		return out, nil
	case map[string]any:
		if def, ok := m["default"]; ok {
			inner, ok := def.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("default mapping must be an object")
			}
			m = inner
		}
		out := map[string]string{}
		for ds, col := range m {
			s, ok := col.(string)
			if !ok {
				return nil, fmt.Errorf("column for data source %q must be a string", ds)
			}
			out[ds] = s
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty mapping")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a string or object")
	}
}

// parseFilterOption accepts true (expanding to [equal]) or a comma
// separated subset of the known operators.
func parseFilterOption(v any) ([]datasource.Operator, error) {
	if b, ok := v.(bool); ok {
		if !b {
			return nil, nil
		}
		return []datasource.Operator{datasource.OpEqual}, nil
	}
	tokens, err := stringList(v)
	if err != nil {
		return nil, err
	}
	ops := make([]datasource.Operator, 0, len(tokens))
	for _, tok := range tokens {
		if !datasource.ValidOperator(tok) {
			return nil, fmt.Errorf("unknown operator %q", tok)
		}
		ops = append(ops, datasource.Operator(tok))
	}
	return ops, nil
}

// parseOrderOption accepts true (expanding to [asc, desc]) or a comma
// separated subset of the known directions.
func parseOrderOption(v any) ([]string, error) {
	if b, ok := v.(bool); ok {
		if !b {
			return nil, nil
		}
		return []string{datasource.DirAsc, datasource.DirDesc}, nil
	}
	tokens, err := stringList(v)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if !orderDirections[tok] {
			return nil, fmt.Errorf("unknown direction %q", tok)
		}
	}
	return tokens, nil
}

func parseOrderList(v any) ([]datasource.Sort, error) {
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	var out []datasource.Sort
	for _, el := range list {
		switch o := el.(type) {
		case string:
			attr, dir, found := strings.Cut(o, ":")
			if !found {
				dir = datasource.DirAsc
			}
			if !orderDirections[dir] {
				return nil, fmt.Errorf("unknown direction %q", dir)
			}
			out = append(out, datasource.Sort{Attribute: attr, Direction: dir})
		case map[string]any:
			attr, _ := o["attribute"].(string)
			dir, _ := o["direction"].(string)
			if attr == "" {
				return nil, fmt.Errorf("order entry requires an attribute")
			}
			if dir == "" {
				dir = datasource.DirAsc
			}
			if !orderDirections[dir] {
				return nil, fmt.Errorf("unknown direction %q", dir)
			}
			out = append(out, datasource.Sort{Attribute: attr, Direction: dir})
		default:
			return nil, fmt.Errorf("order entry must be a string or object")
		}
	}
	return out, nil
}

func parseSubFilters(ctx parseContext, v any) ([]SubFilter, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, ctx.errorf("subFilters must be a list")
	}
	var out []SubFilter
	for i, el := range list {
		spec, ok := el.(map[string]any)
		if !ok {
			return nil, ctx.errorf("subFilters[%d] must be an object", i)
		}
		attrPath, ok := spec["attribute"].(string)
		if !ok || attrPath == "" {
			return nil, ctx.errorf("subFilters[%d] requires an attribute", i)
		}
		sf := SubFilter{Attribute: strings.Split(attrPath, ".")}
		if f, ok := spec["filter"]; ok {
			ops, err := parseFilterOption(f)
			if err != nil {
				return nil, ctx.errorf("subFilters[%d]: %v", i, err)
			}
			sf.Operators = ops
		} else {
			sf.Operators = []datasource.Operator{datasource.OpEqual}
		}
		if rt, ok := spec["rewriteTo"].(string); ok && rt != "" {
			sf.RewriteTo = strings.Split(rt, ".")
		}
		out = append(out, sf)
	}
	return out, nil
}

// ParseStoredType parses the name(k=v;k=v) syntax, e.g.
// "datetime(timezone=Europe/Berlin)".
func ParseStoredType(s string) (*cast.StoredType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty storedType")
	}
	name, rest, hasOpts := strings.Cut(s, "(")
	st := &cast.StoredType{Type: strings.TrimSpace(name)}
	if !hasOpts {
		return st, nil
	}
	if !strings.HasSuffix(rest, ")") {
		return nil, fmt.Errorf("missing closing parenthesis in %q", s)
	}
	st.Options = map[string]string{}
	for _, pair := range strings.Split(strings.TrimSuffix(rest, ")"), ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid option %q in %q", pair, s)
		}
		st.Options[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return st, nil
}

func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("empty value")
		}
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, el := range val {
			s, ok := el.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", el)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return val, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
