// Package memory implements a fixture-backed data source. It honors the
// full query contract (filter, order, limit, page, search, limitPer) and is
// the reference driver used by the engine tests and the CLI demo mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
)

// Driver serves rows from in-memory tables. Safe for concurrent Process
// calls; table mutation is meant for test setup only.
type Driver struct {
	mu     sync.RWMutex
	tables map[string][]datasource.Row
	fail   map[string]error

	callMu sync.Mutex
	calls  []*datasource.Query
}

// New creates an empty driver.
func New() *Driver {
	return &Driver{
		tables: make(map[string][]datasource.Row),
		fail:   make(map[string]error),
	}
}

// SetTable installs fixture rows for a table.
func (d *Driver) SetTable(name string, rows []datasource.Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = rows
}

// FailTable makes every Process against the table return err.
func (d *Driver) FailTable(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[name] = err
}

// Calls returns the queries processed so far, in order.
func (d *Driver) Calls() []*datasource.Query {
	d.callMu.Lock()
	defer d.callMu.Unlock()
	out := make([]*datasource.Query, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns the number of Process invocations.
func (d *Driver) CallCount() int {
	d.callMu.Lock()
	defer d.callMu.Unlock()
	return len(d.calls)
}

// Prepare resolves the backing table name (option "table", defaulting to
// the descriptor name) and stashes it for Process.
func (d *Driver) Prepare(desc *datasource.Descriptor, usedColumns []string) error {
	table := desc.Name
	if t, ok := desc.Options["table"].(string); ok && t != "" {
		table = t
	}
	desc.Prepared = table
	return nil
}

// Process filters, orders, and slices the fixture table.
func (d *Driver) Process(ctx context.Context, q *datasource.Query) (*datasource.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.callMu.Lock()
	d.calls = append(d.calls, q)
	d.callMu.Unlock()

	table, _ := q.Options["table"].(string)
	if table == "" {
		return nil, errors.Implementation("memory query without table option")
	}

	d.mu.RLock()
	failErr := d.fail[table]
	rows, ok := d.tables[table]
	d.mu.RUnlock()
	if failErr != nil {
		return nil, failErr
	}
	if !ok {
		return nil, errors.Connection(fmt.Errorf("table %q not loaded", table), "memory backend miss")
	}

	var matched []datasource.Row
	for _, row := range rows {
		if matchFilter(row, q.Filter) && matchSearch(row, q.Search) {
			matched = append(matched, row)
		}
	}

	orderRows(matched, q.Order)

	total := len(matched)
	if len(q.LimitPer) > 0 && q.Limit > 0 {
		matched = limitPerGroup(matched, q.LimitPer, q.Limit)
	} else {
		if q.Page > 1 && q.Limit > 0 {
			offset := (q.Page - 1) * q.Limit
			if offset >= len(matched) {
				matched = nil
			} else {
				matched = matched[offset:]
			}
		}
		if q.Limit > 0 && len(matched) > q.Limit {
			matched = matched[:q.Limit]
		}
	}

	out := make([]datasource.Row, len(matched))
	for i, row := range matched {
		// Project the requested attributes; unknown columns come back nil.
		if len(q.Attributes) == 0 {
			out[i] = row
			continue
		}
		projected := make(datasource.Row, len(q.Attributes))
		for _, attr := range q.Attributes {
			projected[attr] = row[attr]
		}
		out[i] = projected
	}
	return &datasource.Result{Data: out, TotalCount: &total}, nil
}

// Close is a no-op for the memory driver.
func (d *Driver) Close() error {
	return nil
}

func matchFilter(row datasource.Row, filter datasource.Filter) bool {
	if len(filter) == 0 {
		return true
	}
	for _, and := range filter {
		if matchAnd(row, and) {
			return true
		}
	}
	return false
}

func matchAnd(row datasource.Row, and []datasource.Condition) bool {
	for _, cond := range and {
		if cond.Empty {
			return false
		}
		if !matchCondition(row, cond) {
			return false
		}
	}
	return true
}

func matchCondition(row datasource.Row, cond datasource.Condition) bool {
	if len(cond.Attribute) > 1 {
		return matchComposite(row, cond)
	}
	val := row[cond.Attribute[0]]
	switch cond.Operator {
	case datasource.OpEqual:
		if list, ok := cond.Value.([]any); ok {
			for _, want := range list {
				if looseEqual(val, want) {
					return true
				}
			}
			return false
		}
		return looseEqual(val, cond.Value)
	case datasource.OpNotEqual:
		if list, ok := cond.Value.([]any); ok {
			for _, want := range list {
				if looseEqual(val, want) {
					return false
				}
			}
			return true
		}
		return !looseEqual(val, cond.Value)
	case datasource.OpGreater:
		return compare(val, cond.Value) > 0
	case datasource.OpGreaterOrEqual:
		return compare(val, cond.Value) >= 0
	case datasource.OpLess:
		return compare(val, cond.Value) < 0
	case datasource.OpLessOrEqual:
		return compare(val, cond.Value) <= 0
	case datasource.OpLike:
		return matchLike(val, cond.Value)
	case datasource.OpBetween:
		lo, hi, ok := bounds(cond.Value)
		return ok && compare(val, lo) >= 0 && compare(val, hi) <= 0
	case datasource.OpNotBetween:
		lo, hi, ok := bounds(cond.Value)
		return ok && (compare(val, lo) < 0 || compare(val, hi) > 0)
	default:
		return false
	}
}

// matchComposite compares a column tuple against a list of value tuples.
func matchComposite(row datasource.Row, cond datasource.Condition) bool {
	tuples, ok := cond.Value.([]any)
	if !ok {
		return false
	}
	for _, raw := range tuples {
		tuple, ok := raw.([]any)
		if !ok || len(tuple) != len(cond.Attribute) {
			continue
		}
		all := true
		for i, col := range cond.Attribute {
			if !looseEqual(row[col], tuple[i]) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func bounds(value any) (any, any, bool) {
	list, ok := value.([]any)
	if !ok || len(list) != 2 {
		return nil, nil, false
	}
	return list[0], list[1], true
}

func matchLike(val, pattern any) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	p = strings.ToLower(p)
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(p, "%") && strings.HasSuffix(p, "%"):
		return strings.Contains(s, strings.Trim(p, "%"))
	case strings.HasSuffix(p, "%"):
		return strings.HasPrefix(s, strings.TrimSuffix(p, "%"))
	case strings.HasPrefix(p, "%"):
		return strings.HasSuffix(s, strings.TrimPrefix(p, "%"))
	default:
		return strings.Contains(s, p)
	}
}

func matchSearch(row datasource.Row, search string) bool {
	if search == "" {
		return true
	}
	needle := strings.ToLower(search)
	for _, v := range row {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func compare(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func orderRows(rows []datasource.Row, order []datasource.Sort) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range order {
			c := compare(rows[i][s.Attribute], rows[j][s.Attribute])
			if c == 0 {
				continue
			}
			if s.Direction == datasource.DirDesc || s.Direction == datasource.DirTopFlop {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// limitPerGroup keeps the first limit rows per distinct group-key tuple,
// preserving the incoming order.
func limitPerGroup(rows []datasource.Row, groupCols []string, limit int) []datasource.Row {
	counts := make(map[string]int)
	var out []datasource.Row
	for _, row := range rows {
		parts := make([]string, len(groupCols))
		for i, col := range groupCols {
			parts[i] = fmt.Sprint(row[col])
		}
		key := strings.Join(parts, "-")
		if counts[key] >= limit {
			continue
		}
		counts[key]++
		out = append(out, row)
	}
	return out
}
