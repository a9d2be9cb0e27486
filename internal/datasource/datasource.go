// Package datasource defines the driver contract between the query engine
// and its backing stores, the wire-level query shape handed to drivers, and
// the registry drivers are resolved from by type name.
package datasource

import (
	"context"
)

// Row is one backend result row keyed by storage-level column name.
type Row map[string]any

// Result is the outcome of one Process call. TotalCount is nil when the
// driver cannot cheaply compute it and no pagination was requested.
type Result struct {
	Data       []Row
	TotalCount *int
}

// Operator enumerates the supported filter operators.
type Operator string

const (
	OpEqual          Operator = "equal"
	OpNotEqual       Operator = "notEqual"
	OpGreater        Operator = "greater"
	OpGreaterOrEqual Operator = "greaterOrEqual"
	OpLess           Operator = "less"
	OpLessOrEqual    Operator = "lessOrEqual"
	OpLike           Operator = "like"
	OpBetween        Operator = "between"
	OpNotBetween     Operator = "notBetween"
)

// Operators lists every operator a filter option may enable.
var Operators = []Operator{
	OpEqual, OpNotEqual,
	OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual,
	OpLike, OpBetween, OpNotBetween,
}

// ValidOperator reports whether s names a known operator.
func ValidOperator(s string) bool {
	for _, op := range Operators {
		if string(op) == s {
			return true
		}
	}
	return false
}

// Condition is one filter comparison. Attribute holds a single column for
// plain comparisons or several columns for composite-key conditions, in
// which case Value is a list of equally long tuples.
//
// A condition's value can come from three places: a literal Value, the
// parent node's result rows (ValueFromParentKey), or the result of a
// sub-filter query (ValueFromSubFilter as an index into the node's
// subFilters). The executor resolves both markers before a driver ever
// sees the condition.
type Condition struct {
	Attribute []string
	Operator  Operator
	Value     any

	ValueFromParentKey bool
	ValueFromSubFilter int // index into subFilters, -1 when unset

	// Empty tags a substituted condition whose sub-filter produced no
	// values. Drivers must treat any AND-clause containing one as matching
	// nothing.
	Empty bool
}

// NewCondition builds a single-column literal condition.
func NewCondition(attribute string, op Operator, value any) Condition {
	return Condition{Attribute: []string{attribute}, Operator: op, Value: value, ValueFromSubFilter: -1}
}

// Filter is a disjunction of conjunctions: the outer slice is OR-ed, each
// inner slice AND-ed.
type Filter [][]Condition

// Clone deep-copies the filter structure (condition values are shared).
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for i, and := range f {
		out[i] = make([]Condition, len(and))
		copy(out[i], and)
	}
	return out
}

// Sort directions.
const (
	DirAsc     = "asc"
	DirDesc    = "desc"
	DirRandom  = "random"
	DirTopFlop = "topflop"
)

// Sort orders results by one attribute.
type Sort struct {
	Attribute string
	Direction string
}

// Query is the request handed to a driver's Process. Fields the driver does
// not support may be ignored except Filter, which is mandatory to honor.
type Query struct {
	Type       string // driver type name
	Attributes []string
	Filter     Filter
	Order      []Sort
	Limit      int
	LimitPer   []string // per-group top-N columns; optional driver feature
	Page       int
	Search     string
	Options    map[string]any // driver-specific passthrough
}

// Descriptor names and configures one data source of a resource. Prepare
// may stash driver state in Prepared for reuse at query time.
type Descriptor struct {
	Name    string
	Type    string
	Options map[string]any

	// m:n join-table descriptors carry the join keys.
	JoinParentKey         []string
	JoinChildKey          []string
	ResolvedJoinParentKey []string
	ResolvedJoinChildKey  []string

	Searchable bool
	Inherit    string

	Prepared any
}

// IsJoin reports whether the descriptor acts as an m:n join table.
func (d *Descriptor) IsJoin() bool {
	return len(d.JoinParentKey) > 0 || len(d.JoinChildKey) > 0
}

// DataSource is the driver contract. Prepare runs once per descriptor at
// config-parse time and must be deterministic for equal inputs; Process
// must be safe for concurrent calls; Close runs at engine shutdown.
type DataSource interface {
	Prepare(desc *Descriptor, usedColumns []string) error
	Process(ctx context.Context, query *Query) (*Result, error)
	Close() error
}
