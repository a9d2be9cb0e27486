// Package request defines the logical request the engine processes: a
// resource name, an action, and a projection tree with filter, search,
// order, and paging options. Transport and URL parsing live outside the
// engine; callers hand over structured requests.
package request

import (
	"github.com/trellisql/trellis/internal/datasource"
)

// Actions the engine understands. Only retrieval is part of the query
// pipeline; mutating actions are dispatched to extensions.
const (
	ActionRetrieve = "retrieve"
)

// Condition is one client-side filter comparison on an attribute path.
type Condition struct {
	Attribute []string
	Operator  datasource.Operator
	Value     any
}

// Filter is a disjunction of conjunctions over attribute paths.
type Filter [][]Condition

// Request is one logical query against a resource.
type Request struct {
	Resource string
	Action   string
	Format   string

	ID     any
	Select *ProjectionNode
	Filter Filter
	Search string
	Order  []datasource.Sort
	Limit  *int
	Page   *int

	// Internal flags.
	Explain  bool
	Profile  string // "", "1", or "raw"
	Internal bool   // internal requests may select hidden attributes
}

// New creates a retrieve request with defaults applied.
func New(resource string) *Request {
	return &Request{
		Resource: resource,
		Action:   ActionRetrieve,
		Format:   "json",
	}
}

// WithSelect parses and installs a select string.
func (r *Request) WithSelect(selectList string) (*Request, error) {
	sel, err := ParseSelect(selectList)
	if err != nil {
		return nil, err
	}
	r.Select = sel
	return r, nil
}

// ProjectionNode is one node of the projection tree. The zero children map
// means the node is a plain leaf selection.
type ProjectionNode struct {
	Children map[string]*ProjectionNode
	Order    []string // declaration order of children
	Internal bool     // fetched for joins or depends, hidden from output
}

// NewProjection creates an empty projection root.
func NewProjection() *ProjectionNode {
	return &ProjectionNode{}
}

// Child returns the named child, or nil.
func (n *ProjectionNode) Child(name string) *ProjectionNode {
	if n == nil || n.Children == nil {
		return nil
	}
	return n.Children[name]
}

// Ensure returns the named child, creating it when absent. An existing
// child loses its internal marking when a non-internal selection arrives,
// so explicit selection always wins over implicit fetching.
func (n *ProjectionNode) Ensure(name string, internal bool) *ProjectionNode {
	if n.Children == nil {
		n.Children = map[string]*ProjectionNode{}
	}
	child, ok := n.Children[name]
	if !ok {
		child = &ProjectionNode{Internal: internal}
		n.Children[name] = child
		n.Order = append(n.Order, name)
		return child
	}
	if !internal {
		child.Internal = false
	}
	return child
}

// AddPath ensures a dotted path exists in the tree.
func (n *ProjectionNode) AddPath(path []string, internal bool) *ProjectionNode {
	node := n
	for _, part := range path {
		node = node.Ensure(part, internal)
	}
	return node
}

// IsLeaf reports whether the node selects no children.
func (n *ProjectionNode) IsLeaf() bool {
	return n == nil || len(n.Children) == 0
}
