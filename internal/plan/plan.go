// Package plan holds the output of request resolution: the resolved
// resource tree guiding result assembly and the data-source tree (DST) the
// executor walks. Both live for a single request.
package plan

import (
	"strings"

	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
)

// DSTNode is one executable backend call. A node's subFilters must finish
// before its own query runs; its subRequests start after the query
// delivered rows. Filter conditions may carry the two substitution
// markers resolved by the executor (ValueFromSubFilter, ValueFromParentKey).
type DSTNode struct {
	AttributePath  string // dotted path, "" for the root resource
	DataSourceName string

	Request          *datasource.Query
	AttributeOptions map[string]cast.Options // column -> cast options

	// ParentKey names columns in the parent node's rows, ChildKey the
	// matching columns in this node's rows; both empty for the root.
	ParentKey            []string
	ChildKey             []string
	MultiValuedParentKey bool
	UniqueChildKey       bool

	SubFilters  []*DSTNode
	SubRequests []*DSTNode

	// Empty marks a node whose filter can never match (a sub-filter came
	// back without rows); the executor skips the backend call.
	Empty bool
}

// Name identifies the node in errors and profiler entries.
func (n *DSTNode) Name() string {
	path := n.AttributePath
	if path == "" {
		path = "(root)"
	}
	return path + ":" + n.DataSourceName
}

// Field is one selected leaf attribute with its column binding.
type Field struct {
	Name       string
	Path       []string // path within the resource frame, nested parts included
	Attr       *config.Attribute
	DataSource string // data source serving the value
	Column     string
	Internal   bool // fetched for joins/depends, stripped from the response
}

// FilterCond is one resolved filter comparison on a frame. Plain
// conditions carry the leaf attribute; cross-resource conditions carry the
// relation attribute and a sub-filter frame whose matching child keys are
// substituted into the relation's parent key.
type FilterCond struct {
	Attr     *config.Attribute
	Operator datasource.Operator
	Value    any

	SubAttr   *config.Attribute
	SubFilter *Node
}

// Node is one resolved resource frame: the root resource or a selected
// sub-resource, with its chosen primary data source, selected fields
// grouped by origin, and links into the DST.
type Node struct {
	Name     string   // attribute name in the parent frame, "" for root
	Path     []string // dotted path from the root
	Resource *config.Resource
	Attr     *config.Attribute // sub-resource attribute, nil on the root
	Many     bool

	// Request options applied to this frame.
	Filter [][]FilterCond
	Search string
	Order  []datasource.Sort
	Limit  int
	Page   int

	PrimaryDataSource string

	// Relation to the parent frame; empty on the root node.
	ParentKey            []string // columns in parent rows
	ChildKey             []string // columns in this frame's rows
	ParentDataSource     string   // parent-frame source carrying ParentKey
	MultiValuedParentKey bool
	UniqueChildKey       bool
	JoinVia              string
	JoinParentKey        []string // columns in join rows matching ParentKey
	JoinChildKey         []string // columns in join rows matching ChildKey

	Fields   []*Field
	Children []*Node

	// DST links: the main query per frame, one query per secondary data
	// source, and the join-table node for m:n relations.
	Main      *DSTNode
	Secondary map[string]*DSTNode
	Join      *DSTNode
}

// DottedPath renders the node path for error context.
func (n *Node) DottedPath() string {
	return strings.Join(n.Path, ".")
}

// Plan is the complete resolution result.
type Plan struct {
	Root *Node
	DST  *DSTNode
}

// RawResult is one executed query's outcome, tied back to its DST node.
type RawResult struct {
	Node       *DSTNode
	Rows       []datasource.Row
	TotalCount *int
}
