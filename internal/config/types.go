// Package config parses and validates per-resource configurations. Parsing
// happens in two passes: pass one checks every node against its
// context-specific option schema and normalizes shorthand forms, pass two
// resolves relations across resources (inclusions, key mappings, join
// tables) and prepares every referenced data source.
package config

import (
	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/datasource"
)

// AttrKind tags the three-way attribute variant.
type AttrKind int

const (
	KindLeaf AttrKind = iota
	KindNested
	KindSubResource
)

func (k AttrKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindNested:
		return "nested"
	default:
		return "sub-resource"
	}
}

// SubFilter registers an attribute path that may be filtered across a
// sub-resource boundary. RewriteTo inlines the filter on a different
// attribute instead of running a sub-query.
type SubFilter struct {
	Attribute []string
	Operators []datasource.Operator
	RewriteTo []string
}

// Resource is one parsed resource frame: the root resource of a config
// file, or the expanded frame of a sub-resource attribute.
type Resource struct {
	Name string

	DataSources     map[string]*datasource.Descriptor
	DataSourceOrder []string

	PrimaryKey         []string            // attribute paths, composite allowed
	ResolvedPrimaryKey map[string][]string // data source -> column names

	Attributes map[string]*Attribute
	AttrOrder  []string // declaration order

	SubFilters []SubFilter

	DefaultLimit int
	MaxLimit     int
	DefaultOrder []datasource.Sort
	PrimaryName  string // primary data source override
	Permission   string
}

// Attribute is a three-way tagged variant: leaf, nested namespace, or
// sub-resource.
type Attribute struct {
	Kind AttrKind
	Name string
	Path []string // dotted path within the enclosing resource frame

	// Leaf fields.
	Type        string
	StoredType  *cast.StoredType
	MultiValued bool
	Delimiter   string
	Map         map[string]string // data source -> column
	Filter      []datasource.Operator
	Order       []string
	Static      any
	HasStatic   bool
	Hidden      bool
	Deprecated  bool
	Depends     []string // dotted paths fetched alongside this attribute

	// Nested fields (also used by sub-resources for their attribute tree
	// via Resource.Attributes).
	Attributes map[string]*Attribute
	AttrOrder  []string

	// Sub-resource fields.
	Resource             *Resource // expanded child frame
	ResourceRef          string    // "resource: name" inclusion target
	ParentKey            []string
	ChildKey             []string
	ResolvedParentKey    map[string][]string
	ResolvedChildKey     map[string][]string
	ParentDataSource     string // data source covering every parentKey part
	ChildDataSource      string
	Many                 bool
	JoinVia              string
	MultiValuedParentKey bool
	UniqueChildKey       bool
}

// CastOptions returns the cast options for a leaf attribute.
func (a *Attribute) CastOptions() cast.Options {
	return cast.Options{
		Type:        a.Type,
		StoredType:  a.StoredType,
		MultiValued: a.MultiValued,
		Delimiter:   a.Delimiter,
	}
}

// Config is the full parsed configuration: every resource by name.
type Config struct {
	Resources map[string]*Resource
	Options   *Options
}

// Resource looks up a resource frame by name.
func (c *Config) Resource(name string) (*Resource, bool) {
	r, ok := c.Resources[name]
	return r, ok
}

// Attribute resolves a dotted path within the resource's attribute tree,
// descending through nested namespaces but stopping at sub-resource
// boundaries (the caller handles those frame switches).
func (r *Resource) Attribute(path []string) (*Attribute, bool) {
	attrs := r.Attributes
	var attr *Attribute
	for i, part := range path {
		a, ok := attrs[part]
		if !ok {
			return nil, false
		}
		attr = a
		if i < len(path)-1 {
			if a.Kind != KindNested {
				return nil, false
			}
			attrs = a.Attributes
		}
	}
	return attr, attr != nil
}

// NonJoinDataSources returns the data source names that are not m:n join
// tables, in declaration order.
func (r *Resource) NonJoinDataSources() []string {
	var out []string
	for _, name := range r.DataSourceOrder {
		if !r.DataSources[name].IsJoin() {
			out = append(out, name)
		}
	}
	return out
}
