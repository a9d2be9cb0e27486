// Package resolver maps a logical request against the parsed configuration
// into an execution plan: a resolved resource tree for result assembly and
// a data-source tree for the executor.
package resolver

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/logging"
	"github.com/trellisql/trellis/internal/plan"
	"github.com/trellisql/trellis/internal/request"
)

const (
	rootDefaultLimit = 10

	// Bounds depends-on-depends chains and relation key fanout when the
	// projection is expanded to a fixpoint.
	maxExpandPasses = 10
)

type resolver struct {
	cfg *config.Config
	req *request.Request
	log zerolog.Logger
}

// Resolve validates the request against the configuration and produces the
// execution plan. Invalid requests against a valid configuration always
// fail with a request or not-found error.
func Resolve(cfg *config.Config, req *request.Request) (*plan.Plan, error) {
	res, ok := cfg.Resource(req.Resource)
	if !ok {
		return nil, errors.NotFound("unknown resource %q", req.Resource)
	}
	if req.Action != request.ActionRetrieve {
		return nil, errors.Request("action %q is not a retrieval", req.Action).WithResource(req.Resource)
	}

	r := &resolver{cfg: cfg, req: req, log: logging.Component("resolver")}

	root := &plan.Node{Resource: res, Many: true}
	proj := req.Select
	if proj == nil {
		proj = request.NewProjection()
	}
	if err := r.buildNode(root, proj); err != nil {
		return nil, err
	}
	if err := r.applyOptions(root); err != nil {
		return nil, err
	}
	dst, err := r.distribute(root)
	if err != nil {
		return nil, err
	}
	return &plan.Plan{Root: root, DST: dst}, nil
}

// buildNode resolves one resource frame: expands the projection to a
// fixpoint (default selection, key attributes, depends) and collects the
// selected fields and sub-resource children.
func (r *resolver) buildNode(node *plan.Node, proj *request.ProjectionNode) error {
	res := node.Resource
	if proj.IsLeaf() {
		defaultSelect(proj, res.Attributes, res.AttrOrder)
	}
	for _, pk := range res.PrimaryKey {
		proj.AddPath(strings.Split(pk, "."), true)
	}
	if node.Attr != nil {
		for _, ck := range node.Attr.ChildKey {
			proj.AddPath(strings.Split(ck, "."), true)
		}
	}
	if err := r.expandFrame(node, proj); err != nil {
		return err
	}
	return r.collectFields(node, res.Attributes, nil, proj, false)
}

// expandFrame grows the projection until it is stable: relation parent
// keys, depends targets, and default sub-selections may themselves pull in
// further attributes.
func (r *resolver) expandFrame(node *plan.Node, proj *request.ProjectionNode) error {
	res := node.Resource
	for pass := 0; ; pass++ {
		if pass >= maxExpandPasses {
			return errors.Request("depends chain exceeds maximum depth %d", maxExpandPasses).WithResource(res.Name)
		}
		before := countNodes(proj)
		if err := r.expandLevel(res, proj, proj, res.Attributes, nil); err != nil {
			return err
		}
		if countNodes(proj) == before {
			return nil
		}
	}
}

func (r *resolver) expandLevel(res *config.Resource, frame, cur *request.ProjectionNode, attrs map[string]*config.Attribute, prefix []string) error {
	for i := 0; i < len(cur.Order); i++ {
		name := cur.Order[i]
		child := cur.Children[name]
		a, ok := attrs[name]
		if !ok {
			return errors.Request("unknown attribute %q", dotted(prefix, name)).WithResource(res.Name)
		}
		switch a.Kind {
		case config.KindLeaf:
			for _, dep := range a.Depends {
				frame.AddPath(strings.Split(dep, "."), true)
			}
		case config.KindNested:
			if child.IsLeaf() {
				defaultSelect(child, a.Attributes, a.AttrOrder)
			}
			if err := r.expandLevel(res, frame, child, a.Attributes, appendPath(prefix, name)); err != nil {
				return err
			}
		case config.KindSubResource:
			for _, pk := range a.ParentKey {
				frame.AddPath(strings.Split(pk, "."), true)
			}
			if child.IsLeaf() {
				defaultSelect(child, a.Resource.Attributes, a.Resource.AttrOrder)
			}
		}
	}
	return nil
}

// defaultSelect selects every visible leaf attribute, descending nested
// namespaces. Sub-resources are never selected implicitly.
func defaultSelect(proj *request.ProjectionNode, attrs map[string]*config.Attribute, order []string) {
	for _, name := range order {
		a := attrs[name]
		switch a.Kind {
		case config.KindLeaf:
			if !a.Hidden {
				proj.Ensure(name, false)
			}
		case config.KindNested:
			if !a.Hidden {
				defaultSelect(proj.Ensure(name, false), a.Attributes, a.AttrOrder)
			}
		}
	}
}

func (r *resolver) collectFields(node *plan.Node, attrs map[string]*config.Attribute, prefix []string, cur *request.ProjectionNode, inheritedInternal bool) error {
	res := node.Resource
	for i := 0; i < len(cur.Order); i++ {
		name := cur.Order[i]
		child := cur.Children[name]
		path := appendPath(prefix, name)
		a := attrs[name] // existence verified during expansion
		internal := inheritedInternal || child.Internal

		// Hidden applies to every attribute kind, so a hidden namespace or
		// relation refuses its whole subtree.
		if a.Hidden && !internal && !r.req.Internal {
			return errors.Request("unknown attribute %q", dotted(prefix, name)).WithResource(res.Name)
		}

		switch a.Kind {
		case config.KindLeaf:
			if !child.IsLeaf() {
				return errors.Request("attribute %q has no sub-attributes", dotted(prefix, name)).WithResource(res.Name)
			}
			if a.Deprecated && !internal {
				r.log.Warn().
					Str("resource", res.Name).
					Str("attribute", dotted(prefix, name)).
					Msg("deprecated attribute selected")
			}
			node.Fields = append(node.Fields, &plan.Field{
				Name:     name,
				Path:     path,
				Attr:     a,
				Internal: internal,
			})

		case config.KindNested:
			if err := r.collectFields(node, a.Attributes, path, child, internal); err != nil {
				return err
			}

		case config.KindSubResource:
			childNode := &plan.Node{
				Name:                 name,
				Path:                 appendPaths(node.Path, path),
				Resource:             a.Resource,
				Attr:                 a,
				Many:                 a.Many,
				JoinVia:              a.JoinVia,
				MultiValuedParentKey: a.MultiValuedParentKey,
				UniqueChildKey:       a.UniqueChildKey,
				Limit:                a.Resource.DefaultLimit,
				Order:                a.Resource.DefaultOrder,
			}
			if err := r.buildNode(childNode, child); err != nil {
				return err
			}
			node.Children = append(node.Children, childNode)
		}
	}
	return nil
}

func (r *resolver) applyOptions(root *plan.Node) error {
	res := root.Resource
	req := r.req

	if req.ID != nil {
		root.Many = false
		and, err := r.primaryKeyConditions(root, req.ID)
		if err != nil {
			return err
		}
		root.Filter = [][]plan.FilterCond{and}
	}

	if req.Filter != nil {
		f, err := r.resolveFilter(root, req.Filter)
		if err != nil {
			return err
		}
		root.Filter = crossProduct(root.Filter, f)
	}

	root.Search = req.Search

	if len(req.Order) > 0 {
		if err := r.checkOrder(root, req.Order); err != nil {
			return err
		}
		root.Order = req.Order
	} else {
		root.Order = res.DefaultOrder
	}

	if !root.Many {
		if req.Limit != nil || req.Page != nil {
			return errors.Request("limit and page are not allowed on single-item requests").WithResource(res.Name)
		}
		return nil
	}

	limit := res.DefaultLimit
	if limit == 0 {
		limit = rootDefaultLimit
	}
	if req.Limit != nil {
		if *req.Limit < 1 {
			return errors.Request("limit must be positive").WithResource(res.Name)
		}
		limit = *req.Limit
	}
	if res.MaxLimit > 0 && limit > res.MaxLimit {
		return errors.Request("limit %d exceeds maximum %d", limit, res.MaxLimit).WithResource(res.Name)
	}
	root.Limit = limit

	if req.Page != nil {
		if req.Limit == nil {
			return errors.Request("page requires an explicit limit").WithResource(res.Name)
		}
		if *req.Page < 1 {
			return errors.Request("page must be positive").WithResource(res.Name)
		}
		root.Page = *req.Page
	}
	return nil
}

// primaryKeyConditions translates an id option into equality conditions on
// the primary key. Composite keys take a list with one part per key column.
func (r *resolver) primaryKeyConditions(node *plan.Node, id any) ([]plan.FilterCond, error) {
	res := node.Resource
	values := []any{id}
	if parts, ok := id.([]any); ok {
		values = parts
	}
	if len(values) != len(res.PrimaryKey) {
		return nil, errors.Request("id must have %d part(s)", len(res.PrimaryKey)).WithResource(res.Name)
	}
	and := make([]plan.FilterCond, 0, len(res.PrimaryKey))
	for i, pk := range res.PrimaryKey {
		attr, ok := res.Attribute(strings.Split(pk, "."))
		if !ok {
			return nil, errors.Implementation("primary key part %q has no attribute", pk).WithResource(res.Name)
		}
		and = append(and, plan.FilterCond{Attr: attr, Operator: datasource.OpEqual, Value: values[i]})
	}
	return and, nil
}

func (r *resolver) resolveFilter(node *plan.Node, f request.Filter) ([][]plan.FilterCond, error) {
	out := make([][]plan.FilterCond, 0, len(f))
	for _, and := range f {
		branch := make([]plan.FilterCond, 0, len(and))
		for _, c := range and {
			rc, err := r.resolveCondition(node, c)
			if err != nil {
				return nil, err
			}
			branch = append(branch, rc)
		}
		out = append(out, branch)
	}
	return out, nil
}

// resolveCondition checks a single filter condition against the frame.
// Paths crossing a sub-resource boundary must be covered by a registered
// subFilter; those either rewrite to a local attribute or run the target
// resource as a sub-query.
func (r *resolver) resolveCondition(node *plan.Node, c request.Condition) (plan.FilterCond, error) {
	res := node.Resource
	path := strings.Join(c.Attribute, ".")

	if attr, ok := res.Attribute(c.Attribute); ok && attr.Kind == config.KindLeaf {
		if !containsOp(attr.Filter, c.Operator) {
			return plan.FilterCond{}, errors.Request("attribute %q is not filterable with operator %q", path, c.Operator).WithResource(res.Name)
		}
		return plan.FilterCond{Attr: attr, Operator: c.Operator, Value: c.Value}, nil
	}

	sf := findSubFilter(res.SubFilters, c.Attribute)
	if sf == nil {
		return plan.FilterCond{}, errors.Request("attribute %q is not filterable", path).WithResource(res.Name)
	}
	if len(sf.Operators) > 0 && !containsOp(sf.Operators, c.Operator) {
		return plan.FilterCond{}, errors.Request("attribute %q is not filterable with operator %q", path, c.Operator).WithResource(res.Name)
	}
	if len(sf.RewriteTo) > 0 {
		return r.resolveCondition(node, request.Condition{Attribute: sf.RewriteTo, Operator: c.Operator, Value: c.Value})
	}

	subAttr, idx := splitAtSubResource(res, c.Attribute)
	if subAttr == nil {
		return plan.FilterCond{}, errors.Request("attribute %q is not filterable", path).WithResource(res.Name)
	}
	subNode, err := r.buildFilterNode(node, subAttr, c.Attribute[:idx+1])
	if err != nil {
		return plan.FilterCond{}, err
	}
	rc, err := r.resolveCondition(subNode, request.Condition{
		Attribute: c.Attribute[idx+1:],
		Operator:  c.Operator,
		Value:     c.Value,
	})
	if err != nil {
		return plan.FilterCond{}, err
	}
	subNode.Filter = crossProduct(subNode.Filter, [][]plan.FilterCond{{rc}})
	return plan.FilterCond{SubAttr: subAttr, SubFilter: subNode, Operator: datasource.OpEqual}, nil
}

// buildFilterNode prepares a minimal frame for a sub-filter query: only
// the relation's child key is selected.
func (r *resolver) buildFilterNode(parent *plan.Node, a *config.Attribute, path []string) (*plan.Node, error) {
	node := &plan.Node{
		Name:     a.Name,
		Path:     appendPaths(parent.Path, path),
		Resource: a.Resource,
		Attr:     a,
		Many:     true,
	}
	proj := request.NewProjection()
	for _, ck := range a.ChildKey {
		proj.AddPath(strings.Split(ck, "."), true)
	}
	if err := r.buildNode(node, proj); err != nil {
		return nil, err
	}
	return node, nil
}

func (r *resolver) checkOrder(node *plan.Node, order []datasource.Sort) error {
	res := node.Resource
	for _, s := range order {
		attr, ok := res.Attribute(strings.Split(s.Attribute, "."))
		if !ok || attr.Kind != config.KindLeaf {
			return errors.Request("unknown order attribute %q", s.Attribute).WithResource(res.Name)
		}
		allowed := false
		for _, d := range attr.Order {
			if d == s.Direction {
				allowed = true
				break
			}
		}
		if !allowed {
			return errors.Request("attribute %q is not orderable by %q", s.Attribute, s.Direction).WithResource(res.Name)
		}
	}
	return nil
}

// splitAtSubResource walks the path through nested namespaces and returns
// the first sub-resource attribute hit plus its index in the path.
func splitAtSubResource(res *config.Resource, path []string) (*config.Attribute, int) {
	attrs := res.Attributes
	for i, part := range path {
		a, ok := attrs[part]
		if !ok {
			return nil, 0
		}
		switch a.Kind {
		case config.KindSubResource:
			if i == len(path)-1 {
				return nil, 0 // filtering a whole sub-resource makes no sense
			}
			return a, i
		case config.KindNested:
			attrs = a.Attributes
		default:
			return nil, 0
		}
	}
	return nil, 0
}

func findSubFilter(subFilters []config.SubFilter, path []string) *config.SubFilter {
	for i := range subFilters {
		if samePath(subFilters[i].Attribute, path) {
			return &subFilters[i]
		}
	}
	return nil
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsOp(ops []datasource.Operator, op datasource.Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func crossProduct(a, b [][]plan.FilterCond) [][]plan.FilterCond {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make([][]plan.FilterCond, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			branch := make([]plan.FilterCond, 0, len(x)+len(y))
			branch = append(branch, x...)
			branch = append(branch, y...)
			out = append(out, branch)
		}
	}
	return out
}

func countNodes(n *request.ProjectionNode) int {
	count := 1
	for _, child := range n.Children {
		count += countNodes(child)
	}
	return count
}

func appendPath(prefix []string, name string) []string {
	out := make([]string, 0, len(prefix)+1)
	out = append(out, prefix...)
	return append(out, name)
}

func appendPaths(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func dotted(prefix []string, name string) string {
	if len(prefix) == 0 {
		return name
	}
	return strings.Join(prefix, ".") + "." + name
}
