package resolver

import (
	"strings"

	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/plan"
)

// distribute flattens a resolved frame into its data-source tree: one main
// query on the frame's primary source, secondary-source queries joined by
// primary key, sub-filter queries feeding value substitution, and one
// subtree per selected sub-resource.
func (r *resolver) distribute(node *plan.Node) (*plan.DSTNode, error) {
	res := node.Resource

	primary, err := r.choosePrimary(node)
	if err != nil {
		return nil, err
	}
	node.PrimaryDataSource = primary
	node.Secondary = map[string]*plan.DSTNode{}

	desc := res.DataSources[primary]
	main := &plan.DSTNode{
		AttributePath:  node.DottedPath(),
		DataSourceName: primary,
		Request: &datasource.Query{
			Type:    desc.Type,
			Options: desc.Options,
			Search:  node.Search,
			Limit:   node.Limit,
			Page:    node.Page,
		},
		AttributeOptions: map[string]cast.Options{},
	}
	node.Main = main

	pkCols, ok := res.ResolvedPrimaryKey[primary]
	if !ok {
		return nil, errors.Implementation("primary key is not resolved for data source %q", primary).WithResource(res.Name)
	}
	for i, col := range pkCols {
		addColumn(main, col, r.pkAttr(res, i), true)
	}

	for _, f := range node.Fields {
		if f.Attr.HasStatic {
			continue
		}
		ds, col, err := bindField(res, f, primary)
		if err != nil {
			return nil, err
		}
		f.DataSource, f.Column = ds, col

		switch {
		case ds == primary:
			addColumn(main, col, f.Attr, true)
		case res.DataSources[ds].IsJoin():
			// Join-row columns ride on the join query the parent wires up.
			if node.JoinVia != ds {
				return nil, errors.Implementation("attribute %q maps only to join data source %q", strings.Join(f.Path, "."), ds).WithResource(res.Name)
			}
		default:
			sec, err := r.ensureSecondary(node, primary, ds)
			if err != nil {
				return nil, err
			}
			addColumn(sec, col, f.Attr, true)
		}
	}

	filter, err := r.buildFilter(node, main, primary)
	if err != nil {
		return nil, err
	}
	main.Request.Filter = filter

	for _, s := range node.Order {
		attr, ok := res.Attribute(strings.Split(s.Attribute, "."))
		if !ok || attr.Kind != config.KindLeaf {
			return nil, errors.Implementation("order references unknown attribute %q", s.Attribute).WithResource(res.Name)
		}
		col, ok := attr.Map[primary]
		if !ok {
			return nil, errors.Request("attribute %q is not orderable on this request", s.Attribute).WithResource(res.Name)
		}
		main.Request.Order = append(main.Request.Order, datasource.Sort{Attribute: col, Direction: s.Direction})
	}

	for _, child := range node.Children {
		if err := r.wireChild(node, main, primary, child); err != nil {
			return nil, err
		}
	}
	return main, nil
}

// choosePrimary picks the frame's primary data source: an explicit
// primaryName wins, then a search-capable source when full-text search is
// requested, then the conventional "primary". Child frames fall back to
// the source carrying their child key.
func (r *resolver) choosePrimary(node *plan.Node) (string, error) {
	res := node.Resource
	candidates := res.NonJoinDataSources()
	if len(candidates) == 0 {
		return "", errors.Implementation("resource has no queryable data sources").WithResource(res.Name)
	}

	if res.PrimaryName != "" {
		if _, ok := res.DataSources[res.PrimaryName]; !ok {
			return "", errors.Implementation("primaryName references unknown data source %q", res.PrimaryName).WithResource(res.Name)
		}
		return res.PrimaryName, nil
	}

	if node.Search != "" {
		if d, ok := res.DataSources["primary"]; ok && d.Searchable {
			return "primary", nil
		}
		for _, name := range candidates {
			if res.DataSources[name].Searchable {
				return name, nil
			}
		}
		return "", errors.Request("resource does not support search").WithResource(res.Name)
	}

	pick := candidates[0]
	if _, ok := res.DataSources["primary"]; ok {
		pick = "primary"
	}
	if node.Attr != nil {
		if _, ok := node.Attr.ResolvedChildKey[pick]; !ok {
			pick = node.Attr.ChildDataSource
		}
	}
	return pick, nil
}

// bindField picks the data source serving a leaf attribute, preferring the
// frame's primary source.
func bindField(res *config.Resource, f *plan.Field, primary string) (string, string, error) {
	if col, ok := f.Attr.Map[primary]; ok {
		return primary, col, nil
	}
	for _, name := range res.DataSourceOrder {
		if col, ok := f.Attr.Map[name]; ok {
			return name, col, nil
		}
	}
	return "", "", errors.Implementation("attribute %q maps to no data source", strings.Join(f.Path, ".")).WithResource(res.Name)
}

// ensureSecondary lazily creates the per-source query joined to the main
// query by primary key.
func (r *resolver) ensureSecondary(node *plan.Node, primary, ds string) (*plan.DSTNode, error) {
	if sec, ok := node.Secondary[ds]; ok {
		return sec, nil
	}
	res := node.Resource
	desc, ok := res.DataSources[ds]
	if !ok {
		return nil, errors.Implementation("unknown data source %q", ds).WithResource(res.Name)
	}
	pkLocal, ok := res.ResolvedPrimaryKey[ds]
	if !ok {
		return nil, errors.Implementation("primary key is not resolved for data source %q", ds).WithResource(res.Name)
	}
	pkPrimary := res.ResolvedPrimaryKey[primary]

	sec := &plan.DSTNode{
		AttributePath:  node.DottedPath(),
		DataSourceName: ds,
		Request: &datasource.Query{
			Type:    desc.Type,
			Options: desc.Options,
			Filter: datasource.Filter{{datasource.Condition{
				Attribute:          cloneStrings(pkLocal),
				Operator:           datasource.OpEqual,
				ValueFromParentKey: true,
				ValueFromSubFilter: -1,
			}}},
		},
		AttributeOptions: map[string]cast.Options{},
		ParentKey:        cloneStrings(pkPrimary),
		ChildKey:         cloneStrings(pkLocal),
		UniqueChildKey:   true,
	}
	for i, col := range pkLocal {
		addColumn(sec, col, r.pkAttr(res, i), true)
	}
	node.Secondary[ds] = sec
	node.Main.SubRequests = append(node.Main.SubRequests, sec)
	return sec, nil
}

// buildFilter translates resolved filter conditions into driver conditions
// on the primary source, emitting sub-filter DST nodes for cross-resource
// conditions.
func (r *resolver) buildFilter(node *plan.Node, main *plan.DSTNode, primary string) (datasource.Filter, error) {
	if node.Filter == nil {
		return nil, nil
	}
	res := node.Resource
	out := make(datasource.Filter, 0, len(node.Filter))
	for _, and := range node.Filter {
		branch := make([]datasource.Condition, 0, len(and))
		for _, fc := range and {
			if fc.SubFilter != nil {
				cond, err := r.buildSubFilterCond(node, main, primary, fc)
				if err != nil {
					return nil, err
				}
				branch = append(branch, cond)
				continue
			}
			col, ok := fc.Attr.Map[primary]
			if !ok {
				return nil, errors.Request("attribute %q is not filterable on this request", strings.Join(fc.Attr.Path, ".")).WithResource(res.Name)
			}
			addColumn(main, col, fc.Attr, false)
			branch = append(branch, datasource.Condition{
				Attribute:          []string{col},
				Operator:           fc.Operator,
				Value:              fc.Value,
				ValueFromSubFilter: -1,
			})
		}
		out = append(out, branch)
	}
	return out, nil
}

// buildSubFilterCond runs the relation target as a sub-filter and matches
// its child keys against the relation's parent key. For m:n relations the
// join table forms a second sub-filter level.
func (r *resolver) buildSubFilterCond(node *plan.Node, main *plan.DSTNode, primary string, fc plan.FilterCond) (datasource.Condition, error) {
	a := fc.SubAttr
	res := node.Resource

	parentCols, ok := a.ResolvedParentKey[primary]
	if !ok {
		return datasource.Condition{}, errors.Request("attribute %q is not filterable on this request", a.Name).WithResource(res.Name)
	}
	for i, pk := range a.ParentKey {
		if attr, ok := res.Attribute(strings.Split(pk, ".")); ok {
			addColumn(main, parentCols[i], attr, false)
		}
	}

	subDST, err := r.distribute(fc.SubFilter)
	if err != nil {
		return datasource.Condition{}, err
	}
	ckCols, ok := a.ResolvedChildKey[fc.SubFilter.PrimaryDataSource]
	if !ok {
		return datasource.Condition{}, errors.Implementation("childKey is not resolved for data source %q", fc.SubFilter.PrimaryDataSource).WithResource(a.Resource.Name)
	}
	subDST.ChildKey = cloneStrings(ckCols)
	for i, ck := range a.ChildKey {
		if attr, ok := a.Resource.Attribute(strings.Split(ck, ".")); ok {
			addColumn(subDST, ckCols[i], attr, true)
		}
	}

	head := subDST
	if a.JoinVia != "" {
		desc := a.Resource.DataSources[a.JoinVia]
		join := buildJoinNode(fc.SubFilter, desc, a.JoinVia)
		join.SubFilters = append(join.SubFilters, subDST)
		join.Request.Filter = datasource.Filter{{datasource.Condition{
			Attribute:          cloneStrings(desc.ResolvedJoinChildKey),
			Operator:           datasource.OpEqual,
			ValueFromSubFilter: 0,
		}}}
		join.ChildKey = cloneStrings(desc.ResolvedJoinParentKey)
		head = join
	}

	idx := len(main.SubFilters)
	main.SubFilters = append(main.SubFilters, head)
	return datasource.Condition{
		Attribute:          cloneStrings(parentCols),
		Operator:           datasource.OpEqual,
		ValueFromSubFilter: idx,
	}, nil
}

// wireChild attaches a selected sub-resource below the query that carries
// the relation's parent key.
func (r *resolver) wireChild(node *plan.Node, main *plan.DSTNode, primary string, child *plan.Node) error {
	a := child.Attr
	res := node.Resource

	host := main
	parentCols, ok := a.ResolvedParentKey[primary]
	if !ok {
		pds := a.ParentDataSource
		sec, err := r.ensureSecondary(node, primary, pds)
		if err != nil {
			return err
		}
		host = sec
		parentCols = a.ResolvedParentKey[pds]
	}
	for i, pk := range a.ParentKey {
		if attr, ok := res.Attribute(strings.Split(pk, ".")); ok {
			addColumn(host, parentCols[i], attr, true)
		}
	}
	child.ParentKey = cloneStrings(parentCols)
	child.ParentDataSource = host.DataSourceName

	childDST, err := r.distribute(child)
	if err != nil {
		return err
	}

	ckCols, ok := a.ResolvedChildKey[child.PrimaryDataSource]
	if !ok {
		return errors.Implementation("childKey is not resolved for data source %q", child.PrimaryDataSource).WithResource(child.Resource.Name)
	}
	child.ChildKey = cloneStrings(ckCols)
	childDST.ChildKey = cloneStrings(ckCols)
	childDST.UniqueChildKey = a.UniqueChildKey
	childDST.MultiValuedParentKey = a.MultiValuedParentKey
	for i, ck := range a.ChildKey {
		if attr, ok := child.Resource.Attribute(strings.Split(ck, ".")); ok {
			addColumn(childDST, ckCols[i], attr, true)
		}
	}

	if a.JoinVia == "" {
		if child.Many && child.Limit > 0 {
			childDST.Request.LimitPer = cloneStrings(ckCols)
		}
		childDST.ParentKey = cloneStrings(parentCols)
		childDST.Request.Filter = andIntoAll(childDST.Request.Filter, datasource.Condition{
			Attribute:          cloneStrings(ckCols),
			Operator:           datasource.OpEqual,
			ValueFromParentKey: true,
			ValueFromSubFilter: -1,
		})
		host.SubRequests = append(host.SubRequests, childDST)
		return nil
	}

	desc := child.Resource.DataSources[a.JoinVia]
	join := buildJoinNode(child, desc, a.JoinVia)
	join.ParentKey = cloneStrings(parentCols)
	join.ChildKey = cloneStrings(desc.ResolvedJoinParentKey)
	join.MultiValuedParentKey = a.MultiValuedParentKey
	join.Request.Filter = datasource.Filter{{datasource.Condition{
		Attribute:          cloneStrings(desc.ResolvedJoinParentKey),
		Operator:           datasource.OpEqual,
		ValueFromParentKey: true,
		ValueFromSubFilter: -1,
	}}}
	for _, f := range child.Fields {
		if f.DataSource == a.JoinVia {
			addColumn(join, f.Column, f.Attr, true)
		}
	}

	childDST.ParentKey = cloneStrings(desc.ResolvedJoinChildKey)
	childDST.UniqueChildKey = true
	childDST.Request.Filter = andIntoAll(childDST.Request.Filter, datasource.Condition{
		Attribute:          cloneStrings(ckCols),
		Operator:           datasource.OpEqual,
		ValueFromParentKey: true,
		ValueFromSubFilter: -1,
	})
	join.SubRequests = append(join.SubRequests, childDST)

	child.Join = join
	child.JoinParentKey = cloneStrings(desc.ResolvedJoinParentKey)
	child.JoinChildKey = cloneStrings(desc.ResolvedJoinChildKey)
	host.SubRequests = append(host.SubRequests, join)
	return nil
}

func buildJoinNode(child *plan.Node, desc *datasource.Descriptor, name string) *plan.DSTNode {
	join := &plan.DSTNode{
		AttributePath:  child.DottedPath(),
		DataSourceName: name,
		Request: &datasource.Query{
			Type:    desc.Type,
			Options: desc.Options,
		},
		AttributeOptions: map[string]cast.Options{},
	}
	for _, col := range desc.ResolvedJoinParentKey {
		addColumn(join, col, nil, true)
	}
	for _, col := range desc.ResolvedJoinChildKey {
		addColumn(join, col, nil, true)
	}
	return join
}

func (r *resolver) pkAttr(res *config.Resource, i int) *config.Attribute {
	attr, _ := res.Attribute(strings.Split(res.PrimaryKey[i], "."))
	return attr
}

// addColumn records the column's cast options and, when project is set,
// adds it to the query projection.
func addColumn(dst *plan.DSTNode, col string, attr *config.Attribute, project bool) {
	if attr != nil {
		if _, ok := dst.AttributeOptions[col]; !ok {
			dst.AttributeOptions[col] = attr.CastOptions()
		}
	}
	if !project {
		return
	}
	for _, existing := range dst.Request.Attributes {
		if existing == col {
			return
		}
	}
	dst.Request.Attributes = append(dst.Request.Attributes, col)
}

// andIntoAll conjoins a condition with every OR branch of a filter.
func andIntoAll(f datasource.Filter, cond datasource.Condition) datasource.Filter {
	if len(f) == 0 {
		return datasource.Filter{{cond}}
	}
	for i := range f {
		f[i] = append(f[i], cond)
	}
	return f
}

func cloneStrings(s []string) []string {
	return append([]string{}, s...)
}
