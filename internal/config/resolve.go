package config

import (
	"sort"
	"strings"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
)

// maxInclusionDepth bounds "resource:" expansion; genuine cycles and
// runaway nesting are rejected at parse time.
const maxInclusionDepth = 10

// Parse runs both passes over the raw resource configs and prepares every
// referenced data source. The result is immutable for the process lifetime.
func Parse(rawResources map[string]map[string]any, opts *Options, registry *datasource.Registry) (*Config, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	cfg := &Config{Resources: map[string]*Resource{}, Options: opts}

	names := make([]string, 0, len(rawResources))
	for name := range rawResources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r, err := ParseResource(name, rawResources[name])
		if err != nil {
			return nil, err
		}
		cfg.Resources[name] = r
	}

	// Pristine pass-one copies back inclusion expansion; resolution below
	// mutates the live frames.
	pristine := make(map[string]*Resource, len(cfg.Resources))
	for name, r := range cfg.Resources {
		pristine[name] = cloneResource(r)
	}

	for _, name := range names {
		rs := &resolveState{cfg: cfg, pristine: pristine, registry: registry}
		if err := rs.resolveFrame(cfg.Resources[name], nil, 0); err != nil {
			return nil, err
		}
	}

	if registry != nil {
		for _, name := range names {
			if err := prepareFrame(cfg.Resources[name], registry); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

type resolveState struct {
	cfg      *Config
	pristine map[string]*Resource
	registry *datasource.Registry
}

// resolveFrame resolves one resource frame: primary key mappings, relation
// keys of its sub-resources, and inclusion expansion. parent is nil for
// root resources.
func (rs *resolveState) resolveFrame(r *Resource, parent *Resource, depth int) error {
	if err := rs.resolvePrimaryKey(r); err != nil {
		return err
	}
	if err := rs.validateLeafMappings(r, r.Attributes, r.AttrOrder); err != nil {
		return err
	}
	return rs.resolveChildren(r, r.Attributes, r.AttrOrder, depth)
}

func (rs *resolveState) resolveChildren(r *Resource, attrs map[string]*Attribute, order []string, depth int) error {
	for _, name := range order {
		attr := attrs[name]
		switch attr.Kind {
		case KindNested:
			if err := rs.resolveChildren(r, attr.Attributes, attr.AttrOrder, depth); err != nil {
				return err
			}
		case KindSubResource:
			if err := rs.resolveSubResource(r, attr, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rs *resolveState) resolveSubResource(parent *Resource, attr *Attribute, depth int) error {
	path := strings.Join(attr.Path, ".")
	fail := func(format string, args ...any) error {
		return errors.Implementation(format, args...).WithResource(parent.Name).WithAttribute(path)
	}

	if attr.ResourceRef != "" {
		if depth >= maxInclusionDepth {
			return fail("resource inclusion exceeds maximum depth %d", maxInclusionDepth)
		}
		target, ok := rs.pristine[attr.ResourceRef]
		if !ok {
			return fail("included resource %q does not exist", attr.ResourceRef)
		}
		merged, err := mergeInclusion(cloneResource(target), attr.Resource)
		if err != nil {
			return fail("inclusion of %q: %v", attr.ResourceRef, err)
		}
		merged.Name = attr.ResourceRef
		attr.Resource = merged
	}
	child := attr.Resource

	// Resolve the child frame first so its primary key is available for
	// "{primary}" expansion and the uniqueChildKey decision.
	if err := rs.resolveFrame(child, parent, depth+1); err != nil {
		return err
	}

	if len(attr.ParentKey) == 1 && attr.ParentKey[0] == "{primary}" {
		attr.ParentKey = append([]string{}, parent.PrimaryKey...)
	}
	if len(attr.ChildKey) == 1 && attr.ChildKey[0] == "{primary}" {
		attr.ChildKey = append([]string{}, child.PrimaryKey...)
	}
	if len(attr.ParentKey) == 0 || len(attr.ChildKey) == 0 {
		return fail("sub-resource requires parentKey and childKey")
	}
	if len(attr.ParentKey) != len(attr.ChildKey) {
		return fail("parentKey length %d does not match childKey length %d", len(attr.ParentKey), len(attr.ChildKey))
	}

	var err error
	attr.ResolvedParentKey, attr.MultiValuedParentKey, err = resolveKey(parent, attr.ParentKey, "parentKey")
	if err != nil {
		return fail("%v", err)
	}
	attr.ParentDataSource = pickKeySource(parent, attr.ResolvedParentKey)
	if attr.ParentDataSource == "" {
		return fail("no data source maps every parentKey part %v", attr.ParentKey)
	}

	var childMulti bool
	attr.ResolvedChildKey, childMulti, err = resolveKey(child, attr.ChildKey, "childKey")
	if err != nil {
		return fail("%v", err)
	}
	if childMulti && len(attr.ChildKey) > 1 {
		return fail("multiValued childKey parts require a childKey of length 1")
	}
	attr.ChildDataSource = pickKeySource(child, attr.ResolvedChildKey)
	if attr.ChildDataSource == "" {
		return fail("no data source maps every childKey part %v", attr.ChildKey)
	}

	attr.UniqueChildKey = samePathSet(attr.ChildKey, child.PrimaryKey)

	if attr.JoinVia != "" {
		join, ok := child.DataSources[attr.JoinVia]
		if !ok {
			return fail("joinVia references unknown data source %q", attr.JoinVia)
		}
		if !join.IsJoin() {
			return fail("joinVia data source %q declares no join keys", attr.JoinVia)
		}
		if len(join.JoinParentKey) != len(attr.ParentKey) {
			return fail("joinParentKey length %d does not match parentKey length %d", len(join.JoinParentKey), len(attr.ParentKey))
		}
		if len(join.JoinChildKey) != len(attr.ChildKey) {
			return fail("joinChildKey length %d does not match childKey length %d", len(join.JoinChildKey), len(attr.ChildKey))
		}
	}
	return nil
}

// resolveKey maps each key part to its column per data source, returning
// only data sources that cover every part. A multiValued part forces key
// length 1.
func resolveKey(r *Resource, key []string, label string) (map[string][]string, bool, error) {
	multiValued := false
	perSource := map[string][]string{}
	for _, dsName := range r.DataSourceOrder {
		if r.DataSources[dsName].IsJoin() {
			continue
		}
		cols := make([]string, 0, len(key))
		complete := true
		for _, part := range key {
			attr, ok := r.Attribute(strings.Split(part, "."))
			if !ok || attr.Kind != KindLeaf {
				return nil, false, errors.Implementation("%s part %q is not a leaf attribute", label, part)
			}
			if attr.MultiValued {
				if len(key) > 1 {
					return nil, false, errors.Implementation("composite %s forbids multiValued part %q", label, part)
				}
				multiValued = true
			}
			col, ok := attr.Map[dsName]
			if !ok {
				complete = false
				break
			}
			cols = append(cols, col)
		}
		if complete {
			perSource[dsName] = cols
		}
	}
	if len(perSource) == 0 {
		return nil, false, errors.Implementation("%s %v is not mapped to any data source", label, key)
	}
	return perSource, multiValued, nil
}

// pickKeySource chooses the data source serving a key: the resource's
// primary source when it covers all parts, otherwise the first declared
// covering source (#same-group).
func pickKeySource(r *Resource, resolved map[string][]string) string {
	primary := r.PrimaryName
	if primary == "" {
		primary = "primary"
	}
	if _, ok := resolved[primary]; ok {
		return primary
	}
	for _, name := range r.DataSourceOrder {
		if _, ok := resolved[name]; ok {
			return name
		}
	}
	return ""
}

func (rs *resolveState) resolvePrimaryKey(r *Resource) error {
	if len(r.PrimaryKey) == 0 {
		return errors.Implementation("resource has no primaryKey").WithResource(r.Name)
	}
	r.ResolvedPrimaryKey = map[string][]string{}
	for _, dsName := range r.NonJoinDataSources() {
		cols := make([]string, 0, len(r.PrimaryKey))
		for _, part := range r.PrimaryKey {
			attr, ok := r.Attribute(strings.Split(part, "."))
			if !ok || attr.Kind != KindLeaf {
				return errors.Implementation("primaryKey part %q is not a leaf attribute", part).WithResource(r.Name)
			}
			if attr.MultiValued {
				return errors.Implementation("primaryKey part %q may not be multiValued", part).WithResource(r.Name)
			}
			col, ok := attr.Map[dsName]
			if !ok {
				return errors.Implementation("primaryKey part %q is not mapped to data source %q", part, dsName).
					WithResource(r.Name).WithDataSource(dsName)
			}
			cols = append(cols, col)
		}
		r.ResolvedPrimaryKey[dsName] = cols
	}

	// A visible single-column primary key is filterable by equality unless
	// the config says otherwise.
	if len(r.PrimaryKey) == 1 {
		if attr, ok := r.Attribute(strings.Split(r.PrimaryKey[0], ".")); ok && !attr.Hidden && attr.Filter == nil {
			attr.Filter = []datasource.Operator{datasource.OpEqual}
		}
	}
	return nil
}

func (rs *resolveState) validateLeafMappings(r *Resource, attrs map[string]*Attribute, order []string) error {
	for _, name := range order {
		attr := attrs[name]
		switch attr.Kind {
		case KindLeaf:
			if attr.HasStatic {
				continue
			}
			for dsName := range attr.Map {
				if _, ok := r.DataSources[dsName]; !ok {
					return errors.Implementation("mapping references undeclared data source %q", dsName).
						WithResource(r.Name).WithAttribute(strings.Join(attr.Path, "."))
				}
			}
		case KindNested:
			if err := rs.validateLeafMappings(r, attr.Attributes, attr.AttrOrder); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeInclusion merges local sub-resource overrides into a cloned target.
// Inclusions may add attributes and data sources but never overwrite them.
func mergeInclusion(target *Resource, local *Resource) (*Resource, error) {
	for _, name := range local.DataSourceOrder {
		if _, exists := target.DataSources[name]; exists {
			return nil, errors.Implementation("inclusion may not overwrite data source %q", name)
		}
		target.DataSources[name] = local.DataSources[name]
		target.DataSourceOrder = append(target.DataSourceOrder, name)
	}
	for _, name := range local.AttrOrder {
		if _, exists := target.Attributes[name]; exists {
			return nil, errors.Implementation("inclusion may not overwrite attribute %q", name)
		}
		target.Attributes[name] = local.Attributes[name]
		target.AttrOrder = append(target.AttrOrder, name)
	}
	if len(local.PrimaryKey) > 0 {
		target.PrimaryKey = local.PrimaryKey
	}
	if local.DefaultLimit > 0 {
		target.DefaultLimit = local.DefaultLimit
	}
	if local.MaxLimit > 0 {
		target.MaxLimit = local.MaxLimit
	}
	if len(local.DefaultOrder) > 0 {
		target.DefaultOrder = local.DefaultOrder
	}
	if local.PrimaryName != "" {
		target.PrimaryName = local.PrimaryName
	}
	if local.Permission != "" {
		target.Permission = local.Permission
	}
	target.SubFilters = append(target.SubFilters, local.SubFilters...)
	return target, nil
}

// prepareFrame collects the unique columns used per data source and calls
// Prepare on every descriptor, resolving inherit first.
func prepareFrame(r *Resource, registry *datasource.Registry) error {
	columns := map[string]map[string]bool{}
	record := func(ds, col string) {
		if columns[ds] == nil {
			columns[ds] = map[string]bool{}
		}
		columns[ds][col] = true
	}
	collectColumns(r.Attributes, r.AttrOrder, record)
	for ds, cols := range r.ResolvedPrimaryKey {
		for _, col := range cols {
			record(ds, col)
		}
	}

	for _, name := range r.DataSourceOrder {
		desc := r.DataSources[name]
		if desc.Inherit != "" {
			base, ok := r.DataSources[desc.Inherit]
			if !ok {
				return errors.Implementation("data source %q inherits unknown data source %q", name, desc.Inherit).
					WithResource(r.Name)
			}
			if desc.Type == "" {
				desc.Type = base.Type
			}
			for k, v := range base.Options {
				if _, set := desc.Options[k]; !set {
					desc.Options[k] = v
				}
			}
		}
		if desc.IsJoin() {
			for _, col := range desc.JoinParentKey {
				record(name, col)
			}
			for _, col := range desc.JoinChildKey {
				record(name, col)
			}
		}

		driver, err := registry.Get(desc.Type)
		if err != nil {
			return errors.Implementation("data source %q: %v", name, err).WithResource(r.Name)
		}
		cols := make([]string, 0, len(columns[name]))
		for col := range columns[name] {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		if err := driver.Prepare(desc, cols); err != nil {
			return errors.Wrap(errors.KindImplementation, err, "preparing data source %q", name).
				WithResource(r.Name).WithDataSource(name)
		}
	}

	// Sub-resource frames prepare their own descriptors.
	return prepareChildren(r.Attributes, r.AttrOrder, registry)
}

func prepareChildren(attrs map[string]*Attribute, order []string, registry *datasource.Registry) error {
	for _, name := range order {
		attr := attrs[name]
		switch attr.Kind {
		case KindNested:
			if err := prepareChildren(attr.Attributes, attr.AttrOrder, registry); err != nil {
				return err
			}
		case KindSubResource:
			if err := prepareFrame(attr.Resource, registry); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectColumns(attrs map[string]*Attribute, order []string, record func(ds, col string)) {
	for _, name := range order {
		attr := attrs[name]
		switch attr.Kind {
		case KindLeaf:
			for ds, col := range attr.Map {
				record(ds, col)
			}
		case KindNested:
			collectColumns(attr.Attributes, attr.AttrOrder, record)
		}
	}
}

func samePathSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if !set[p] {
			return false
		}
	}
	return true
}

func cloneResource(r *Resource) *Resource {
	out := &Resource{
		Name:            r.Name,
		DataSources:     map[string]*datasource.Descriptor{},
		DataSourceOrder: append([]string{}, r.DataSourceOrder...),
		PrimaryKey:      append([]string{}, r.PrimaryKey...),
		Attributes:      map[string]*Attribute{},
		AttrOrder:       append([]string{}, r.AttrOrder...),
		SubFilters:      append([]SubFilter{}, r.SubFilters...),
		DefaultLimit:    r.DefaultLimit,
		MaxLimit:        r.MaxLimit,
		DefaultOrder:    append([]datasource.Sort{}, r.DefaultOrder...),
		PrimaryName:     r.PrimaryName,
		Permission:      r.Permission,
	}
	for name, desc := range r.DataSources {
		out.DataSources[name] = cloneDescriptor(desc)
	}
	for name, attr := range r.Attributes {
		out.Attributes[name] = cloneAttribute(attr)
	}
	return out
}

func cloneDescriptor(d *datasource.Descriptor) *datasource.Descriptor {
	out := *d
	out.Options = make(map[string]any, len(d.Options))
	for k, v := range d.Options {
		out.Options[k] = v
	}
	out.JoinParentKey = append([]string{}, d.JoinParentKey...)
	out.JoinChildKey = append([]string{}, d.JoinChildKey...)
	out.ResolvedJoinParentKey = append([]string{}, d.ResolvedJoinParentKey...)
	out.ResolvedJoinChildKey = append([]string{}, d.ResolvedJoinChildKey...)
	return &out
}

func cloneAttribute(a *Attribute) *Attribute {
	out := *a
	out.Path = append([]string{}, a.Path...)
	if a.Map != nil {
		out.Map = make(map[string]string, len(a.Map))
		for k, v := range a.Map {
			out.Map[k] = v
		}
	}
	// Preserve nilness: a nil Filter means "defaultable", not "disabled".
	if a.Filter != nil {
		out.Filter = append([]datasource.Operator{}, a.Filter...)
	}
	if a.Order != nil {
		out.Order = append([]string{}, a.Order...)
	}
	if a.Depends != nil {
		out.Depends = append([]string{}, a.Depends...)
	}
	if a.Attributes != nil {
		out.Attributes = make(map[string]*Attribute, len(a.Attributes))
		for name, child := range a.Attributes {
			out.Attributes[name] = cloneAttribute(child)
		}
		out.AttrOrder = append([]string{}, a.AttrOrder...)
	}
	if a.Resource != nil {
		out.Resource = cloneResource(a.Resource)
	}
	out.ParentKey = append([]string{}, a.ParentKey...)
	out.ChildKey = append([]string{}, a.ChildKey...)
	return &out
}
