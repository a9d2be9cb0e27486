// Package builder assembles the executor's flat raw-result list into the
// response shape, guided by the resolved resource tree: secondary rows are
// joined by primary key, sub-resources by their parent/child keys, m:n
// relations through their join rows.
package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/extensions"
	"github.com/trellisql/trellis/internal/logging"
	"github.com/trellisql/trellis/internal/plan"
	"github.com/trellisql/trellis/internal/request"
	"github.com/trellisql/trellis/internal/response"
)

// Builder turns raw results into response data. Safe for concurrent use.
type Builder struct {
	ext *extensions.Registry
	log zerolog.Logger
}

func New(ext *extensions.Registry) *Builder {
	return &Builder{ext: ext, log: logging.Component("builder")}
}

// Output is the assembled payload: a single item or a list, plus the
// pagination cursor for list responses.
type Output struct {
	Data   any
	Cursor *response.Cursor
}

type assembly struct {
	b       *Builder
	ctx     context.Context
	req     *request.Request
	results map[*plan.DSTNode]*plan.RawResult
	indexed map[*plan.DSTNode]map[string][]datasource.Row
}

// Build assembles the response data for one executed plan.
func (b *Builder) Build(ctx context.Context, req *request.Request, p *plan.Plan, results []plan.RawResult) (*Output, error) {
	a := &assembly{
		b:       b,
		ctx:     ctx,
		req:     req,
		results: map[*plan.DSTNode]*plan.RawResult{},
		indexed: map[*plan.DSTNode]map[string][]datasource.Row{},
	}
	for i := range results {
		a.results[results[i].Node] = &results[i]
	}
	if err := a.index(results); err != nil {
		return nil, err
	}

	root, ok := a.results[p.Root.Main]
	if !ok {
		return nil, errors.Implementation("missing primary result").WithResource(p.Root.Resource.Name)
	}

	if p.Root.Many {
		items := make([]any, 0, len(root.Rows))
		for _, row := range root.Rows {
			item, err := a.buildItem(p.Root, row, nil)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		cursor := &response.Cursor{TotalCount: root.TotalCount}
		if p.Root.Page > 0 {
			cursor.Page = p.Root.Page
			cursor.Limit = p.Root.Limit
			if root.TotalCount != nil && p.Root.Limit > 0 {
				cursor.TotalPage = (*root.TotalCount + p.Root.Limit - 1) / p.Root.Limit
			}
		}
		return &Output{Data: items, Cursor: cursor}, nil
	}

	if len(root.Rows) == 0 {
		return nil, errors.NotFound("item not found").WithResource(p.Root.Resource.Name)
	}
	if len(root.Rows) > 1 {
		b.log.Warn().Str("resource", p.Root.Resource.Name).Int("rows", len(root.Rows)).Msg("single-item request matched multiple rows")
	}
	item, err := a.buildItem(p.Root, root.Rows[0], nil)
	if err != nil {
		return nil, err
	}
	return &Output{Data: item}, nil
}

// index prepares the child-key lookup tables for every keyed raw result.
func (a *assembly) index(results []plan.RawResult) error {
	for i := range results {
		node := results[i].Node
		if len(node.ChildKey) == 0 {
			continue
		}
		idx := map[string][]datasource.Row{}
		for _, row := range results[i].Rows {
			key, ok, err := rowKey(row, node.ChildKey, node.AttributePath)
			if err != nil {
				return err
			}
			if !ok {
				continue // null-keyed rows cannot be addressed
			}
			if node.UniqueChildKey && len(idx[key]) > 0 {
				return errors.Data("duplicate key %q in result %s", key, node.Name())
			}
			idx[key] = append(idx[key], row)
		}
		a.indexed[node] = idx
	}
	return nil
}

// buildItem assembles one result row. joinRow carries the m:n join-table
// row when the item is reached through a join traversal.
func (a *assembly) buildItem(node *plan.Node, row datasource.Row, joinRow datasource.Row) (map[string]any, error) {
	res := node.Resource

	secondaryRows := map[string]datasource.Row{}
	if joinRow != nil && node.JoinVia != "" {
		secondaryRows[node.JoinVia] = joinRow
	}
	if len(node.Secondary) > 0 {
		pk, ok, err := rowKey(row, res.ResolvedPrimaryKey[node.PrimaryDataSource], node.DottedPath())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Data("null primary key in result %s", node.Main.Name()).WithResource(res.Name)
		}
		for name, secNode := range node.Secondary {
			if _, ok := a.results[secNode]; !ok {
				return nil, errors.Implementation("missing secondary result %s", secNode.Name()).WithResource(res.Name)
			}
			rows := a.indexed[secNode][pk]
			if len(rows) == 0 {
				a.b.log.Debug().Str("resource", res.Name).Str("dataSource", name).Str("key", pk).Msg("no secondary row for item")
				secondaryRows[name] = nil
				continue
			}
			secondaryRows[name] = rows[0]
		}
	}

	item := map[string]any{}
	for _, f := range node.Fields {
		if f.Internal {
			continue
		}
		var value any
		switch {
		case f.Attr.HasStatic:
			value = f.Attr.Static
		case f.DataSource == node.PrimaryDataSource:
			value = row[f.Column]
		default:
			if sr := secondaryRows[f.DataSource]; sr != nil {
				value = sr[f.Column]
			}
		}
		setNested(item, f.Path, value)
	}

	for _, child := range node.Children {
		value, err := a.buildChild(child, row, secondaryRows)
		if err != nil {
			return nil, err
		}
		setNested(item, child.Path[len(node.Path):], value)
	}

	if a.b.ext.HasItemHandlers(res.Name) {
		ev := &extensions.ItemEvent{
			Resource:      res.Name,
			Request:       a.req,
			Item:          item,
			Row:           row,
			SecondaryRows: secondaryRows,
		}
		if err := a.b.ext.RunItem(a.ctx, res.Name, ev); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// buildChild resolves one sub-resource of the current row: an item or nil
// for to-one relations, a list for to-many.
func (a *assembly) buildChild(child *plan.Node, row datasource.Row, secondaryRows map[string]datasource.Row) (any, error) {
	srcRow := row
	if child.ParentDataSource != "" {
		if sr, ok := secondaryRows[child.ParentDataSource]; ok {
			srcRow = sr
		}
	}

	keys, err := parentKeys(srcRow, child)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		if child.Many {
			return []any{}, nil
		}
		return nil, nil
	}

	var rows []datasource.Row
	var joinRows []datasource.Row
	if child.Join != nil {
		rows, joinRows, err = a.joinRows(child, keys)
	} else {
		rows, err = a.directRows(child, keys)
	}
	if err != nil {
		return nil, err
	}

	if !child.Many {
		if len(rows) == 0 {
			return nil, nil
		}
		if len(rows) > 1 {
			a.b.log.Warn().Str("attribute", child.DottedPath()).Int("rows", len(rows)).Msg("to-one relation matched multiple rows")
		}
		var jr datasource.Row
		if len(joinRows) > 0 {
			jr = joinRows[0]
		}
		return a.buildItem(child, rows[0], jr)
	}

	items := make([]any, 0, len(rows))
	for i, r := range rows {
		var jr datasource.Row
		if joinRows != nil {
			jr = joinRows[i]
		}
		item, err := a.buildItem(child, r, jr)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// directRows resolves child rows straight from the child-key index.
func (a *assembly) directRows(child *plan.Node, keys []string) ([]datasource.Row, error) {
	if _, ok := a.results[child.Main]; !ok {
		return nil, errors.Implementation("missing result %s", child.Main.Name()).WithResource(child.Resource.Name)
	}
	idx := a.indexed[child.Main]
	var out []datasource.Row
	for _, key := range keys {
		out = append(out, idx[key]...)
	}
	return out, nil
}

// joinRows walks parent key -> join rows -> child rows and returns child
// rows paired with the join row that produced each.
func (a *assembly) joinRows(child *plan.Node, keys []string) ([]datasource.Row, []datasource.Row, error) {
	if _, ok := a.results[child.Join]; !ok {
		return nil, nil, errors.Implementation("missing result %s", child.Join.Name()).WithResource(child.Resource.Name)
	}
	if _, ok := a.results[child.Main]; !ok {
		return nil, nil, errors.Implementation("missing result %s", child.Main.Name()).WithResource(child.Resource.Name)
	}
	joinIdx := a.indexed[child.Join]
	childIdx := a.indexed[child.Main]

	var rows, joins []datasource.Row
	for _, key := range keys {
		for _, jr := range joinIdx[key] {
			childKey, ok, err := rowKey(jr, child.JoinChildKey, child.DottedPath())
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			for _, cr := range childIdx[childKey] {
				rows = append(rows, cr)
				joins = append(joins, jr)
			}
		}
	}
	return rows, joins, nil
}

// parentKeys extracts the lookup keys for a child from its parent row. An
// all-null key means the relation is intentionally empty; a multiValued
// single-column parent key contributes one lookup per element.
func parentKeys(row datasource.Row, child *plan.Node) ([]string, error) {
	if row == nil {
		return nil, nil
	}
	if child.MultiValuedParentKey && len(child.ParentKey) == 1 {
		list, ok := row[child.ParentKey[0]].([]any)
		if !ok {
			return nil, nil
		}
		keys := make([]string, 0, len(list))
		for _, el := range list {
			if el != nil {
				keys = append(keys, fmt.Sprint(el))
			}
		}
		return keys, nil
	}

	parts := make([]any, len(child.ParentKey))
	allNull := true
	for i, col := range child.ParentKey {
		v, ok := row[col]
		if !ok {
			return nil, errors.Data("missing parent key attribute %q", col).WithAttribute(child.DottedPath())
		}
		parts[i] = v
		if v != nil {
			allNull = false
		}
	}
	if allNull {
		return nil, nil
	}
	return []string{keyString(parts)}, nil
}

// rowKey builds the composite key string for a row. ok is false when every
// part is present but null.
func rowKey(row datasource.Row, cols []string, context string) (string, bool, error) {
	parts := make([]any, len(cols))
	allNull := true
	for i, col := range cols {
		v, ok := row[col]
		if !ok {
			return "", false, errors.Data("missing key attribute %q in result %s", col, context)
		}
		parts[i] = v
		if v != nil {
			allNull = false
		}
	}
	if allNull {
		return "", false, nil
	}
	return keyString(parts), true, nil
}

func keyString(parts []any) string {
	s := make([]string, len(parts))
	for i, v := range parts {
		s[i] = fmt.Sprint(v)
	}
	return strings.Join(s, "-")
}

// setNested writes a value at a dotted path, creating nested maps.
func setNested(item map[string]any, path []string, value any) {
	for i, part := range path {
		if i == len(path)-1 {
			item[part] = value
			return
		}
		next, ok := item[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			item[part] = next
		}
		item = next
	}
}
