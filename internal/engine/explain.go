package engine

import (
	"fmt"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/plan"
)

// explain renders the data-source tree in a JSON-friendly form for the
// _explain option. Substitution markers are shown symbolically since the
// tree has not run yet.
func explain(node *plan.DSTNode) map[string]any {
	q := node.Request
	out := map[string]any{
		"dataSource": node.DataSourceName,
		"type":       q.Type,
		"attributes": q.Attributes,
	}
	if node.AttributePath != "" {
		out["attributePath"] = node.AttributePath
	}
	if q.Filter != nil {
		out["filter"] = explainFilter(q.Filter)
	}
	if len(q.Order) > 0 {
		order := make([]string, len(q.Order))
		for i, s := range q.Order {
			order[i] = s.Attribute + ":" + s.Direction
		}
		out["order"] = order
	}
	if q.Limit > 0 {
		out["limit"] = q.Limit
	}
	if len(q.LimitPer) > 0 {
		out["limitPer"] = q.LimitPer
	}
	if q.Page > 0 {
		out["page"] = q.Page
	}
	if q.Search != "" {
		out["search"] = q.Search
	}
	if len(node.SubFilters) > 0 {
		subs := make([]map[string]any, len(node.SubFilters))
		for i, sf := range node.SubFilters {
			subs[i] = explain(sf)
		}
		out["subFilters"] = subs
	}
	if len(node.SubRequests) > 0 {
		subs := make([]map[string]any, len(node.SubRequests))
		for i, sr := range node.SubRequests {
			subs[i] = explain(sr)
		}
		out["subRequests"] = subs
	}
	return out
}

func explainFilter(f datasource.Filter) []any {
	out := make([]any, len(f))
	for i, and := range f {
		branch := make([]any, len(and))
		for j, cond := range and {
			c := map[string]any{
				"attribute": cond.Attribute,
				"operator":  string(cond.Operator),
			}
			switch {
			case cond.ValueFromParentKey:
				c["value"] = "{parentKey}"
			case cond.ValueFromSubFilter >= 0:
				c["value"] = fmt.Sprintf("{subFilter:%d}", cond.ValueFromSubFilter)
			default:
				c["value"] = cond.Value
			}
			branch[j] = c
		}
		out[i] = branch
	}
	return out
}
