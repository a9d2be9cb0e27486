// Package executor walks the data-source tree: sub-filters before a node's
// own query, sub-requests after it, siblings concurrently. It resolves the
// two value-substitution markers, casts filter values and result rows, and
// emits the flat raw-result list the builder consumes.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/extensions"
	"github.com/trellisql/trellis/internal/logging"
	"github.com/trellisql/trellis/internal/metrics"
	"github.com/trellisql/trellis/internal/plan"
	"github.com/trellisql/trellis/internal/profiler"
)

// Executor runs data-source trees. Safe for concurrent use; per-request
// state lives in the tree itself.
type Executor struct {
	registry *datasource.Registry
	caster   *cast.Caster
	ext      *extensions.Registry
	log      zerolog.Logger
}

func New(registry *datasource.Registry, caster *cast.Caster, ext *extensions.Registry) *Executor {
	return &Executor{
		registry: registry,
		caster:   caster,
		ext:      ext,
		log:      logging.Component("executor"),
	}
}

// Execute runs the tree rooted at dst and returns the raw results ordered
// depth-first, each node's main result before its sub-results. The first
// backend error cancels pending siblings and fails the request.
func (e *Executor) Execute(ctx context.Context, resource string, dst *plan.DSTNode, prof *profiler.Profiler) ([]plan.RawResult, error) {
	return e.run(ctx, resource, dst, prof)
}

func (e *Executor) run(ctx context.Context, resource string, node *plan.DSTNode, prof *profiler.Profiler) ([]plan.RawResult, error) {
	subFilterResults := make([][]plan.RawResult, len(node.SubFilters))
	if len(node.SubFilters) > 0 && !node.Empty {
		g, gctx := errgroup.WithContext(ctx)
		for i, sf := range node.SubFilters {
			i, sf := i, sf
			g.Go(func() error {
				res, err := e.run(gctx, resource, sf, prof)
				subFilterResults[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		e.substituteSubFilters(node, subFilterResults)
	}

	main, err := e.query(ctx, resource, node, prof)
	if err != nil {
		return nil, err
	}

	out := []plan.RawResult{main}
	for _, res := range subFilterResults {
		out = append(out, res...)
	}

	if len(node.SubRequests) > 0 {
		subResults := make([][]plan.RawResult, len(node.SubRequests))
		g, gctx := errgroup.WithContext(ctx)
		for i, sub := range node.SubRequests {
			bindParentValues(sub, main.Rows)
			i, sub := i, sub
			g.Go(func() error {
				res, err := e.run(gctx, resource, sub, prof)
				subResults[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		// Declaration order, not completion order.
		for _, res := range subResults {
			out = append(out, res...)
		}
	}
	return out, nil
}

// query runs a single node: cast filter values, fire preExecute, call the
// driver under a profiler child, cast the rows, fire postExecute. Nodes
// marked empty resolve without touching the backend.
func (e *Executor) query(ctx context.Context, resource string, node *plan.DSTNode, prof *profiler.Profiler) (plan.RawResult, error) {
	if node.Empty {
		zero := 0
		return plan.RawResult{Node: node, TotalCount: &zero}, nil
	}

	e.castFilterValues(node)

	if err := e.ext.RunPreExecute(ctx, resource, &extensions.PreExecuteEvent{Resource: resource, Node: node}); err != nil {
		return plan.RawResult{}, annotate(err, node)
	}

	driver, err := e.registry.Get(node.Request.Type)
	if err != nil {
		return plan.RawResult{}, err
	}

	child := prof.Child(node.Name())
	metrics.QueriesTotal.WithLabelValues(node.Request.Type).Inc()
	metrics.QueriesInFlight.Inc()
	result, err := driver.Process(ctx, node.Request)
	metrics.QueriesInFlight.Dec()
	child.End()
	metrics.QueryDuration.WithLabelValues(node.Request.Type).Observe(child.Duration().Seconds())
	if err != nil {
		metrics.QueryErrors.WithLabelValues(node.Request.Type).Inc()
		return plan.RawResult{}, annotate(err, node)
	}

	for _, row := range result.Data {
		e.castRow(row, node.AttributeOptions)
	}

	if err := e.ext.RunPostExecute(ctx, resource, &extensions.PostExecuteEvent{Resource: resource, Node: node, Result: result}); err != nil {
		return plan.RawResult{}, annotate(err, node)
	}

	e.log.Debug().Str("query", node.Name()).Int("rows", len(result.Data)).Msg("data source request completed")
	return plan.RawResult{Node: node, Rows: result.Data, TotalCount: result.TotalCount}, nil
}

func (e *Executor) castRow(row datasource.Row, options map[string]cast.Options) {
	for col, opt := range options {
		if v, ok := row[col]; ok {
			row[col] = e.caster.Value(v, opt)
		}
	}
}

// castFilterValues coerces literal and substituted filter values to each
// column's stored representation. Composite conditions compare raw key
// tuples and are left alone.
func (e *Executor) castFilterValues(node *plan.DSTNode) {
	for i := range node.Request.Filter {
		for j := range node.Request.Filter[i] {
			cond := &node.Request.Filter[i][j]
			if cond.Value == nil || len(cond.Attribute) != 1 {
				continue
			}
			opt, ok := node.AttributeOptions[cond.Attribute[0]]
			if !ok {
				continue
			}
			cond.Value = e.caster.StoredValue(cond.Value, opt)
		}
	}
}

// substituteSubFilters replaces valueFromSubFilter markers with the child
// keys its sub-filter produced. AND-clauses expand once per value; clauses
// whose sub-filter matched nothing are tagged empty, drivers skip their OR
// branch, and a node with no live branch left is marked empty.
func (e *Executor) substituteSubFilters(node *plan.DSTNode, results [][]plan.RawResult) {
	values := make([][][]any, len(node.SubFilters))
	for i, sf := range node.SubFilters {
		var rows []datasource.Row
		if len(results[i]) > 0 {
			rows = results[i][0].Rows
		}
		values[i] = projectKeys(rows, sf.ChildKey, false)
	}

	var out datasource.Filter
	live := 0
	for _, branch := range node.Request.Filter {
		for _, expanded := range expandBranch(branch, values) {
			if !branchEmpty(expanded) {
				live++
			}
			out = append(out, expanded)
		}
	}
	node.Request.Filter = out
	if live == 0 {
		node.Empty = true
	}
}

func branchEmpty(branch []datasource.Condition) bool {
	for _, cond := range branch {
		if cond.Empty {
			return true
		}
	}
	return false
}

func expandBranch(branch []datasource.Condition, values [][][]any) [][]datasource.Condition {
	out := [][]datasource.Condition{nil}
	for _, cond := range branch {
		if cond.ValueFromSubFilter < 0 {
			for i := range out {
				out[i] = append(out[i], cond)
			}
			continue
		}
		vals := values[cond.ValueFromSubFilter]
		cond.ValueFromSubFilter = -1
		if len(vals) == 0 {
			// No values to substitute: the clause can never match.
			cond.Empty = true
			for i := range out {
				out[i] = append(out[i], cond)
			}
			continue
		}
		if len(cond.Attribute) > 1 {
			// Composite keys stay a single tuple-set condition.
			cond.Value = vals
			for i := range out {
				out[i] = append(out[i], cond)
			}
			continue
		}
		next := make([][]datasource.Condition, 0, len(out)*len(vals))
		for _, b := range out {
			for _, v := range vals {
				c := cond
				c.Value = v[0]
				nb := make([]datasource.Condition, len(b), len(b)+1)
				copy(nb, b)
				next = append(next, append(nb, c))
			}
		}
		out = next
	}
	return out
}

// bindParentValues projects the parent rows on the sub-request's parent
// key and installs the deduplicated values into every condition marked
// valueFromParentKey. Without any values the node is marked empty.
func bindParentValues(sub *plan.DSTNode, rows []datasource.Row) {
	values := projectKeys(rows, sub.ParentKey, sub.MultiValuedParentKey)
	if len(values) == 0 {
		sub.Empty = true
		return
	}

	var installed any
	if len(sub.ParentKey) == 1 {
		flat := make([]any, len(values))
		for i, v := range values {
			flat[i] = v[0]
		}
		installed = flat
	} else {
		installed = values
	}

	for i := range sub.Request.Filter {
		for j := range sub.Request.Filter[i] {
			cond := &sub.Request.Filter[i][j]
			if cond.ValueFromParentKey {
				cond.Value = installed
			}
		}
	}
}

// projectKeys extracts key tuples from rows, skipping rows with a null
// part and deduplicating. A multiValued single-column key is flattened.
func projectKeys(rows []datasource.Row, key []string, multiValued bool) [][]any {
	var out [][]any
	seen := map[string]bool{}

	add := func(tuple []any) {
		for _, part := range tuple {
			if part == nil {
				return
			}
		}
		k := keyString(tuple)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, tuple)
	}

	for _, row := range rows {
		if multiValued && len(key) == 1 {
			list, ok := row[key[0]].([]any)
			if !ok {
				if v := row[key[0]]; v != nil {
					add([]any{v})
				}
				continue
			}
			for _, el := range list {
				add([]any{el})
			}
			continue
		}
		tuple := make([]any, len(key))
		for i, col := range key {
			tuple[i] = row[col]
		}
		add(tuple)
	}
	return out
}

func keyString(tuple []any) string {
	parts := make([]string, len(tuple))
	for i, v := range tuple {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x1f")
}

func annotate(err error, node *plan.DSTNode) error {
	var terr *errors.Error
	if stderrors.As(err, &terr) {
		return terr.WithDataSource(node.Name())
	}
	return errors.Wrap(errors.KindData, err, "request %s failed", node.Name()).WithDataSource(node.Name())
}
