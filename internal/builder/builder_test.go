package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/extensions"
	"github.com/trellisql/trellis/internal/plan"
	"github.com/trellisql/trellis/internal/request"
	"github.com/trellisql/trellis/internal/resolver"
)

type noopDriver struct{}

func (noopDriver) Prepare(desc *datasource.Descriptor, usedColumns []string) error { return nil }
func (noopDriver) Process(ctx context.Context, q *datasource.Query) (*datasource.Result, error) {
	return &datasource.Result{}, nil
}
func (noopDriver) Close() error { return nil }

func fixturePlan(t *testing.T, req *request.Request) *plan.Plan {
	t.Helper()
	reg := datasource.NewRegistry()
	reg.Register("memory", noopDriver{})

	resources := map[string]map[string]any{
		"user": {
			"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "user"}},
			"primaryKey":  "id",
			"attributes": map[string]any{
				"id":   map[string]any{"type": "int"},
				"name": map[string]any{"map": "username"},
				"kind": map[string]any{"value": "user"},
				"profile": map[string]any{
					"parentKey":   "id",
					"childKey":    "userId",
					"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "profile"}},
					"primaryKey":  "id",
					"attributes": map[string]any{
						"id":     map[string]any{"type": "int"},
						"userId": map[string]any{"type": "int"},
						"bio":    map[string]any{},
					},
				},
			},
		},
		"article": {
			"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "article"}},
			"primaryKey":  "id",
			"attributes": map[string]any{
				"id":       map[string]any{"type": "int"},
				"authorId": map[string]any{"type": "int", "hidden": true},
				"author": map[string]any{
					"resource":  "user",
					"parentKey": "authorId",
					"childKey":  "id",
				},
			},
		},
	}
	cfg, err := config.Parse(resources, config.DefaultOptions(), reg)
	require.NoError(t, err)

	p, err := resolver.Resolve(cfg, req)
	require.NoError(t, err)
	return p
}

// results fabricates the executor output for a plan, feeding each DST node
// the rows registered under its name.
func results(dst *plan.DSTNode, rowsByName map[string][]datasource.Row) []plan.RawResult {
	var out []plan.RawResult
	var walk func(n *plan.DSTNode)
	walk = func(n *plan.DSTNode) {
		rows := rowsByName[n.Name()]
		total := len(rows)
		out = append(out, plan.RawResult{Node: n, Rows: rows, TotalCount: &total})
		for _, s := range n.SubFilters {
			walk(s)
		}
		for _, s := range n.SubRequests {
			walk(s)
		}
	}
	walk(dst)
	return out
}

func TestBuildStaticValue(t *testing.T) {
	req, err := request.New("user").WithSelect("id,kind")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	out, err := New(extensions.NewRegistry()).Build(context.Background(), req, p, results(p.DST, map[string][]datasource.Row{
		"(root):primary": {{"id": 1}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": 1, "kind": "user"}}, out.Data)
}

func TestBuildNullParentKey(t *testing.T) {
	req, err := request.New("article").WithSelect("id,author.name")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	out, err := New(extensions.NewRegistry()).Build(context.Background(), req, p, results(p.DST, map[string][]datasource.Row{
		"(root):primary": {{"id": 1, "authorId": nil}},
		"author:primary": {},
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": 1, "author": nil}}, out.Data)
}

func TestBuildDuplicateUniqueKey(t *testing.T) {
	req, err := request.New("article").WithSelect("id,author.name")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	_, err = New(extensions.NewRegistry()).Build(context.Background(), req, p, results(p.DST, map[string][]datasource.Row{
		"(root):primary": {{"id": 1, "authorId": 5}},
		"author:primary": {
			{"id": 5, "username": "a"},
			{"id": 5, "username": "b"},
		},
	}))
	require.Error(t, err)
	assert.Equal(t, errors.KindData, errors.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestBuildToOneFirstRowWins(t *testing.T) {
	req, err := request.New("user").WithSelect("id,profile.bio")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	out, err := New(extensions.NewRegistry()).Build(context.Background(), req, p, results(p.DST, map[string][]datasource.Row{
		"(root):primary":  {{"id": 1}},
		"profile:primary": {
			{"id": 30, "userId": 1, "bio": "first"},
			{"id": 31, "userId": 1, "bio": "second"},
		},
	}))
	require.NoError(t, err)
	item := out.Data.([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"bio": "first"}, item["profile"])
}

func TestBuildMissingResultIsImplementationError(t *testing.T) {
	req, err := request.New("article").WithSelect("id,author.name")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	// Drop the author result from the list.
	raw := results(p.DST, map[string][]datasource.Row{
		"(root):primary": {{"id": 1, "authorId": 5}},
	})
	var trimmed []plan.RawResult
	for _, r := range raw {
		if r.Node.AttributePath != "author" {
			trimmed = append(trimmed, r)
		}
	}

	_, err = New(extensions.NewRegistry()).Build(context.Background(), req, p, trimmed)
	require.Error(t, err)
	assert.Equal(t, errors.KindImplementation, errors.KindOf(err))
}

func TestBuildMissingChildKeyIsDataError(t *testing.T) {
	req, err := request.New("user").WithSelect("id,profile.bio")
	require.NoError(t, err)
	p := fixturePlan(t, req)

	_, err = New(extensions.NewRegistry()).Build(context.Background(), req, p, results(p.DST, map[string][]datasource.Row{
		"(root):primary":  {{"id": 1}},
		"profile:primary": {{"id": 30, "bio": "x"}}, // userId column missing
	}))
	require.Error(t, err)
	assert.Equal(t, errors.KindData, errors.KindOf(err))
}
