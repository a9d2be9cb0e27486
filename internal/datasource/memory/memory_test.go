package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/datasource"
)

func articleTable() []datasource.Row {
	return []datasource.Row{
		{"id": 1, "title": "First post", "authorId": 10, "visible": 1},
		{"id": 2, "title": "Second post", "authorId": 10, "visible": 0},
		{"id": 3, "title": "Another article", "authorId": 20, "visible": 1},
		{"id": 4, "title": "Draft", "authorId": 30, "visible": 1},
	}
}

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d := New()
	d.SetTable("article", articleTable())
	return d
}

func query(opts map[string]any) *datasource.Query {
	if opts == nil {
		opts = map[string]any{}
	}
	if _, ok := opts["table"]; !ok {
		opts["table"] = "article"
	}
	return &datasource.Query{Type: "memory", Options: opts}
}

func TestPrepareResolvesTable(t *testing.T) {
	d := New()
	desc := &datasource.Descriptor{Name: "primary", Type: "memory", Options: map[string]any{"table": "article"}}
	require.NoError(t, d.Prepare(desc, []string{"id", "title"}))
	assert.Equal(t, "article", desc.Prepared)

	desc2 := &datasource.Descriptor{Name: "comments", Type: "memory", Options: map[string]any{}}
	require.NoError(t, d.Prepare(desc2, nil))
	assert.Equal(t, "comments", desc2.Prepared)
}

func TestProcessFilters(t *testing.T) {
	d := newDriver(t)
	tests := []struct {
		name    string
		filter  datasource.Filter
		wantIDs []int
	}{
		{
			"equal",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpEqual, 2)}},
			[]int{2},
		},
		{
			"equal with list is IN",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpEqual, []any{1, 3})}},
			[]int{1, 3},
		},
		{
			"notEqual",
			datasource.Filter{{datasource.NewCondition("authorId", datasource.OpNotEqual, 10)}},
			[]int{3, 4},
		},
		{
			"greater",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpGreater, 2)}},
			[]int{3, 4},
		},
		{
			"lessOrEqual",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpLessOrEqual, 2)}},
			[]int{1, 2},
		},
		{
			"between",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpBetween, []any{2, 3})}},
			[]int{2, 3},
		},
		{
			"notBetween",
			datasource.Filter{{datasource.NewCondition("id", datasource.OpNotBetween, []any{2, 3})}},
			[]int{1, 4},
		},
		{
			"like contains",
			datasource.Filter{{datasource.NewCondition("title", datasource.OpLike, "%post%")}},
			[]int{1, 2},
		},
		{
			"and within branch",
			datasource.Filter{{
				datasource.NewCondition("authorId", datasource.OpEqual, 10),
				datasource.NewCondition("visible", datasource.OpEqual, 1),
			}},
			[]int{1},
		},
		{
			"or across branches",
			datasource.Filter{
				{datasource.NewCondition("id", datasource.OpEqual, 1)},
				{datasource.NewCondition("id", datasource.OpEqual, 4)},
			},
			[]int{1, 4},
		},
		{
			"composite tuple",
			datasource.Filter{{{
				Attribute:          []string{"authorId", "visible"},
				Operator:           datasource.OpEqual,
				Value:              []any{[]any{10, 1}, []any{20, 1}},
				ValueFromSubFilter: -1,
			}}},
			[]int{1, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := query(nil)
			q.Filter = tt.filter
			res, err := d.Process(context.Background(), q)
			require.NoError(t, err)
			var ids []int
			for _, row := range res.Data {
				ids = append(ids, row["id"].(int))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestProcessOrderLimitPage(t *testing.T) {
	d := newDriver(t)

	q := query(nil)
	q.Order = []datasource.Sort{{Attribute: "id", Direction: datasource.DirDesc}}
	q.Limit = 2
	res, err := d.Process(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, res.TotalCount)
	assert.Equal(t, 4, *res.TotalCount)
	assert.Equal(t, 4, res.Data[0]["id"])
	assert.Equal(t, 3, res.Data[1]["id"])

	q2 := query(nil)
	q2.Order = []datasource.Sort{{Attribute: "id", Direction: datasource.DirAsc}}
	q2.Limit = 2
	q2.Page = 2
	res2, err := d.Process(context.Background(), q2)
	require.NoError(t, err)
	assert.Equal(t, 3, res2.Data[0]["id"])
	assert.Equal(t, 4, res2.Data[1]["id"])
}

func TestProcessLimitPerGroup(t *testing.T) {
	d := newDriver(t)
	q := query(nil)
	q.Limit = 1
	q.LimitPer = []string{"authorId"}
	q.Order = []datasource.Sort{{Attribute: "id", Direction: datasource.DirAsc}}
	res, err := d.Process(context.Background(), q)
	require.NoError(t, err)
	var ids []int
	for _, row := range res.Data {
		ids = append(ids, row["id"].(int))
	}
	assert.Equal(t, []int{1, 3, 4}, ids)
}

func TestProcessSearch(t *testing.T) {
	d := newDriver(t)
	q := query(nil)
	q.Search = "article"
	res, err := d.Process(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, 3, res.Data[0]["id"])
}

func TestProcessProjection(t *testing.T) {
	d := newDriver(t)
	q := query(nil)
	q.Attributes = []string{"id", "title"}
	q.Filter = datasource.Filter{{datasource.NewCondition("id", datasource.OpEqual, 1)}}
	res, err := d.Process(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, datasource.Row{"id": 1, "title": "First post"}, res.Data[0])
}

func TestProcessErrors(t *testing.T) {
	d := newDriver(t)

	t.Run("missing table", func(t *testing.T) {
		q := query(map[string]any{"table": "nope"})
		_, err := d.Process(context.Background(), q)
		require.Error(t, err)
	})

	t.Run("injected failure", func(t *testing.T) {
		boom := errors.New("backend down")
		d.FailTable("article", boom)
		_, err := d.Process(context.Background(), query(nil))
		assert.ErrorIs(t, err, boom)
		d.FailTable("article", nil)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Process(ctx, query(nil))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCallRecording(t *testing.T) {
	d := newDriver(t)
	before := d.CallCount()
	_, err := d.Process(context.Background(), query(nil))
	require.NoError(t, err)
	assert.Equal(t, before+1, d.CallCount())
	assert.NotEmpty(t, d.Calls())
}
