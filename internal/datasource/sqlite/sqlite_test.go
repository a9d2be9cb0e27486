package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/datasource"
)

func TestCompileSelect(t *testing.T) {
	q := &datasource.Query{
		Attributes: []string{"id", "title"},
		Filter: datasource.Filter{
			{datasource.NewCondition("authorId", datasource.OpEqual, 10)},
		},
		Order: []datasource.Sort{{Attribute: "id", Direction: datasource.DirDesc}},
		Limit: 5,
		Page:  2,
	}
	sqlText, args, err := compile("article", q)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "title" FROM "article" WHERE ("authorId" = ?) ORDER BY "id" DESC LIMIT 5 OFFSET 5`, sqlText)
	assert.Equal(t, []any{10}, args)
}

func TestCompileConditions(t *testing.T) {
	tests := []struct {
		name     string
		cond     datasource.Condition
		wantSQL  string
		wantArgs []any
	}{
		{"equal", datasource.NewCondition("a", datasource.OpEqual, 1), `"a" = ?`, []any{1}},
		{"equal null", datasource.NewCondition("a", datasource.OpEqual, nil), `"a" IS NULL`, nil},
		{"equal list", datasource.NewCondition("a", datasource.OpEqual, []any{1, 2}), `"a" IN (?, ?)`, []any{1, 2}},
		{"equal empty list", datasource.NewCondition("a", datasource.OpEqual, []any{}), `1=0`, nil},
		{"notEqual", datasource.NewCondition("a", datasource.OpNotEqual, 1), `"a" != ?`, []any{1}},
		{"greater", datasource.NewCondition("a", datasource.OpGreater, 1), `"a" > ?`, []any{1}},
		{"like", datasource.NewCondition("a", datasource.OpLike, "%x%"), `"a" LIKE ?`, []any{"%x%"}},
		{"between", datasource.NewCondition("a", datasource.OpBetween, []any{1, 5}), `"a" BETWEEN ? AND ?`, []any{1, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlText, args, err := compileCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sqlText)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCompileTupleIn(t *testing.T) {
	cond := datasource.Condition{
		Attribute:          []string{"a", "b"},
		Operator:           datasource.OpEqual,
		Value:              []any{[]any{1, 2}, []any{3, 4}},
		ValueFromSubFilter: -1,
	}
	sqlText, args, err := compileCondition(cond)
	require.NoError(t, err)
	assert.Equal(t, `("a", "b") IN (VALUES (?, ?), (?, ?))`, sqlText)
	assert.Equal(t, []any{1, 2, 3, 4}, args)
}

func TestCompileLimitPer(t *testing.T) {
	q := &datasource.Query{
		Filter:   datasource.Filter{{datasource.NewCondition("articleId", datasource.OpEqual, []any{1, 2})}},
		Order:    []datasource.Sort{{Attribute: "id", Direction: datasource.DirAsc}},
		Limit:    3,
		LimitPer: []string{"articleId"},
	}
	sqlText, _, err := compile("comment", q)
	require.NoError(t, err)
	assert.Contains(t, sqlText, "ROW_NUMBER() OVER (PARTITION BY \"articleId\"")
	assert.Contains(t, sqlText, "rn__ <= 3")
}

func TestCompileSearch(t *testing.T) {
	q := &datasource.Query{
		Search:  "needle",
		Options: map[string]any{"searchColumns": []string{"title", "body"}},
	}
	where, args, err := compileWhere(q)
	require.NoError(t, err)
	assert.Equal(t, `("title" LIKE ? OR "body" LIKE ?)`, where)
	assert.Equal(t, []any{"%needle%", "%needle%"}, args)
}

func TestCheckIdentifier(t *testing.T) {
	assert.NoError(t, checkIdentifier("author_id"))
	assert.Error(t, checkIdentifier(""))
	assert.Error(t, checkIdentifier(`id"; DROP TABLE x; --`))
	assert.Error(t, checkIdentifier("a b"))
}

func TestProcessAgainstDatabase(t *testing.T) {
	driver, err := New(":memory:")
	require.NoError(t, err)
	defer driver.Close()

	ctx := context.Background()
	_, err = driver.db.ExecContext(ctx, `CREATE TABLE article (id INTEGER PRIMARY KEY, title TEXT, authorId INTEGER)`)
	require.NoError(t, err)
	_, err = driver.db.ExecContext(ctx, `INSERT INTO article VALUES (1, 'First', 10), (2, 'Second', 10), (3, 'Third', 20)`)
	require.NoError(t, err)

	desc := &datasource.Descriptor{Name: "primary", Type: "sqlite", Options: map[string]any{"table": "article"}}
	require.NoError(t, driver.Prepare(desc, []string{"id", "title", "authorId"}))

	res, err := driver.Process(ctx, &datasource.Query{
		Attributes: []string{"id", "title"},
		Filter:     datasource.Filter{{datasource.NewCondition("authorId", datasource.OpEqual, 10)}},
		Order:      []datasource.Sort{{Attribute: "id", Direction: datasource.DirAsc}},
		Limit:      10,
		Options:    map[string]any{"table": "article"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.TotalCount)
	assert.Equal(t, 2, *res.TotalCount)
	require.Len(t, res.Data, 2)
	assert.Equal(t, int64(1), res.Data[0]["id"])
	assert.Equal(t, "First", res.Data[0]["title"])
}
