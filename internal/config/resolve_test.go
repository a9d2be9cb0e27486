package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/datasource"
)

// fakeDriver records Prepare calls.
type fakeDriver struct {
	prepared map[string][]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{prepared: map[string][]string{}}
}

func (f *fakeDriver) Prepare(desc *datasource.Descriptor, usedColumns []string) error {
	f.prepared[desc.Name] = usedColumns
	desc.Prepared = "ok"
	return nil
}

func (f *fakeDriver) Process(ctx context.Context, q *datasource.Query) (*datasource.Result, error) {
	return &datasource.Result{}, nil
}

func (f *fakeDriver) Close() error { return nil }

func testRegistry(t *testing.T) (*datasource.Registry, *fakeDriver) {
	t.Helper()
	reg := datasource.NewRegistry()
	driver := newFakeDriver()
	reg.Register("memory", driver)
	return reg, driver
}

func userRaw() map[string]any {
	return map[string]any{
		"dataSources": map[string]any{
			"primary": map[string]any{"type": "memory", "table": "user"},
		},
		"primaryKey": "id",
		"attributes": map[string]any{
			"id":      map[string]any{"type": "int"},
			"name":    map[string]any{"map": "username"},
			"groupId": map[string]any{"type": "int", "filter": true},
		},
	}
}

func articleRaw() map[string]any {
	return map[string]any{
		"dataSources": map[string]any{
			"primary": map[string]any{"type": "memory", "table": "article"},
		},
		"primaryKey":   "id",
		"defaultLimit": 10,
		"maxLimit":     100,
		"subFilters": []any{
			map[string]any{"attribute": "author.groupId", "filter": "equal"},
		},
		"attributes": map[string]any{
			"id":       map[string]any{"type": "int"},
			"title":    map[string]any{"filter": "equal,like"},
			"authorId": map[string]any{"type": "int", "hidden": true},
			"author": map[string]any{
				"resource":  "user",
				"parentKey": "authorId",
				"childKey":  "id",
			},
			"comments": map[string]any{
				"parentKey":   "id",
				"childKey":    "articleId",
				"many":        true,
				"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "comment"}},
				"primaryKey":  "id",
				"attributes": map[string]any{
					"id":        map[string]any{"type": "int"},
					"articleId": map[string]any{"type": "int"},
					"content":   map[string]any{},
				},
			},
		},
	}
}

func parseFixtures(t *testing.T) (*Config, *fakeDriver) {
	t.Helper()
	reg, driver := testRegistry(t)
	cfg, err := Parse(map[string]map[string]any{
		"user":    userRaw(),
		"article": articleRaw(),
	}, DefaultOptions(), reg)
	require.NoError(t, err)
	return cfg, driver
}

func TestResolvePrimaryKey(t *testing.T) {
	cfg, _ := parseFixtures(t)
	article, ok := cfg.Resource("article")
	require.True(t, ok)
	assert.Equal(t, map[string][]string{"primary": {"id"}}, article.ResolvedPrimaryKey)

	// Visible single-column primary key gets a default equality filter.
	id, _ := article.Attribute([]string{"id"})
	assert.Equal(t, []datasource.Operator{datasource.OpEqual}, id.Filter)
}

func TestResolveRelationKeys(t *testing.T) {
	cfg, _ := parseFixtures(t)
	article, _ := cfg.Resource("article")

	comments, _ := article.Attribute([]string{"comments"})
	require.Equal(t, KindSubResource, comments.Kind)
	assert.Equal(t, map[string][]string{"primary": {"id"}}, comments.ResolvedParentKey)
	assert.Equal(t, map[string][]string{"primary": {"articleId"}}, comments.ResolvedChildKey)
	assert.Equal(t, "primary", comments.ParentDataSource)
	assert.False(t, comments.UniqueChildKey, "articleId is not the comment primary key")
	assert.False(t, comments.MultiValuedParentKey)

	author, _ := article.Attribute([]string{"author"})
	assert.True(t, author.UniqueChildKey, "author childKey is the user primary key")
	assert.False(t, author.Many)
}

func TestInclusionExpansion(t *testing.T) {
	cfg, _ := parseFixtures(t)
	article, _ := cfg.Resource("article")

	author, _ := article.Attribute([]string{"author"})
	require.NotNil(t, author.Resource)
	assert.Equal(t, "user", author.Resource.Name)
	// The included frame carries the target's attributes.
	name, ok := author.Resource.Attribute([]string{"name"})
	require.True(t, ok)
	assert.Equal(t, map[string]string{"primary": "username"}, name.Map)
	// The clone is independent of the original user resource.
	user, _ := cfg.Resource("user")
	assert.NotSame(t, user.Attributes["name"], name)
}

func TestInclusionMayNotOverwrite(t *testing.T) {
	reg, _ := testRegistry(t)
	article := articleRaw()
	attrs := article["attributes"].(map[string]any)
	attrs["author"] = map[string]any{
		"resource":  "user",
		"parentKey": "authorId",
		"childKey":  "id",
		"attributes": map[string]any{
			"name": map[string]any{"map": "other"},
		},
	}
	_, err := Parse(map[string]map[string]any{"user": userRaw(), "article": article}, nil, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `may not overwrite attribute "name"`)
}

func TestInclusionCycleRejected(t *testing.T) {
	reg, _ := testRegistry(t)
	a := map[string]any{
		"dataSources": map[string]any{"primary": map[string]any{"type": "memory"}},
		"primaryKey":  "id",
		"attributes": map[string]any{
			"id": map[string]any{"type": "int"},
			"b":  map[string]any{"resource": "b", "parentKey": "id", "childKey": "id"},
		},
	}
	b := map[string]any{
		"dataSources": map[string]any{"primary": map[string]any{"type": "memory"}},
		"primaryKey":  "id",
		"attributes": map[string]any{
			"id": map[string]any{"type": "int"},
			"a":  map[string]any{"resource": "a", "parentKey": "id", "childKey": "id"},
		},
	}
	_, err := Parse(map[string]map[string]any{"a": a, "b": b}, nil, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum depth")
}

func TestPrepareCollectsColumns(t *testing.T) {
	_, driver := parseFixtures(t)
	// The article primary data source saw its mapped columns, including
	// the hidden foreign key and the primary key.
	cols := driver.prepared["primary"]
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "authorId")
}

func TestPrimaryKeyMappingErrors(t *testing.T) {
	reg, _ := testRegistry(t)

	t.Run("multiValued primary key part", func(t *testing.T) {
		raw := map[string]any{
			"dataSources": map[string]any{"primary": map[string]any{"type": "memory"}},
			"primaryKey":  "id",
			"attributes": map[string]any{
				"id": map[string]any{"type": "int", "multiValued": true},
			},
		}
		_, err := Parse(map[string]map[string]any{"x": raw}, nil, reg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "may not be multiValued")
	})

	t.Run("primary key unmapped on secondary source", func(t *testing.T) {
		raw := map[string]any{
			"dataSources": map[string]any{
				"primary": map[string]any{"type": "memory"},
				"fulltext": map[string]any{"type": "memory", "searchable": true},
			},
			"primaryKey": "id",
			"attributes": map[string]any{
				"id": map[string]any{"type": "int"},
			},
		}
		_, err := Parse(map[string]map[string]any{"x": raw}, nil, reg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `not mapped to data source "fulltext"`)
	})
}

func TestJoinViaValidation(t *testing.T) {
	reg, _ := testRegistry(t)
	raw := map[string]any{
		"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "article"}},
		"primaryKey":  "id",
		"attributes": map[string]any{
			"id": map[string]any{"type": "int"},
			"categories": map[string]any{
				"parentKey": "id",
				"childKey":  "id",
				"many":      true,
				"joinVia":   "articleCategories",
				"dataSources": map[string]any{
					"primary": map[string]any{"type": "memory", "table": "category"},
					"articleCategories": map[string]any{
						"type":          "memory",
						"table":         "article_category",
						"joinParentKey": "articleId",
						"joinChildKey":  "categoryId",
					},
				},
				"primaryKey": "id",
				"attributes": map[string]any{
					"id":   map[string]any{"type": "int"},
					"name": map[string]any{},
				},
			},
		},
	}
	cfg, err := Parse(map[string]map[string]any{"article": raw}, nil, reg)
	require.NoError(t, err)

	article, _ := cfg.Resource("article")
	categories, _ := article.Attribute([]string{"categories"})
	assert.True(t, categories.UniqueChildKey)
	join := categories.Resource.DataSources["articleCategories"]
	require.NotNil(t, join)
	assert.True(t, join.IsJoin())
	assert.Equal(t, []string{"articleId"}, join.ResolvedJoinParentKey)

	t.Run("length mismatch", func(t *testing.T) {
		broken := raw
		cats := broken["attributes"].(map[string]any)["categories"].(map[string]any)
		cats["dataSources"].(map[string]any)["articleCategories"].(map[string]any)["joinParentKey"] = "articleId,extra"
		_, err := Parse(map[string]map[string]any{"article": broken}, nil, reg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "joinParentKey length")
	})
}
