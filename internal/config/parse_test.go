package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/datasource"
)

func TestParseStoredType(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
		wantOpts map[string]string
		wantErr  bool
	}{
		{"datetime", "datetime", nil, false},
		{"datetime(timezone=Europe/Berlin)", "datetime", map[string]string{"timezone": "Europe/Berlin"}, false},
		{"decimal(precision=10;scale=2)", "decimal", map[string]string{"precision": "10", "scale": "2"}, false},
		{"", "", nil, true},
		{"datetime(timezone=UTC", "", nil, true},
		{"datetime(bogus)", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			st, err := ParseStoredType(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, st.Type)
			if tt.wantOpts != nil {
				assert.Equal(t, tt.wantOpts, st.Options)
			}
		})
	}
}

func TestParseMap(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want map[string]string
	}{
		{"plain column", "username", map[string]string{"primary": "username"}},
		{"explicit source", "search:user_name", map[string]string{"search": "user_name"}},
		{"multi source", "username;search:user_name", map[string]string{"primary": "username", "search": "user_name"}},
		{"object form", map[string]any{"primary": "username"}, map[string]string{"primary": "username"}},
		{"default wrapper", map[string]any{"default": map[string]any{"primary": "u"}}, map[string]string{"primary": "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMap(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseMap(42)
	assert.Error(t, err)
	_, err = parseMap("")
	assert.Error(t, err)
}

func TestParseFilterOption(t *testing.T) {
	ops, err := parseFilterOption(true)
	require.NoError(t, err)
	assert.Equal(t, []datasource.Operator{datasource.OpEqual}, ops)

	ops, err = parseFilterOption("equal,like,between")
	require.NoError(t, err)
	assert.Equal(t, []datasource.Operator{datasource.OpEqual, datasource.OpLike, datasource.OpBetween}, ops)

	_, err = parseFilterOption("almost")
	assert.Error(t, err)
}

func TestParseOrderOption(t *testing.T) {
	dirs, err := parseOrderOption(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"asc", "desc"}, dirs)

	dirs, err = parseOrderOption("desc,topflop")
	require.NoError(t, err)
	assert.Equal(t, []string{"desc", "topflop"}, dirs)

	_, err = parseOrderOption("sideways")
	assert.Error(t, err)
}

func TestParseResourceBasics(t *testing.T) {
	raw := map[string]any{
		"dataSources": map[string]any{
			"primary": map[string]any{"type": "memory", "table": "user"},
		},
		"primaryKey": "id",
		"attributes": map[string]any{
			"id":   map[string]any{"type": "int"},
			"name": map[string]any{"map": "username", "filter": true},
			"role": map[string]any{"value": "member"},
		},
	}
	r, err := ParseResource("user", raw)
	require.NoError(t, err)

	require.Contains(t, r.DataSources, "primary")
	assert.Equal(t, "memory", r.DataSources["primary"].Type)
	assert.Equal(t, "user", r.DataSources["primary"].Options["table"])
	assert.Equal(t, []string{"id"}, r.PrimaryKey)

	id := r.Attributes["id"]
	assert.Equal(t, KindLeaf, id.Kind)
	assert.Equal(t, "int", id.Type)
	// Default mapping: own dotted path on the primary data source.
	assert.Equal(t, map[string]string{"primary": "id"}, id.Map)

	name := r.Attributes["name"]
	assert.Equal(t, map[string]string{"primary": "username"}, name.Map)
	assert.Equal(t, []datasource.Operator{datasource.OpEqual}, name.Filter)

	role := r.Attributes["role"]
	assert.True(t, role.HasStatic)
	assert.Equal(t, "member", role.Static)
	assert.Nil(t, role.Map)
}

func TestParseNestedAttribute(t *testing.T) {
	raw := map[string]any{
		"dataSources": map[string]any{"primary": map[string]any{"type": "memory"}},
		"primaryKey":  "id",
		"attributes": map[string]any{
			"id": map[string]any{"type": "int"},
			"info": map[string]any{
				"attributes": map[string]any{
					"created": map[string]any{"type": "datetime"},
				},
			},
		},
	}
	r, err := ParseResource("user", raw)
	require.NoError(t, err)

	info := r.Attributes["info"]
	require.Equal(t, KindNested, info.Kind)
	created := info.Attributes["created"]
	require.NotNil(t, created)
	// Nested leaves default-map their full dotted sub-path.
	assert.Equal(t, map[string]string{"primary": "info.created"}, created.Map)
}

func TestParseSubResourceAttribute(t *testing.T) {
	raw := map[string]any{
		"dataSources": map[string]any{"primary": map[string]any{"type": "memory", "table": "article"}},
		"primaryKey":  "id",
		"attributes": map[string]any{
			"id": map[string]any{"type": "int"},
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
	r, err := ParseResource("article", raw)
	require.NoError(t, err)

	comments := r.Attributes["comments"]
	require.Equal(t, KindSubResource, comments.Kind)
	assert.True(t, comments.Many)
	assert.Equal(t, []string{"id"}, comments.ParentKey)
	assert.Equal(t, []string{"articleId"}, comments.ChildKey)
	require.NotNil(t, comments.Resource)
	assert.Equal(t, []string{"id"}, comments.Resource.PrimaryKey)
	assert.Contains(t, comments.Resource.Attributes, "content")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{
			"unknown resource option",
			map[string]any{"dataSorces": map[string]any{}},
			`unknown option "dataSorces"`,
		},
		{
			"unknown leaf option",
			map[string]any{
				"attributes": map[string]any{"id": map[string]any{"typ": "int"}},
			},
			`unknown option "typ"`,
		},
		{
			"invalid type",
			map[string]any{
				"attributes": map[string]any{"id": map[string]any{"type": "integer"}},
			},
			"invalid type",
		},
		{
			"value and map conflict",
			map[string]any{
				"attributes": map[string]any{"x": map[string]any{"value": 1, "map": "x"}},
			},
			"mutually exclusive",
		},
		{
			"data source without type",
			map[string]any{
				"dataSources": map[string]any{"primary": map[string]any{"table": "x"}},
			},
			"has no type",
		},
		{
			"sub-resource without identity",
			map[string]any{
				"attributes": map[string]any{
					"things": map[string]any{
						"parentKey":   "id",
						"childKey":    "parentId",
						"dataSources": map[string]any{"primary": map[string]any{"type": "memory"}},
						"attributes":  map[string]any{"parentId": map[string]any{}},
					},
				},
			},
			"requires either primaryKey or a resource reference",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResource("broken", tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "resource=broken")
		})
	}
}
