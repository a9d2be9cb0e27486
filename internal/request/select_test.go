package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisql/trellis/internal/datasource"
)

func TestParseSelectFlat(t *testing.T) {
	sel, err := ParseSelect("id,name")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, sel.Order)
	assert.True(t, sel.Child("id").IsLeaf())
}

func TestParseSelectDotted(t *testing.T) {
	sel, err := ParseSelect("id,comments.content")
	require.NoError(t, err)
	comments := sel.Child("comments")
	require.NotNil(t, comments)
	assert.NotNil(t, comments.Child("content"))
}

func TestParseSelectBrackets(t *testing.T) {
	sel, err := ParseSelect("id,categories[name,order],author[name,group[id]]")
	require.NoError(t, err)

	categories := sel.Child("categories")
	require.NotNil(t, categories)
	assert.Equal(t, []string{"name", "order"}, categories.Order)

	author := sel.Child("author")
	require.NotNil(t, author)
	group := author.Child("group")
	require.NotNil(t, group)
	assert.NotNil(t, group.Child("id"))
}

func TestParseSelectMerges(t *testing.T) {
	sel, err := ParseSelect("comments.content,comments.id")
	require.NoError(t, err)
	comments := sel.Child("comments")
	require.NotNil(t, comments)
	assert.Equal(t, []string{"content", "id"}, comments.Order)
}

func TestParseSelectErrors(t *testing.T) {
	for _, in := range []string{",", "a[", "a[b", "a]b", "a..b"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSelect(in)
			assert.Error(t, err, "input %q", in)
		})
	}
}

func TestParseSelectEmpty(t *testing.T) {
	sel, err := ParseSelect("")
	require.NoError(t, err)
	assert.True(t, sel.IsLeaf())
}

func TestEnsureInternalPromotion(t *testing.T) {
	root := NewProjection()
	root.AddPath([]string{"authorId"}, true)
	assert.True(t, root.Child("authorId").Internal)

	// Explicit selection clears the internal marking.
	root.Ensure("authorId", false)
	assert.False(t, root.Child("authorId").Internal)

	// Internal re-add does not re-hide it.
	root.Ensure("authorId", true)
	assert.False(t, root.Child("authorId").Internal)
}

func TestParseSimpleFilter(t *testing.T) {
	f, err := ParseSimpleFilter("authorId=1,author.groupId=7")
	require.NoError(t, err)
	require.Len(t, f, 1)
	require.Len(t, f[0], 2)
	assert.Equal(t, []string{"authorId"}, f[0][0].Attribute)
	assert.Equal(t, datasource.OpEqual, f[0][0].Operator)
	assert.Equal(t, "1", f[0][0].Value)
	assert.Equal(t, []string{"author", "groupId"}, f[0][1].Attribute)

	_, err = ParseSimpleFilter("no-equals")
	assert.Error(t, err)

	empty, err := ParseSimpleFilter("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
