package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangesetTags(t *testing.T) {
	doc := []byte(`<osm><changeset><tag k="comment" v="fixing roads"/><tag k="created_by" v="editor"/></changeset></osm>`)
	tags, err := parseChangesetTags(doc)
	require.NoError(t, err)
	assert.Equal(t, "fixing roads", tags["comment"])
	assert.Equal(t, "editor", tags["created_by"])
	assert.Len(t, tags, 2)
}

func TestParseChangesetTags_DuplicateKeyRejected(t *testing.T) {
	doc := []byte(`<osm><changeset><tag k="comment" v="a"/><tag k="comment" v="b"/></changeset></osm>`)
	_, err := parseChangesetTags(doc)
	require.Error(t, err)
}

func TestParseChangesetTags_EmptyKeyRejected(t *testing.T) {
	doc := []byte(`<osm><changeset><tag k="" v="b"/></changeset></osm>`)
	_, err := parseChangesetTags(doc)
	require.Error(t, err)
}

func TestParseChangesetTags_NoTags(t *testing.T) {
	doc := []byte(`<osm><changeset></changeset></osm>`)
	tags, err := parseChangesetTags(doc)
	require.NoError(t, err)
	assert.Empty(t, tags)
}
