package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDocumentKeepsWellFormedFields(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "d1",
		"ownerId": "alice",
		"title": "Trip",
		"body": 42,
		"sections": [{"id": "s1", "kind": "checklist", "items": [{"text": "pack"}]}],
		"categoryRefs": ["travel"],
		"collaborators": {"bob": "writer", "eve": "admin"}
	}`)

	doc, present, err := DecodeDocument(raw)
	require.NoError(t, err)

	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, "Trip", doc.Title)
	assert.True(t, present[FieldTitle])
	assert.False(t, present[FieldBody], "a number is not a body")
	assert.False(t, present[FieldAttachmentRefs])
	assert.Equal(t, []string{}, doc.AttachmentRefs)

	require.True(t, present[FieldSections])
	require.NotNil(t, doc.Sections[0].Items[0].Completed, "checklist items always carry completion")
	assert.False(t, *doc.Sections[0].Items[0].Completed)

	assert.Equal(t, RoleOwner, doc.Collaborators["alice"])
	assert.Equal(t, RoleWriter, doc.Collaborators["bob"])
	assert.NotContains(t, doc.Collaborators, "eve")
}

func TestDecodeDocumentDropsInvalidSections(t *testing.T) {
	doc, present, err := DecodeDocument(json.RawMessage(`{"title":"x","sections":[{"id":"s1","kind":"table","items":[]}]}`))
	require.NoError(t, err)
	assert.True(t, present[FieldTitle])
	assert.False(t, present[FieldSections])
	assert.Empty(t, doc.Sections)
}

func TestDecodeDocumentMalformed(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1,2]`, `"text"`, `{`} {
		_, _, err := DecodeDocument(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestSetFieldChecksTypes(t *testing.T) {
	doc := NewDocument("d1", "alice")

	require.NoError(t, doc.SetField(FieldTitle, "Plan"))
	assert.Equal(t, "Plan", doc.Title)
	assert.Error(t, doc.SetField(FieldBody, 3))
	assert.Error(t, doc.SetField(Field("color"), "red"))

	done := true
	sections := []Section{{ID: "s1", Kind: KindBulleted, Items: []Item{{Text: "a", Completed: &done}}}}
	require.NoError(t, doc.SetField(FieldSections, sections))
	assert.Nil(t, doc.Sections[0].Items[0].Completed, "only checklist items complete")
	assert.Error(t, doc.SetField(FieldSections, []Section{{Kind: KindNumbered}}), "sections need an id")

	checklist := []Section{
		{ID: "s2", Kind: KindChecklist, Items: []Item{{Text: "b"}}},
		{ID: "s3", Kind: KindBulleted, Items: []Item{{Text: "c", Completed: &done}}},
	}
	require.NoError(t, doc.SetField(FieldSections, checklist))
	assert.Nil(t, checklist[0].Items[0].Completed, "caller's sections are not touched")
	assert.Same(t, &done, checklist[1].Items[0].Completed)
	require.NotNil(t, doc.Sections[0].Items[0].Completed)
	assert.False(t, *doc.Sections[0].Items[0].Completed)

	refs := []string{"a"}
	require.NoError(t, doc.SetField(FieldAttachmentRefs, refs))
	refs[0] = "changed"
	assert.Equal(t, []string{"a"}, doc.AttachmentRefs)
}

func TestCloneIsDeep(t *testing.T) {
	doc := NewDocument("d1", "alice")
	doc.Sections = []Section{{ID: "s1", Kind: KindBulleted, Items: []Item{{Text: "a"}}}}
	doc.CategoryRefs = []string{"x"}

	c := doc.Clone()
	c.Sections[0].Items[0].Text = "b"
	c.CategoryRefs[0] = "y"
	c.Collaborators["bob"] = RoleWriter

	assert.Equal(t, "a", doc.Sections[0].Items[0].Text)
	assert.Equal(t, "x", doc.CategoryRefs[0])
	assert.NotContains(t, doc.Collaborators, "bob")
}

func TestRoles(t *testing.T) {
	doc := NewDocument("d1", "alice")
	doc.Collaborators["bob"] = RoleReviewer

	assert.Equal(t, RoleOwner, doc.RoleOf("alice"))
	assert.Equal(t, RoleReviewer, doc.RoleOf("bob"))
	assert.Equal(t, RoleReader, doc.RoleOf("stranger"))

	assert.True(t, RoleWriter.CanWrite())
	assert.False(t, RoleReviewer.CanWrite())
	assert.False(t, Role("admin").Valid())
}

func TestDecodeShoppingList(t *testing.T) {
	list, err := DecodeShoppingList(json.RawMessage(`{"items":[{"id":"a","text":"milk"},{"text":"orphan"}],"updatedAt":1700,"updatedBy":"alice"}`))
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "milk", list.Items[0].Text)
	assert.Equal(t, int64(1700), list.UpdatedAt)

	list, err = DecodeShoppingList(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, list.Items)

	_, err = DecodeShoppingList(json.RawMessage(`null`))
	assert.ErrorIs(t, err, ErrMalformed)
}
