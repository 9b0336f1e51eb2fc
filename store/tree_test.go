package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeSetGet(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000))
	tree := NewTree(clock)

	rev, err := tree.Set("documents/a", json.RawMessage(`{"title":"Groceries"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), rev)

	value, got, err := tree.Get("/documents/a/")
	require.NoError(t, err)
	assert.Equal(t, rev, got)
	assert.JSONEq(t, `{"title":"Groceries"}`, string(value))

	value, got, err = tree.Get("documents/missing")
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Zero(t, got)
}

func TestTreeRevisionsStrictlyIncrease(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(5_000))
	tree := NewTree(clock)

	r1, err := tree.Set("lists/home", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	r2, err := tree.Set("lists/home", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	assert.Greater(t, r2, r1, "same wall clock must still yield a newer revision")

	clock.Advance(time.Second)
	r3, err := tree.Set("lists/home", json.RawMessage(`{"items":[]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), r3)
}

func TestTreeComposesChildren(t *testing.T) {
	tree := NewTree(clockwork.NewFakeClock())

	_, err := tree.Set("presence/doc/u1", json.RawMessage(`{"userId":"u1"}`))
	require.NoError(t, err)
	_, err = tree.Set("presence/doc/u2", json.RawMessage(`{"userId":"u2"}`))
	require.NoError(t, err)

	value, _, err := tree.Get("presence/doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"u1":{"userId":"u1"},"u2":{"userId":"u2"}}`, string(value))

	removedAt, err := tree.Remove("presence/doc/u1")
	require.NoError(t, err)

	value, rev, err := tree.Get("presence/doc")
	require.NoError(t, err)
	assert.Equal(t, removedAt, rev)
	assert.JSONEq(t, `{"u2":{"userId":"u2"}}`, string(value))

	value, rev, err = tree.Get("presence/doc/u1")
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, removedAt, rev)
}

func TestTreeUpdateMergesFields(t *testing.T) {
	tree := NewTree(clockwork.NewFakeClock())
	_, err := tree.Set("documents/a", json.RawMessage(`{"title":"t","body":"b"}`))
	require.NoError(t, err)

	_, err = tree.Update("documents/a", map[string]json.RawMessage{
		"body":  json.RawMessage(`"milk"`),
		"title": json.RawMessage(`null`),
	})
	require.NoError(t, err)

	value, _, err := tree.Get("documents/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"milk"}`, string(value))
}

func TestTreeRejectsBadPaths(t *testing.T) {
	tree := NewTree(clockwork.NewFakeClock())

	_, err := tree.Set("", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = tree.Set("a//b", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = tree.Set("documents/a", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	_, err = tree.Set("documents/a/title", json.RawMessage(`"y"`))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = tree.Set("documents/b", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestRelated(t *testing.T) {
	assert.True(t, Related("presence/doc", "presence/doc/u1"))
	assert.True(t, Related("presence/doc/u1", "presence/doc"))
	assert.True(t, Related("/documents/a", "documents/a"))
	assert.False(t, Related("documents/a", "documents/ab"))
	assert.False(t, Related("cursors/doc", "presence/doc"))
}
