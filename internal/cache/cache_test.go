package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "lists/groceries")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "lists/groceries", json.RawMessage(`{"items":[1,2]}`)))
	require.NoError(t, s.Set(ctx, "lists/groceries", json.RawMessage(`{"items":[1,2,3]}`)))

	got, ok, err := s.Get(ctx, "lists/groceries")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[1,2,3]}`, string(got))

	require.NoError(t, s.Remove(ctx, "lists/groceries"))
	_, ok, err = s.Get(ctx, "lists/groceries")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Remove(ctx, "never-set"))
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	v := json.RawMessage(`"abc"`)
	require.NoError(t, m.Set(context.Background(), "k", v))
	v[1] = 'z'

	got, _, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(got))
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "documents/d1", json.RawMessage(`{"title":"t"}`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(ctx, "documents/d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"t"}`, string(got))
}
