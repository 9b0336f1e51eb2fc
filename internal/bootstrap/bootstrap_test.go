package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/cache"
	"naskahsync/internal/feed"
)

const categoriesPath = "settings/alice/categories"

func categories(n int) json.RawMessage {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	raw, _ := json.Marshal(out)
	return raw
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, errors.New("disk gone")
}
func (brokenCache) Set(context.Context, string, json.RawMessage) error { return errors.New("disk gone") }
func (brokenCache) Remove(context.Context, string) error               { return errors.New("disk gone") }

func TestLargestCountWinsThenRefreshOverwrites(t *testing.T) {
	ctx := context.Background()
	local := feed.NewLocal(clockwork.NewFakeClock())
	conn := local.Connect("alice")
	_, err := conn.Write(ctx, categoriesPath, categories(3))
	require.NoError(t, err)

	durable, err := cache.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer durable.Close()
	require.NoError(t, durable.Set(ctx, categoriesPath, categories(5)))
	session := cache.NewMemory()
	require.NoError(t, session.Set(ctx, categoriesPath, categories(1)))

	l := New(conn, durable, session, categoriesPath, nil)
	res, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, res.Source)
	assert.Equal(t, 5, res.Count)
	assert.Equal(t, res, l.Current())

	_, err = conn.Write(ctx, categoriesPath, categories(7))
	require.NoError(t, err)

	res, replaced, err := l.RefreshFromRemote(ctx)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, 7, res.Count)
	assert.Equal(t, SourceRemote, l.Current().Source)

	cached, ok, err := durable.Get(ctx, categoriesPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, CountTopLevel(cached))
	cached, _, err = session.Get(ctx, categoriesPath)
	require.NoError(t, err)
	assert.Equal(t, 7, CountTopLevel(cached))
}

func TestRefreshKeepsChoiceWhenRemoteEmpty(t *testing.T) {
	ctx := context.Background()
	conn := feed.NewLocal(clockwork.NewFakeClock()).Connect("alice")
	session := cache.NewMemory()
	require.NoError(t, session.Set(ctx, categoriesPath, categories(2)))

	l := New(conn, nil, session, categoriesPath, nil)
	res, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceSession, res.Source)

	res, replaced, err := l.RefreshFromRemote(ctx)
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, SourceSession, res.Source)
}

func TestTieGoesToRemote(t *testing.T) {
	ctx := context.Background()
	conn := feed.NewLocal(clockwork.NewFakeClock()).Connect("alice")
	_, err := conn.Write(ctx, categoriesPath, categories(2))
	require.NoError(t, err)
	durable := cache.NewMemory()
	require.NoError(t, durable.Set(ctx, categoriesPath, categories(2)))

	res, err := New(conn, durable, nil, categoriesPath, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
}

func TestFailingSourceCountsAsEmpty(t *testing.T) {
	ctx := context.Background()
	conn := feed.NewLocal(clockwork.NewFakeClock()).Connect("alice")
	conn.Disconnect()
	session := cache.NewMemory()
	require.NoError(t, session.Set(ctx, categoriesPath, categories(1)))

	res, err := New(conn, brokenCache{}, session, categoriesPath, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceSession, res.Source)
	assert.Equal(t, 1, res.Count)
}

func TestAllSourcesFailing(t *testing.T) {
	conn := feed.NewLocal(clockwork.NewFakeClock()).Connect("alice")
	conn.Disconnect()

	_, err := New(conn, brokenCache{}, brokenCache{}, categoriesPath, nil).Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrTransient)
}

func TestNothingAnywhere(t *testing.T) {
	conn := feed.NewLocal(clockwork.NewFakeClock()).Connect("alice")
	res, err := New(conn, cache.NewMemory(), cache.NewMemory(), categoriesPath, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceNone, res.Source)
	assert.Nil(t, res.Value)
}

func TestCounters(t *testing.T) {
	assert.Equal(t, 3, CountTopLevel(json.RawMessage(`[1,2,3]`)))
	assert.Equal(t, 2, CountTopLevel(json.RawMessage(` {"a":1,"b":2}`)))
	assert.Equal(t, 0, CountTopLevel(json.RawMessage(`"text"`)))
	assert.Equal(t, 0, CountTopLevel(json.RawMessage(`[1,`)))
	assert.Equal(t, 0, CountTopLevel(nil))

	byCategories := CountField("categories")
	assert.Equal(t, 2, byCategories(json.RawMessage(`{"categories":["x","y"],"other":[1,2,3]}`)))
	assert.Equal(t, 0, byCategories(json.RawMessage(`{"other":[1]}`)))
}
