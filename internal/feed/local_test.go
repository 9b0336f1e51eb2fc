package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "subscription ended unexpectedly: %v", sub.Err())
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestLocalSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(clockwork.NewFakeClockAt(time.UnixMilli(1_000)))
	alice := local.Connect("alice")
	bob := local.Connect("bob")

	sub, err := bob.Subscribe(ctx, "documents/d1")
	require.NoError(t, err)
	defer bob.Unsubscribe(sub)

	initial := next(t, sub)
	assert.True(t, initial.Empty(), "missing path reads as no data yet")

	rev, err := alice.Write(ctx, "documents/d1", map[string]string{"title": "Groceries"})
	require.NoError(t, err)

	snap := next(t, sub)
	assert.Equal(t, rev, snap.Revision)
	assert.JSONEq(t, `{"title":"Groceries"}`, string(snap.Value))
}

func TestLocalChannelAggregatesChildren(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(clockwork.NewFakeClock())
	alice := local.Connect("alice")
	bob := local.Connect("bob")

	sub, err := alice.Subscribe(ctx, "presence/d1")
	require.NoError(t, err)
	next(t, sub)

	_, err = bob.Write(ctx, "presence/d1/bob", map[string]string{"userId": "bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bob":{"userId":"bob"}}`, string(next(t, sub).Value))
}

func TestLocalDisconnectRunsHooksAndLosesSubscriptions(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(clockwork.NewFakeClock())
	alice := local.Connect("alice")
	bob := local.Connect("bob")

	_, err := bob.Write(ctx, "presence/d1/bob", map[string]string{"userId": "bob"})
	require.NoError(t, err)
	require.NoError(t, bob.RemoveOnDisconnect(ctx, "presence/d1/bob"))

	bobSub, err := bob.Subscribe(ctx, "documents/d1")
	require.NoError(t, err)
	next(t, bobSub)

	aliceSub, err := alice.Subscribe(ctx, "presence/d1")
	require.NoError(t, err)
	assert.False(t, next(t, aliceSub).Empty())

	bob.Disconnect()

	assert.True(t, next(t, aliceSub).Empty(), "peer observes departure")

	select {
	case _, ok := <-bobSub.Updates():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not ended")
	}
	assert.ErrorIs(t, bobSub.Err(), ErrSubscriptionLost)

	_, err = bob.Write(ctx, "documents/d1", map[string]string{})
	assert.ErrorIs(t, err, ErrTransient)

	bob.Reconnect()
	_, err = bob.Write(ctx, "documents/d1", map[string]string{})
	assert.NoError(t, err)
}

func TestLocalFailWrites(t *testing.T) {
	ctx := context.Background()
	conn := NewLocal(clockwork.NewFakeClock()).Connect("alice")
	conn.FailWrites(2)

	_, err := conn.Write(ctx, "lists/home", map[string]any{})
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, Retryable(err))
	_, err = conn.Write(ctx, "lists/home", map[string]any{})
	assert.ErrorIs(t, err, ErrTransient)
	_, err = conn.Write(ctx, "lists/home", map[string]any{})
	assert.NoError(t, err)
}

func TestLocalAuthorizerDenies(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(clockwork.NewFakeClock())
	local.SetAuthorizer(func(userID string, op Op, path string) error {
		if op != OpRead && userID == "mallory" {
			return errors.New("read only")
		}
		return nil
	})

	_, err := local.Connect("mallory").Write(ctx, "documents/d1", map[string]string{})
	assert.ErrorIs(t, err, ErrDenied)
	assert.False(t, Retryable(err))

	_, err = local.Connect("alice").Write(ctx, "documents/d1", map[string]string{})
	assert.NoError(t, err)
}

func TestLocalObserveAndUpdate(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(clockwork.NewFakeClock())
	var seen []Mutation
	local.Observe(func(m Mutation) { seen = append(seen, m) })

	conn := local.Connect("alice")
	_, err := conn.Write(ctx, "documents/d1", map[string]string{"title": "a", "body": "b"})
	require.NoError(t, err)
	_, err = conn.Update(ctx, "documents/d1", map[string]any{"body": "milk"})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "alice", seen[1].UserID)
	assert.JSONEq(t, `{"title":"a","body":"milk"}`, string(seen[1].Value))

	snap, err := conn.Read(ctx, "documents/d1")
	require.NoError(t, err)
	assert.Equal(t, seen[1].Revision, snap.Revision)
}

func TestUnsubscribeEndsCleanly(t *testing.T) {
	ctx := context.Background()
	conn := NewLocal(clockwork.NewFakeClock()).Connect("alice")
	sub, err := conn.Subscribe(ctx, "documents/d1")
	require.NoError(t, err)

	conn.Unsubscribe(sub)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
	assert.NoError(t, sub.Err())
}
