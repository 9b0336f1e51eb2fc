package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/document/model"
	"naskahsync/internal/feed"
)

func newBroadcaster(conn feed.Feed, clock clockwork.Clock, user string) *Broadcaster {
	b := New(conn, clock, DefaultConfig(), "d1", model.Identity{UserID: user, ColorTag: "#" + user})
	b.Start()
	return b
}

func TestPeerSeesOneIndicatorPerUser(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	local := feed.NewLocal(clock)
	alice := newBroadcaster(local.Connect("alice"), clock, "alice")
	defer alice.Stop(ctx)
	bob := newBroadcaster(local.Connect("bob"), clock, "bob")
	defer bob.Stop(ctx)

	require.NoError(t, bob.Publish(ctx, 3, 3))
	require.NoError(t, bob.Publish(ctx, 12, 4))

	require.Eventually(t, func() bool {
		overlays := alice.Overlays()
		return len(overlays) == 1 && overlays[0].Offset == 4
	}, time.Second, 5*time.Millisecond)

	got := alice.Overlays()[0]
	assert.Equal(t, "bob", got.UserID)
	assert.Equal(t, 12, got.SelectionEnd)
	assert.Equal(t, "#bob", got.ColorTag)
	assert.Empty(t, bob.Overlays(), "own cursor is never an overlay")
}

func TestLocalCursorSelfExpires(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	local := feed.NewLocal(clock)
	alice := newBroadcaster(local.Connect("alice"), clock, "alice")
	defer alice.Stop(ctx)
	bobConn := local.Connect("bob")
	bob := newBroadcaster(bobConn, clock, "bob")
	defer bob.Stop(ctx)

	require.NoError(t, bob.Publish(ctx, 1, 1))
	require.Eventually(t, func() bool { return len(alice.Overlays()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(4 * time.Second)
	require.NoError(t, bob.Publish(ctx, 2, 2))
	clock.Advance(4 * time.Second)
	snap, err := bobConn.Read(ctx, RecordPath("d1", "bob"))
	require.NoError(t, err)
	assert.False(t, snap.Empty(), "a fresh publish restarts the expiry timer")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		snap, err := bobConn.Read(ctx, RecordPath("d1", "bob"))
		return err == nil && snap.Empty()
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(alice.Overlays()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStaleCursorIgnoredBeforeRemoteCleanup(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	local := feed.NewLocal(clock)
	alice := newBroadcaster(local.Connect("alice"), clock, "alice")
	defer alice.Stop(ctx)

	// A record from a client whose clock or cleanup went wrong.
	_, err := local.Connect("carol").Write(ctx, RecordPath("d1", "carol"), model.CursorRecord{
		UserID:    "carol",
		Offset:    5,
		Timestamp: clock.Now().Add(-11 * time.Second).UnixMilli(),
	})
	require.NoError(t, err)
	_, err = local.Connect("dave").Write(ctx, RecordPath("d1", "dave"), model.CursorRecord{
		UserID:    "dave",
		Offset:    9,
		Timestamp: clock.Now().Add(-2 * time.Second).UnixMilli(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		overlays := alice.Overlays()
		return len(overlays) == 1 && overlays[0].UserID == "dave"
	}, time.Second, 5*time.Millisecond)

	clock.Advance(9 * time.Second)
	assert.Empty(t, alice.Overlays())
}

func TestPublishRejectsNegativeOffset(t *testing.T) {
	b := New(feed.NewLocal(clockwork.NewFakeClock()).Connect("alice"), clockwork.NewFakeClock(), DefaultConfig(), "d1", model.Identity{UserID: "alice"})
	assert.Error(t, b.Publish(context.Background(), -1, 0))
}
