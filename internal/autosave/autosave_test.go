package autosave

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRapidTouchesCollapseIntoOneFlush(t *testing.T) {
	var flushes atomic.Int32
	s := New(clockwork.NewRealClock(), Config{Idle: 50 * time.Millisecond, Live: 20 * time.Millisecond}, func() {
		flushes.Add(1)
	})

	for i := 0; i < 10; i++ {
		s.Touch()
		time.Sleep(2 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), flushes.Load())
	assert.False(t, s.Pending())
}

func TestTierSelectsDebounce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var flushes atomic.Int32
	s := New(clock, DefaultConfig(), func() { flushes.Add(1) })

	assert.Equal(t, TierIdle, s.Tier())
	s.Touch()
	clock.Advance(300 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), flushes.Load(), "idle tier waits 500ms")
	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return flushes.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.SetLive(true)
	assert.Equal(t, TierLive, s.Tier())
	s.Touch()
	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return flushes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushNowAndCancel(t *testing.T) {
	var flushes atomic.Int32
	s := New(clockwork.NewFakeClock(), DefaultConfig(), func() { flushes.Add(1) })

	assert.False(t, s.FlushNow(), "nothing pending")

	s.Touch()
	assert.True(t, s.FlushNow())
	assert.Equal(t, int32(1), flushes.Load())

	s.Touch()
	assert.True(t, s.Cancel())
	assert.False(t, s.Pending())

	s.Stop()
	s.Touch()
	assert.False(t, s.Pending())
	assert.Equal(t, int32(1), flushes.Load())
}
