package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Tether/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *fakeClock) *RateLimiter {
	rl := NewRateLimiter(30, time.Minute, time.Minute, metrics.New(nil))
	rl.now = clock.now
	return rl
}

func TestRateLimiterAdmitsThirtyPerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newTestLimiter(clock)

	for i := 0; i < 30; i++ {
		require.True(t, rl.Admit(alice), "message %d", i+1)
	}
	assert.False(t, rl.Admit(alice))
	assert.False(t, rl.Admit(alice), "rejections do not extend the window")
	assert.True(t, rl.Admit(bob), "windows are per user")

	clock.advance(59 * time.Second)
	assert.False(t, rl.Admit(alice))
	clock.advance(2 * time.Second)
	assert.True(t, rl.Admit(alice))
}

func TestRateLimiterSweepDropsStaleWindows(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newTestLimiter(clock)
	rl.Admit(alice)
	clock.advance(30 * time.Second)
	rl.Admit(bob)

	assert.Equal(t, 2, rl.Sweep())
	clock.advance(91 * time.Second)
	assert.Equal(t, 1, rl.Sweep(), "alice expired more than grace ago")
	clock.advance(time.Minute)
	assert.Zero(t, rl.Sweep())
}

func TestRateLimiterRunStopsWithContext(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, 0, metrics.New(nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRateLimiterRunRejectsNonPositivePeriod(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, 0, metrics.New(nil))
	assert.Error(t, rl.Run(context.Background(), 0))
	assert.Error(t, rl.Run(context.Background(), -time.Second))
}
