package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepverse/guildsync/internal/clock"
)

func TestDeriveRemaining(t *testing.T) {
	now := time.Now()

	tests := map[string]struct {
		start    time.Time
		duration int
		want     int
	}{
		"3 minutes into a 10 minute countdown leaves 420 seconds": {
			start:    now.Add(-3 * time.Minute),
			duration: 10,
			want:     420,
		},

		"elapsed countdown clamps to zero": {
			start:    now.Add(-2 * time.Hour),
			duration: 10,
			want:     0,
		},

		"zero anchor means not started, full duration remains": {
			start:    time.Time{},
			duration: 10,
			want:     600,
		},

		"exactly at the deadline": {
			start:    now.Add(-10 * time.Minute),
			duration: 10,
			want:     0,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, clock.DeriveRemaining(tt.start, tt.duration, now))
		})
	}
}

func TestCountdown_TicksDown(t *testing.T) {
	fc := clockwork.NewFakeClock()

	cd := clock.Start(clock.Config{
		Clock:     fc,
		Remaining: 10,
	})
	defer cd.Stop()

	// Each tick must land before the next advance, or the fake ticker
	// coalesces them.
	for i := 1; i <= 3; i++ {
		fc.Advance(time.Second)
		want := 10 - i
		require.Eventually(t, func() bool {
			return cd.Remaining() == want
		}, time.Second, time.Millisecond, "tick %d should leave %d seconds", i, want)
	}
}

func TestCountdown_ReconcileReplacesLocalValue(t *testing.T) {
	fc := clockwork.NewFakeClock()

	cd := clock.Start(clock.Config{
		Clock:     fc,
		Remaining: 100,
	})
	defer cd.Stop()

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		return cd.Remaining() == 99
	}, time.Second, time.Millisecond)

	// The authoritative value wins over whatever the local ticking says.
	cd.Reconcile(42)
	require.Equal(t, 42, cd.Remaining())
}

func TestCountdown_ExpiresExactlyOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()

	var fired atomic.Int32
	cd := clock.Start(clock.Config{
		Clock:     fc,
		Remaining: 2,
		OnExpire: func() {
			fired.Add(1)
		},
	})
	defer cd.Stop()

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		return cd.Remaining() == 1
	}, time.Second, time.Millisecond)

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		return cd.Expired()
	}, time.Second, time.Millisecond)

	// Ticks past the expiry are inert.
	fc.Advance(3 * time.Second)

	// More reconciles or ticks after expiry must not refire.
	cd.Reconcile(0)
	cd.Reconcile(50)

	assert.Equal(t, int32(1), fired.Load(), "terminal event should fire exactly once")
	assert.True(t, cd.Expired())
}

func TestCountdown_ReconcileToZeroExpires(t *testing.T) {
	fc := clockwork.NewFakeClock()

	var fired atomic.Int32
	cd := clock.Start(clock.Config{
		Clock:     fc,
		Remaining: 500,
		OnExpire: func() {
			fired.Add(1)
		},
	})

	cd.Reconcile(0)

	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, cd.Expired())
}

func TestCountdown_StopWithoutExpiry(t *testing.T) {
	fc := clockwork.NewFakeClock()

	var fired atomic.Int32
	cd := clock.Start(clock.Config{
		Clock:     fc,
		Remaining: 5,
		OnExpire: func() {
			fired.Add(1)
		},
	})

	cd.Stop()
	fc.Advance(10 * time.Second)

	assert.Equal(t, int32(0), fired.Load(), "a stopped countdown must not fire")
}
