package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DeriveRemaining computes the whole seconds left on a countdown anchored
// at start with the given total duration. It is the best-effort bridge used
// when no authoritative remaining value is available; a server-provided
// value always wins over this derivation.
func DeriveRemaining(start time.Time, durationMinutes int, now time.Time) int {
	if start.IsZero() {
		return durationMinutes * 60
	}

	elapsed := int(now.Sub(start) / time.Second)
	remaining := durationMinutes*60 - elapsed
	if remaining < 0 {
		return 0
	}

	return remaining
}

type Config struct {
	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
	// Remaining is the initial authoritative seconds-remaining value.
	Remaining int
	// OnExpire is invoked exactly once when the countdown reaches zero.
	OnExpire func()
}

// Countdown ticks down once per second between reconciliations. It never
// trusts its own drift: Reconcile replaces the local value with a freshly
// derived one instead of adjusting it. On reaching zero it fires OnExpire
// exactly once and stops, regardless of further ticks or reconciliations.
type Countdown struct {
	clock    clockwork.Clock
	onExpire func()

	mu        sync.Mutex
	remaining int
	expired   bool

	fireOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
}

// Start creates a countdown and begins ticking immediately. A non-positive
// initial value expires on the first tick.
func Start(c Config) *Countdown {
	cd := &Countdown{
		clock:     c.Clock,
		onExpire:  c.OnExpire,
		remaining: c.Remaining,
		stop:      make(chan struct{}),
	}
	if cd.clock == nil {
		cd.clock = clockwork.NewRealClock()
	}
	if cd.remaining < 0 {
		cd.remaining = 0
	}

	// The ticker must exist before Start returns, so a fake clock advanced
	// right afterwards already sees the waiter.
	t := cd.clock.NewTicker(time.Second)
	go cd.loop(t)
	return cd
}

func (c *Countdown) loop(t clockwork.Ticker) {
	defer t.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-t.Chan():
			// Stop wins over a tick that raced it.
			select {
			case <-c.stop:
				return
			default:
			}
			if c.tick() {
				return
			}
		}
	}
}

func (c *Countdown) tick() (done bool) {
	c.mu.Lock()
	if c.remaining > 0 {
		c.remaining--
	}
	done = c.remaining <= 0
	if done {
		c.expired = true
	}
	c.mu.Unlock()

	if done {
		c.fire()
	}
	return done
}

func (c *Countdown) fire() {
	c.fireOnce.Do(func() {
		if c.onExpire != nil {
			c.onExpire()
		}
	})
}

// Reconcile replaces the locally ticked value with an authoritative one.
// Reconciling to zero expires the countdown; reconciling after expiry is
// ignored so the terminal event never refires.
func (c *Countdown) Reconcile(remaining int) {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	c.remaining = remaining
	expireNow := remaining == 0
	if expireNow {
		c.expired = true
	}
	c.mu.Unlock()

	if expireNow {
		c.fire()
		c.Stop()
	}
}

// Remaining returns the current local seconds-remaining value.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Expired reports whether the countdown has reached zero.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop cancels the countdown without firing the terminal event.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
