// Package poller detects room-wide convergence without a push channel. A
// watcher per active room polls the submission aggregate on a fixed
// interval, fires the converged event exactly once, and drives the
// leaderboard resolve until it succeeds. It also owns the authoritative
// deadline countdowns that trigger the terminal auto-submit sweep.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/prepverse/guildsync/internal/attempt"
	"github.com/prepverse/guildsync/internal/clock"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
)

const (
	defaultInterval = 5 * time.Second
	opTimeout       = 30 * time.Second
)

// Rooms is the slice of the room service the poller drives.
type Rooms interface {
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	ListParticipants(ctx context.Context, code string) ([]domain.Participant, error)
	ListActiveRooms(ctx context.Context) ([]domain.Room, error)
	CompleteRoom(ctx context.Context, code string) (*domain.Room, error)
}

// Attempts is the slice of the attempt tracker the poller drives.
type Attempts interface {
	SubmissionStatus(ctx context.Context, code string) (*domain.SubmissionStatus, error)
	AutoSubmitAll(ctx context.Context, req attempt.AutoSubmitAllRequest) error
}

// Resolver is the leaderboard side: Resolve is idempotent and Resolved is
// the poller's stop condition.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*domain.Leaderboard, error)
	Resolved(ctx context.Context, code string) bool
}

type Config struct {
	Rooms    Rooms
	Attempts Attempts
	Resolver Resolver
	EventBus *event.Bus
	// Interval between submission-status polls, defaulting to 5s.
	Interval time.Duration
	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
}

// Manager owns one watcher per active room, started from room.started
// events and per-attempt countdowns from attempt.started events.
type Manager struct {
	rooms    Rooms
	attempts Attempts
	resolver Resolver
	eb       *event.Bus
	interval time.Duration
	clock    clockwork.Clock

	mu       sync.Mutex
	watchers map[string]*watcher
	personal map[string]*clock.Countdown
	stopped  bool
}

func NewManager(c Config) *Manager {
	m := &Manager{
		rooms:    c.Rooms,
		attempts: c.Attempts,
		resolver: c.Resolver,
		eb:       c.EventBus,
		interval: c.Interval,
		clock:    c.Clock,
		watchers: make(map[string]*watcher),
		personal: make(map[string]*clock.Countdown),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}

	m.eb.Subscribe(domain.EventNameRoomStarted, func(ctx context.Context, e event.Event) error {
		m.Watch(e.(domain.EventRoomStarted).Room)
		return nil
	})

	m.eb.Subscribe(domain.EventNameAttemptStarted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAttemptStarted)
		m.watchAttempt(ev.Room, ev.Attempt)
		return nil
	})

	// A submitted attempt no longer needs its deadline countdown, whether
	// the submit was manual or the sweep itself.
	m.eb.Subscribe(domain.EventNameAttemptSubmitted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAttemptSubmitted)
		m.dropPersonal(ev.Attempt.RoomCode, ev.Attempt.UserID)
		return nil
	})

	return m
}

// Resume starts watchers for rooms that were already active when the
// process came up, so a restart cannot orphan a running room.
func (m *Manager) Resume(ctx context.Context) error {
	rooms, err := m.rooms.ListActiveRooms(ctx)
	if err != nil {
		return err
	}

	for _, r := range rooms {
		m.Watch(r)
	}
	return nil
}

// Watch starts the convergence watcher for a room. Watching an already
// watched room is a no-op.
func (m *Manager) Watch(room domain.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if _, ok := m.watchers[room.Code]; ok {
		return
	}

	w := newWatcher(m, room)
	m.watchers[room.Code] = w
	go w.run()
}

// Stop halts every watcher and waits for them to unwind.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	cds := make([]*clock.Countdown, 0, len(m.personal))
	for _, cd := range m.personal {
		cds = append(cds, cd)
	}
	m.personal = nil
	m.mu.Unlock()

	for _, cd := range cds {
		cd.Stop()
	}
	for _, w := range ws {
		w.stop()
		<-w.done
	}
}

func (m *Manager) remove(code string) {
	m.mu.Lock()
	delete(m.watchers, code)
	m.mu.Unlock()
}

// watchAttempt hangs a personal countdown off an independent-mode attempt;
// expiry sweeps only that participant.
func (m *Manager) watchAttempt(room domain.Room, att domain.Attempt) {
	remaining := room.DurationMinutes * 60
	if att.StartedAt != nil {
		remaining = clock.DeriveRemaining(*att.StartedAt, room.DurationMinutes, m.clock.Now())
	}

	code, userID := room.Code, att.UserID
	cd := clock.Start(clock.Config{
		Clock:     m.clock,
		Remaining: remaining,
		OnExpire: func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()

			if err := m.attempts.AutoSubmitAll(ctx, attempt.AutoSubmitAllRequest{Code: code, UserID: userID}); err != nil {
				slog.ErrorContext(ctx, "poller: personal deadline sweep failed",
					"room", code, "user", userID, "error", err)
			}
		},
	})

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cd.Stop()
		return
	}
	key := code + "/" + userID
	if old, ok := m.personal[key]; ok {
		old.Stop()
	}
	m.personal[key] = cd
	m.mu.Unlock()
}

func (m *Manager) dropPersonal(code, userID string) {
	m.mu.Lock()
	key := code + "/" + userID
	cd := m.personal[key]
	delete(m.personal, key)
	m.mu.Unlock()

	if cd != nil {
		cd.Stop()
	}
}

// watcher polls a single room until its leaderboard is resolved.
type watcher struct {
	m    *Manager
	room domain.Room

	converged bool
	countdown *clock.Countdown

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newWatcher(m *Manager, room domain.Room) *watcher {
	w := &watcher{
		m:      m,
		room:   room,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if room.Mode == domain.ModeSynchronized && room.StartTime != nil {
		// The shared deadline: expiry auto-submits everyone and completes
		// the room, so "timer elapsed for everyone" converges naturally.
		remaining := clock.DeriveRemaining(*room.StartTime, room.DurationMinutes, m.clock.Now())
		w.countdown = clock.Start(clock.Config{
			Clock:     m.clock,
			Remaining: remaining,
			OnExpire:  w.onDeadline,
		})
	}

	return w
}

func (w *watcher) run() {
	defer close(w.done)
	defer w.m.remove(w.room.Code)

	t := w.m.clock.NewTicker(w.m.interval)
	defer t.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-t.Chan():
			if w.poll() {
				return
			}
		}
	}
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		if w.countdown != nil {
			w.countdown.Stop()
		}
		close(w.stopCh)
	})
}

// poll runs one cycle and reports whether the watcher is finished.
func (w *watcher) poll() (finished bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// The resolved leaderboard is the terminal stop condition; once it is
	// present, further polling is redundant load.
	if w.m.resolver.Resolved(ctx, w.room.Code) {
		if w.countdown != nil {
			w.countdown.Stop()
		}
		return true
	}

	st, err := w.m.attempts.SubmissionStatus(ctx, w.room.Code)
	if err != nil {
		// Degraded path: the status query can fail after the room left
		// the active set, so fall back to trying the leaderboard itself.
		return w.tryResolve(ctx)
	}

	r, err := w.m.rooms.GetRoom(ctx, w.room.Code)
	if err != nil {
		slog.ErrorContext(ctx, "poller: reload room failed", "room", w.room.Code, "error", err)
		return false
	}

	if !st.AllSubmitted && r.Status != domain.RoomStatusCompleted {
		return false
	}

	// Convergence. The event fires exactly once per room even though
	// polling continues until the leaderboard fetch lands.
	if !w.converged {
		w.converged = true
		w.m.eb.Publish(ctx, domain.EventSubmissionsConverged{Status: *st})
	}

	if r.Status == domain.RoomStatusActive {
		if _, err := w.m.rooms.CompleteRoom(ctx, w.room.Code); err != nil && !errors.Is(err, errors.CodeFailedPrecondition) {
			slog.ErrorContext(ctx, "poller: complete room failed", "room", w.room.Code, "error", err)
			return false
		}
	}

	if w.countdown != nil {
		w.countdown.Stop()
	}

	return w.tryResolve(ctx)
}

func (w *watcher) tryResolve(ctx context.Context) (finished bool) {
	_, err := w.m.resolver.Resolve(ctx, w.room.Code)
	if err == nil {
		return true
	}
	if errors.Is(err, errors.CodeUnavailable) {
		// Embargoed results are "not ready yet", not a failure; keep
		// polling until the window elapses or the host force-ends.
		return false
	}

	slog.ErrorContext(ctx, "poller: resolve leaderboard failed", "room", w.room.Code, "error", err)
	return false
}

// onDeadline fires once when the shared timer elapses: every participant is
// swept (their latest answers finalized, untouched questions recorded as
// explicit empty answers) and the room completes.
func (w *watcher) onDeadline() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	participants, err := w.m.rooms.ListParticipants(ctx, w.room.Code)
	if err != nil {
		slog.ErrorContext(ctx, "poller: list participants for sweep failed", "room", w.room.Code, "error", err)
		return
	}

	for _, p := range participants {
		if err := w.m.attempts.AutoSubmitAll(ctx, attempt.AutoSubmitAllRequest{Code: w.room.Code, UserID: p.UserID}); err != nil {
			slog.ErrorContext(ctx, "poller: deadline sweep failed",
				"room", w.room.Code, "user", p.UserID, "error", err)
		}
	}

	if _, err := w.m.rooms.CompleteRoom(ctx, w.room.Code); err != nil && !errors.Is(err, errors.CodeFailedPrecondition) {
		slog.ErrorContext(ctx, "poller: complete room on deadline failed", "room", w.room.Code, "error", err)
	}
}
