// Package leaderboard decides when final results are fetched and guarantees
// they are fetched at most once per room. Ranking is owned by the external
// assessment service; this service orders, caches and fans out.
package leaderboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prepverse/guildsync/internal/assessment"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
)

const cacheTTL = 24 * time.Hour

// Assessment is the results endpoint of the external service.
type Assessment interface {
	GetResults(ctx context.Context, roomCode string) ([]assessment.Result, error)
}

type Config struct {
	EventBus   *event.Bus
	Assessment Assessment
	Redis      redis.UniversalClient
	Prefix     string
}

type Service struct {
	eb         *event.Bus
	assessment Assessment
	redis      redis.UniversalClient
	prefix     string

	// flights serializes concurrent resolves per room so the cache check
	// and the fetch cannot race into a duplicate computation.
	mu      sync.Mutex
	flights map[string]*sync.Mutex
}

func NewService(c Config) *Service {
	s := &Service{
		eb:         c.EventBus,
		assessment: c.Assessment,
		redis:      c.Redis,
		prefix:     c.Prefix,
		flights:    make(map[string]*sync.Mutex),
	}

	// A forced end lifts the embargo, so resolve eagerly; the resolve is
	// idempotent when the poller got there first.
	s.eb.Subscribe(domain.EventNameRoomEnded, func(ctx context.Context, e event.Event) error {
		_, err := s.Resolve(ctx, e.(domain.EventRoomEnded).Room.Code)
		if errors.Is(err, errors.CodeUnavailable) {
			return nil
		}
		return err
	})

	return s
}

// Resolve returns the ranked results for a room. A cached non-empty
// leaderboard short-circuits without a fetch; a still-embargoed room maps
// to an Unavailable error the caller treats as "not ready yet".
func (s *Service) Resolve(ctx context.Context, code string) (*domain.Leaderboard, error) {
	if lb, err := s.cached(ctx, code); err != nil {
		return nil, err
	} else if lb != nil {
		return lb, nil
	}

	flight := s.flight(code)
	flight.Lock()
	defer flight.Unlock()

	// Another caller may have resolved while we waited on the flight lock.
	if lb, err := s.cached(ctx, code); err != nil {
		return nil, err
	} else if lb != nil {
		return lb, nil
	}

	results, err := s.assessment.GetResults(ctx, code)
	if stderrors.Is(err, assessment.ErrNotReady) {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("leaderboard not yet visible: %s", code),
			errors.WithCause(err))
	}
	if stderrors.Is(err, assessment.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not found: %s", code),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}

	lb := rank(code, results)
	if len(lb.Entries) == 0 {
		// Nothing to pin yet; leave the cache empty so a later resolve
		// retries the fetch.
		return lb, nil
	}

	if err := s.cache(ctx, lb); err != nil {
		return nil, fmt.Errorf("cache leaderboard: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardResolved{Leaderboard: *lb})

	return lb, nil
}

// Resolved reports whether the leaderboard is already cached, without
// triggering a fetch. The poller uses it as its stop condition.
func (s *Service) Resolved(ctx context.Context, code string) bool {
	lb, err := s.cached(ctx, code)
	return err == nil && lb != nil
}

// rank orders results by the canonical tie-break: score descending, then
// total time ascending so the earlier finisher ranks higher on equal score.
func rank(code string, results []assessment.Result) *domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:           r.UserID,
			Score:            r.Score,
			Accuracy:         r.Accuracy,
			TotalTimeSeconds: r.TotalTimeSeconds,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Score.Equal(entries[j].Score) {
			return entries[i].Score.GreaterThan(entries[j].Score)
		}
		return entries[i].TotalTimeSeconds < entries[j].TotalTimeSeconds
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return &domain.Leaderboard{RoomCode: code, Entries: entries}
}

func (s *Service) cached(ctx context.Context, code string) (*domain.Leaderboard, error) {
	b, err := s.redis.Get(ctx, s.key(code)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read leaderboard cache: %w", err)
	}

	var lb domain.Leaderboard
	if err := json.Unmarshal(b, &lb); err != nil {
		return nil, fmt.Errorf("decode cached leaderboard: %w", err)
	}
	if len(lb.Entries) == 0 {
		return nil, nil
	}

	return &lb, nil
}

func (s *Service) cache(ctx context.Context, lb *domain.Leaderboard) error {
	b, err := json.Marshal(lb)
	if err != nil {
		return err
	}

	return s.redis.Set(ctx, s.key(lb.RoomCode), b, cacheTTL).Err()
}

func (s *Service) flight(code string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.flights[code]
	if !ok {
		m = new(sync.Mutex)
		s.flights[code] = m
	}
	return m
}

func (s *Service) key(code string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, code)
}
