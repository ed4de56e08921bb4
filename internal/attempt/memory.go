package attempt

import (
	"context"
	"sync"
	"time"

	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
)

// MemoryStore is an in-memory Store used in tests and single-node setups,
// with the same overwrite semantics as the postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	answers  map[string]map[string]domain.Answer // (room/user) -> question -> answer
	attempts map[string]domain.Attempt           // room/user -> attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		answers:  make(map[string]map[string]domain.Answer),
		attempts: make(map[string]domain.Attempt),
	}
}

func key(code, userID string) string { return code + "/" + userID }

func (s *MemoryStore) UpsertAnswer(_ context.Context, a *domain.Answer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(a.RoomCode, a.UserID)
	if s.answers[k] == nil {
		s.answers[k] = make(map[string]domain.Answer)
	}

	if existing, ok := s.answers[k][a.RoomQuestionID]; ok && existing.Final && !a.Final {
		return false, nil
	}

	s.answers[k][a.RoomQuestionID] = *a
	return true, nil
}

func (s *MemoryStore) ListAnswers(_ context.Context, code, userID string) ([]domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Answer
	for _, a := range s.answers[key(code, userID)] {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) StartAttempt(_ context.Context, code, userID string, at time.Time) (*domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(code, userID)
	if a, ok := s.attempts[k]; ok {
		cp := a
		return &cp, false, nil
	}

	t := at
	a := domain.Attempt{
		RoomCode:  code,
		UserID:    userID,
		Status:    domain.AttemptInProgress,
		StartedAt: &t,
	}
	s.attempts[k] = a

	cp := a
	return &cp, true, nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, code, userID string) (*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[key(code, userID)]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("attempt not found: room=%s user=%s", code, userID))
	}

	cp := a
	return &cp, nil
}

func (s *MemoryStore) FinishAttempt(_ context.Context, code, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(code, userID)
	a, ok := s.attempts[k]
	if !ok {
		t := at
		a = domain.Attempt{RoomCode: code, UserID: userID, StartedAt: &t}
	}
	a.Status = domain.AttemptSubmitted
	s.attempts[k] = a
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, code string) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Attempt
	for _, a := range s.attempts {
		if a.RoomCode == code {
			out = append(out, a)
		}
	}
	return out, nil
}
