package room

import (
	"context"
	"sync"
	"time"

	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
)

// MemoryStore is an in-memory Store used in tests and single-node setups.
// Its compare-and-swap semantics mirror the postgres store.
type MemoryStore struct {
	mu           sync.Mutex
	rooms        map[string]*domain.Room
	participants map[string][]domain.Participant
	questions    map[string][]domain.RoomQuestion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]*domain.Room),
		participants: make(map[string][]domain.Participant),
		questions:    make(map[string][]domain.RoomQuestion),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *domain.Room, host *domain.Participant, questions []domain.RoomQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.Code]; ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("room code taken: %s", room.Code))
	}

	cp := *room
	s.rooms[room.Code] = &cp
	s.participants[room.Code] = []domain.Participant{*host}
	s.questions[room.Code] = append([]domain.RoomQuestion(nil), questions...)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, code string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found: %s", code))
	}

	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRoomsByStatus(_ context.Context, status domain.RoomStatus) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Room
	for _, r := range s.rooms {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ActivateRoom(_ context.Context, code string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return false, nil
	}
	if r.Status != domain.RoomStatusWaiting && r.Status != domain.RoomStatusLocked {
		return false, nil
	}
	if r.StartTime != nil {
		return false, nil
	}

	r.Status = domain.RoomStatusActive
	t := at
	r.StartTime = &t
	return true, nil
}

func (s *MemoryStore) CompleteRoom(_ context.Context, code string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok || r.Status != domain.RoomStatusActive {
		return false, nil
	}

	r.Status = domain.RoomStatusCompleted
	t := at
	r.EndedAt = &t
	return true, nil
}

func (s *MemoryStore) SwapStatus(_ context.Context, code string, from, to domain.RoomStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok || r.Status != from {
		return false, nil
	}

	r.Status = to
	return true, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, code string, p *domain.Participant, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; !ok {
		return 0, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found: %s", code))
	}

	count := 0
	for _, existing := range s.participants[code] {
		if existing.Role != domain.RoleHost {
			count++
		}
	}

	for _, existing := range s.participants[code] {
		if existing.UserID == p.UserID {
			return count, nil
		}
	}

	if limit > 0 && count >= limit {
		return count, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room is full: %s", code))
	}

	s.participants[code] = append(s.participants[code], *p)
	return count + 1, nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, code, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.participants[code]
	for i, p := range ps {
		if p.UserID == userID && p.Role != domain.RoleHost {
			s.participants[code] = append(ps[:i:i], ps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, code string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.Participant(nil), s.participants[code]...), nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, code string) ([]domain.RoomQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.RoomQuestion(nil), s.questions[code]...), nil
}
