// Package attempt tracks per-participant answers and derives submission
// state. Every answer write is an idempotent full-row overwrite keyed by
// (participant, room question), so retried or reordered deliveries cannot
// corrupt state; the terminal sweep guarantees exactly one final record per
// assigned question.
package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prepverse/guildsync/internal/clock"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
)

// Store persists attempts and answers.
type Store interface {
	// UpsertAnswer overwrites the answer row. A non-final write against an
	// existing final row is refused and reported via written=false.
	UpsertAnswer(ctx context.Context, a *domain.Answer) (written bool, err error)
	ListAnswers(ctx context.Context, code, userID string) ([]domain.Answer, error)

	// StartAttempt records the participant's personal clock anchor. It is
	// idempotent: a second call returns the existing attempt unchanged.
	StartAttempt(ctx context.Context, code, userID string, at time.Time) (*domain.Attempt, bool, error)
	GetAttempt(ctx context.Context, code, userID string) (*domain.Attempt, error)
	// FinishAttempt moves the attempt to SUBMITTED, creating the row if
	// the participant never explicitly started.
	FinishAttempt(ctx context.Context, code, userID string, at time.Time) error
	ListAttempts(ctx context.Context, code string) ([]domain.Attempt, error)
}

// RoomDirectory is the slice of the room service the tracker reads from.
type RoomDirectory interface {
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	ListParticipants(ctx context.Context, code string) ([]domain.Participant, error)
	ListQuestions(ctx context.Context, code string) ([]domain.RoomQuestion, error)
}

type Config struct {
	Store    Store
	Rooms    RoomDirectory
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	store Store
	rooms RoomDirectory
	eb    *event.Bus
	now   func() time.Time

	// sweeping guards AutoSubmitAll against concurrent invocation by the
	// timer-expiry path and a manual submit for the same participant.
	mu       sync.Mutex
	sweeping map[string]bool
}

func NewService(c Config) *Service {
	s := &Service{
		store:    c.Store,
		rooms:    c.Rooms,
		eb:       c.EventBus,
		now:      c.Now,
		sweeping: make(map[string]bool),
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type StartAttemptRequest struct {
	Code string
	User domain.Identity
}

// StartAttempt begins a participant's personal countdown in an independent
// room. Re-entry returns the existing anchor; one participant finishing
// early never affects another's remaining time.
func (s *Service) StartAttempt(ctx context.Context, req StartAttemptRequest) (*domain.Attempt, error) {
	r, err := s.rooms.GetRoom(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	if r.Mode != domain.ModeIndependent {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("synchronized rooms share the room clock"))
	}
	if r.Status != domain.RoomStatusActive {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room not active: %s status=%s", req.Code, r.Status))
	}

	if err := s.requireParticipant(ctx, req.Code, req.User.UserID); err != nil {
		return nil, err
	}

	a, created, err := s.store.StartAttempt(ctx, req.Code, req.User.UserID, s.now())
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}

	if created {
		s.eb.Publish(ctx, domain.EventAttemptStarted{Room: *r, Attempt: *a})
	}

	return a, nil
}

type SaveAnswerRequest struct {
	Code             string
	User             domain.Identity
	RoomQuestionID   string
	SelectedOption   string
	AnswerText       string
	TimeSpentSeconds int
}

// SaveAnswer upserts the participant's answer for one question. Last write
// wins; writes after the personal deadline or the room's end are rejected.
func (s *Service) SaveAnswer(ctx context.Context, req SaveAnswerRequest) error {
	if req.RoomQuestionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("room question id is required"))
	}

	r, err := s.rooms.GetRoom(ctx, req.Code)
	if err != nil {
		return err
	}
	if r.Status == domain.RoomStatusCompleted {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room already completed: %s", req.Code))
	}
	if r.Status != domain.RoomStatusActive {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room not active: %s status=%s", req.Code, r.Status))
	}

	if err := s.requireParticipant(ctx, req.Code, req.User.UserID); err != nil {
		return err
	}

	if err := s.requireKnownQuestion(ctx, req.Code, req.RoomQuestionID); err != nil {
		return err
	}

	att, err := s.attemptOrNil(ctx, req.Code, req.User.UserID)
	if err != nil {
		return err
	}
	if att != nil && att.Status == domain.AttemptSubmitted {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("attempt already submitted"))
	}

	if s.deadlinePassed(r, att) {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("time is up"))
	}

	now := s.now()
	written, err := s.store.UpsertAnswer(ctx, &domain.Answer{
		RoomCode:         req.Code,
		UserID:           req.User.UserID,
		RoomQuestionID:   req.RoomQuestionID,
		SelectedOption:   req.SelectedOption,
		AnswerText:       req.AnswerText,
		TimeSpentSeconds: req.TimeSpentSeconds,
		StartedAt:        now,
		SubmittedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if !written {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("answer already finalized"))
	}

	return nil
}

type AutoSubmitAllRequest struct {
	Code   string
	UserID string
}

// AutoSubmitAll is the terminal sweep, invoked once by either the countdown
// expiry or an explicit submit. It writes a final record for every assigned
// question (the latest value, or an explicit empty answer for untouched
// ones) so unanswered scoring is deterministic rather than inferred from
// absence. Only participants of an active room can be swept; concurrent
// calls for the same participant collapse to one sweep, and calls after
// completion are no-ops.
func (s *Service) AutoSubmitAll(ctx context.Context, req AutoSubmitAllRequest) error {
	r, err := s.rooms.GetRoom(ctx, req.Code)
	if err != nil {
		return err
	}
	if r.Status == domain.RoomStatusCompleted {
		// Completion already sealed every attempt; nothing left to write.
		return nil
	}
	if r.Status != domain.RoomStatusActive {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room not active: %s status=%s", req.Code, r.Status))
	}
	if err := s.requireParticipant(ctx, req.Code, req.UserID); err != nil {
		return err
	}

	key := req.Code + "/" + req.UserID

	s.mu.Lock()
	if s.sweeping[key] {
		s.mu.Unlock()
		return nil
	}
	s.sweeping[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sweeping, key)
		s.mu.Unlock()
	}()

	att, err := s.attemptOrNil(ctx, req.Code, req.UserID)
	if err != nil {
		return err
	}
	if att != nil && att.Status == domain.AttemptSubmitted {
		return nil
	}

	questions, err := s.rooms.ListQuestions(ctx, req.Code)
	if err != nil {
		return err
	}

	answers, err := s.store.ListAnswers(ctx, req.Code, req.UserID)
	if err != nil {
		return fmt.Errorf("list answers: %w", err)
	}

	byQuestion := make(map[string]domain.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.RoomQuestionID] = a
	}

	now := s.now()
	for _, q := range questions {
		final := domain.Answer{
			RoomCode:       req.Code,
			UserID:         req.UserID,
			RoomQuestionID: q.ID,
			StartedAt:      now,
			SubmittedAt:    now,
			Final:          true,
		}
		if a, ok := byQuestion[q.ID]; ok {
			final.SelectedOption = a.SelectedOption
			final.AnswerText = a.AnswerText
			final.TimeSpentSeconds = a.TimeSpentSeconds
			final.StartedAt = a.StartedAt
		}

		if _, err := s.store.UpsertAnswer(ctx, &final); err != nil {
			// A lost write here is retried by the next sweep attempt; it
			// must not abort the rest of the pass.
			slog.ErrorContext(ctx, "attempt: finalize answer failed",
				"room", req.Code, "user", req.UserID, "question", q.ID, "error", err)
		}
	}

	if err := s.store.FinishAttempt(ctx, req.Code, req.UserID, now); err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}

	s.eb.Publish(ctx, domain.EventAttemptSubmitted{
		Attempt: domain.Attempt{
			RoomCode: req.Code,
			UserID:   req.UserID,
			Status:   domain.AttemptSubmitted,
		},
	})

	return nil
}

// SubmissionStatus recomputes the room-wide aggregate from attempt state.
// It is never cached across poll cycles.
func (s *Service) SubmissionStatus(ctx context.Context, code string) (*domain.SubmissionStatus, error) {
	participants, err := s.rooms.ListParticipants(ctx, code)
	if err != nil {
		return nil, err
	}

	attempts, err := s.store.ListAttempts(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	submitted := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		submitted[a.UserID] = a.Status == domain.AttemptSubmitted
	}

	st := &domain.SubmissionStatus{
		RoomCode:          code,
		TotalParticipants: len(participants),
	}

	for _, p := range participants {
		answers, err := s.store.ListAnswers(ctx, code, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}

		row := domain.ParticipantSubmission{
			UserID:          p.UserID,
			AnsweredCount:   len(answers),
			HasSubmittedAll: submitted[p.UserID],
		}
		if row.HasSubmittedAll {
			st.SubmittedCount++
		}
		st.Submissions = append(st.Submissions, row)
	}

	st.PendingCount = st.TotalParticipants - st.SubmittedCount
	st.AllSubmitted = st.TotalParticipants > 0 && st.SubmittedCount == st.TotalParticipants

	return st, nil
}

// ClockInfo is the authoritative clock view handed to clients alongside the
// question set. RemainingSeconds is authoritative; clients replace, never
// adjust, their local countdown with it.
type ClockInfo struct {
	RemainingSeconds int
	DurationMinutes  int
	Anchor           *time.Time
	Started          bool
}

// Clock derives the caller's remaining time from the mode's anchor: the
// room start in synchronized mode, the personal attempt start otherwise.
func (s *Service) Clock(ctx context.Context, code string, user domain.Identity) (*ClockInfo, error) {
	r, err := s.rooms.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	att, err := s.attemptOrNil(ctx, code, user.UserID)
	if err != nil {
		return nil, err
	}

	info := &ClockInfo{DurationMinutes: r.DurationMinutes}

	if r.Status == domain.RoomStatusCompleted {
		return info, nil
	}

	anchor := r.Mode.ClockAnchor(r, att)
	if anchor.IsZero() {
		info.RemainingSeconds = r.DurationMinutes * 60
		return info, nil
	}

	info.Started = true
	info.Anchor = &anchor
	info.RemainingSeconds = clock.DeriveRemaining(anchor, r.DurationMinutes, s.now())
	return info, nil
}

func (s *Service) attemptOrNil(ctx context.Context, code, userID string) (*domain.Attempt, error) {
	att, err := s.store.GetAttempt(ctx, code, userID)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return att, nil
}

func (s *Service) deadlinePassed(r *domain.Room, att *domain.Attempt) bool {
	anchor := r.Mode.ClockAnchor(r, att)
	if anchor.IsZero() {
		return false
	}
	return clock.DeriveRemaining(anchor, r.DurationMinutes, s.now()) == 0
}

func (s *Service) requireKnownQuestion(ctx context.Context, code, roomQuestionID string) error {
	qs, err := s.rooms.ListQuestions(ctx, code)
	if err != nil {
		return err
	}
	for _, q := range qs {
		if q.ID == roomQuestionID {
			return nil
		}
	}
	return errors.New(errors.CodeNotFound,
		errors.WithMessagef("question not assigned to room: %s", roomQuestionID))
}

func (s *Service) requireParticipant(ctx context.Context, code, userID string) error {
	ps, err := s.rooms.ListParticipants(ctx, code)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if p.UserID == userID {
			return nil
		}
	}
	return errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("not a participant of room %s", code))
}
