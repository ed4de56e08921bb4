// Package room owns the lifecycle of a test room and validates who may
// trigger which transition. The persisted status is the single ordering
// authority: every transition is a compare-and-swap against the store, so
// two clients racing the same transition get exactly one winner.
package room

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prepverse/guildsync/internal/assessment"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
)

const (
	codeLength       = 6
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	createMaxRetries = 3
	roomCost         = 1
)

// Store is the authoritative backing store for rooms, participants and
// question assignments.
type Store interface {
	CreateRoom(ctx context.Context, room *domain.Room, host *domain.Participant, questions []domain.RoomQuestion) error
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	ListRoomsByStatus(ctx context.Context, status domain.RoomStatus) ([]domain.Room, error)

	// ActivateRoom swaps WAITING or LOCKED to ACTIVE and sets the start
	// time, returning false when the room was not in a startable state.
	ActivateRoom(ctx context.Context, code string, at time.Time) (bool, error)
	// CompleteRoom swaps ACTIVE to COMPLETED, returning false when the
	// room was not active.
	CompleteRoom(ctx context.Context, code string, at time.Time) (bool, error)
	// SwapStatus performs a bare status compare-and-swap, used for the
	// WAITING <-> LOCKED flips around the participant limit.
	SwapStatus(ctx context.Context, code string, from, to domain.RoomStatus) (bool, error)

	// AddParticipant inserts the participant unless already a member,
	// enforcing the limit atomically. It returns the member count after
	// the call and a room-full error when the limit is already reached.
	AddParticipant(ctx context.Context, code string, p *domain.Participant, limit int) (int, error)
	RemoveParticipant(ctx context.Context, code, userID string) (bool, error)
	ListParticipants(ctx context.Context, code string) ([]domain.Participant, error)
	ListQuestions(ctx context.Context, code string) ([]domain.RoomQuestion, error)
}

// Assessment is the slice of the external assessment service the room
// lifecycle needs: the credit gate and the per-room question assignment.
type Assessment interface {
	GetCreditBalance(ctx context.Context, userID string) (*assessment.CreditBalance, error)
	ConsumeCredit(ctx context.Context, userID string) error
	GetQuestionSet(ctx context.Context, examID string) (*assessment.QuestionSet, error)
}

type Config struct {
	Store      Store
	Assessment Assessment
	EventBus   *event.Bus
	// Now defaults to time.Now, overridden in tests.
	Now func() time.Time
}

type Service struct {
	store      Store
	assessment Assessment
	eb         *event.Bus
	now        func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store:      c.Store,
		assessment: c.Assessment,
		eb:         c.EventBus,
		now:        c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type CreateRoomRequest struct {
	Host             domain.Identity
	ExamID           string
	Mode             domain.AttemptMode
	DurationMinutes  int
	Private          bool
	Password         string
	ParticipantLimit int
}

// CreateRoom creates a WAITING room after the host's credit gate passes.
// The credit balance is checked, not owned, here; the decrement lives in
// the assessment service.
func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	if req.Host.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("host user id is required"))
	}
	if !req.Mode.Valid() {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown attempt mode: %s", req.Mode))
	}
	if req.DurationMinutes <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("duration must be positive"))
	}
	if req.Private && req.Password == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("private room requires a password"))
	}

	balance, err := s.assessment.GetCreditBalance(ctx, req.Host.UserID)
	if err != nil {
		return nil, fmt.Errorf("check credit balance: %w", err)
	}
	if balance.Balance < roomCost {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("insufficient credits: balance=%d", balance.Balance))
	}

	qs, err := s.assessment.GetQuestionSet(ctx, req.ExamID)
	if err != nil {
		if stderrors.Is(err, assessment.ErrNotFound) {
			return nil, errors.New(errors.CodeNotFound,
				errors.WithMessagef("exam not found: %s", req.ExamID),
				errors.WithCause(err))
		}
		return nil, fmt.Errorf("fetch question set: %w", err)
	}

	questions := make([]domain.RoomQuestion, 0, len(qs.Questions))
	for _, q := range qs.Questions {
		questions = append(questions, domain.RoomQuestion{
			ID:         q.RoomQuestionID,
			Number:     q.QuestionNumber,
			QuestionID: q.QuestionID,
		})
	}

	now := s.now()
	r := &domain.Room{
		ExamID:           req.ExamID,
		Status:           domain.RoomStatusWaiting,
		Mode:             req.Mode,
		HostID:           req.Host.UserID,
		HostEmail:        req.Host.Email,
		DurationMinutes:  req.DurationMinutes,
		Private:          req.Private,
		Password:         req.Password,
		ParticipantLimit: req.ParticipantLimit,
		CreatedAt:        now,
	}

	host := &domain.Participant{
		UserID:   req.Host.UserID,
		Email:    req.Host.Email,
		Role:     domain.RoleHost,
		JoinedAt: now,
	}

	// Room codes are short and collisions possible; retry with a fresh
	// code on duplicate.
	for i := 0; i < createMaxRetries; i++ {
		r.Code = generateCode()
		err = s.store.CreateRoom(ctx, r, host, questions)
		if err == nil {
			break
		}
		if !errors.Is(err, errors.CodeAlreadyExists) {
			return nil, fmt.Errorf("create room: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	if err := s.assessment.ConsumeCredit(ctx, req.Host.UserID); err != nil {
		// The room exists; a failed decrement is the ledger's problem to
		// reconcile, not a reason to fail the host.
		slog.ErrorContext(ctx, "room: consume credit failed",
			"room", r.Code, "host", req.Host.UserID, "error", err)
	}

	return r, nil
}

type JoinRoomRequest struct {
	Code     string
	User     domain.Identity
	Password string
}

// JoinRoom adds the caller to a WAITING room. Joining a room you are
// already in is a no-op returning the existing membership.
func (s *Service) JoinRoom(ctx context.Context, req JoinRoomRequest) (*domain.Participant, error) {
	if req.User.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}

	r, err := s.store.GetRoom(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case domain.RoomStatusWaiting:
	case domain.RoomStatusLocked:
		// Locking is about seats, not membership: a member re-joining a
		// full room still gets the no-op.
		p, err := s.findParticipant(ctx, req.Code, req.User.UserID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room is full: %s", req.Code))
	default:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room already started: %s", req.Code))
	}

	if r.Private && r.Password != req.Password {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("wrong room password"))
	}

	p := &domain.Participant{
		UserID:   req.User.UserID,
		Email:    req.User.Email,
		Role:     domain.RoleMember,
		JoinedAt: s.now(),
	}

	count, err := s.store.AddParticipant(ctx, req.Code, p, r.ParticipantLimit)
	if err != nil {
		return nil, err
	}

	if r.ParticipantLimit > 0 && count >= r.ParticipantLimit {
		// Best-effort flip; the limit itself is enforced by the store.
		if _, err := s.store.SwapStatus(ctx, req.Code, domain.RoomStatusWaiting, domain.RoomStatusLocked); err != nil {
			slog.ErrorContext(ctx, "room: lock full room failed", "room", req.Code, "error", err)
		}
	}

	return p, nil
}

type StartRoomRequest struct {
	Code   string
	Caller domain.Identity
}

// StartRoom moves the room to ACTIVE and anchors the shared clock. Only the
// host may start; synchronized rooms need at least one other participant.
// Of two concurrent starts exactly one wins; the loser observes a state
// conflict, never a silent duplicate activation.
func (s *Service) StartRoom(ctx context.Context, req StartRoomRequest) (*domain.Room, error) {
	r, err := s.requireHost(ctx, req.Code, req.Caller)
	if err != nil {
		return nil, err
	}

	if r.Status != domain.RoomStatusWaiting && r.Status != domain.RoomStatusLocked {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room already active: %s status=%s", req.Code, r.Status))
	}

	if r.Mode == domain.ModeSynchronized {
		others, err := s.countMembers(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		if others == 0 {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("cannot start synchronized room without participants"))
		}
	}

	startTime := s.now()
	ok, err := s.store.ActivateRoom(ctx, req.Code, startTime)
	if err != nil {
		return nil, fmt.Errorf("activate room: %w", err)
	}
	if !ok {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room already active: %s", req.Code))
	}

	r.Status = domain.RoomStatusActive
	r.StartTime = &startTime

	s.eb.Publish(ctx, domain.EventRoomStarted{Room: *r})

	return r, nil
}

type EndRoomRequest struct {
	Code   string
	Caller domain.Identity
}

// EndRoom is the host's corrective force-end: the room completes regardless
// of individual submission completeness, and the leaderboard is computed
// over whatever was submitted.
func (s *Service) EndRoom(ctx context.Context, req EndRoomRequest) (*domain.Room, error) {
	r, err := s.requireHost(ctx, req.Code, req.Caller)
	if err != nil {
		return nil, err
	}

	return s.complete(ctx, r, true)
}

// CompleteRoom is the system transition used by the poller when either the
// shared deadline elapses or every participant has submitted.
func (s *Service) CompleteRoom(ctx context.Context, code string) (*domain.Room, error) {
	r, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	return s.complete(ctx, r, false)
}

func (s *Service) complete(ctx context.Context, r *domain.Room, forced bool) (*domain.Room, error) {
	if r.Status == domain.RoomStatusCompleted {
		// Completion is terminal and idempotent.
		return r, nil
	}
	if r.Status != domain.RoomStatusActive {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room not active: %s status=%s", r.Code, r.Status))
	}

	endedAt := s.now()
	ok, err := s.store.CompleteRoom(ctx, r.Code, endedAt)
	if err != nil {
		return nil, fmt.Errorf("complete room: %w", err)
	}
	if !ok {
		// Lost the race against another completion path. Re-read and treat
		// as a benign no-op if the room is indeed completed.
		cur, err := s.store.GetRoom(ctx, r.Code)
		if err != nil {
			return nil, err
		}
		if cur.Status == domain.RoomStatusCompleted {
			return cur, nil
		}
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room not active: %s status=%s", r.Code, cur.Status))
	}

	r.Status = domain.RoomStatusCompleted
	r.EndedAt = &endedAt

	s.eb.Publish(ctx, domain.EventRoomEnded{Room: *r, Forced: forced})

	return r, nil
}

type KickParticipantRequest struct {
	Code   string
	Caller domain.Identity
	UserID string
}

// KickParticipant removes a non-host member before the room starts.
func (s *Service) KickParticipant(ctx context.Context, req KickParticipantRequest) error {
	r, err := s.requireHost(ctx, req.Code, req.Caller)
	if err != nil {
		return err
	}

	if r.Status != domain.RoomStatusWaiting && r.Status != domain.RoomStatusLocked {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("cannot kick after room started: %s", req.Code))
	}

	if r.IsHost(domain.Identity{UserID: req.UserID}) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("cannot kick the host"))
	}

	removed, err := s.store.RemoveParticipant(ctx, req.Code, req.UserID)
	if err != nil {
		return err
	}
	if !removed {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("participant not in room: %s", req.UserID))
	}

	if r.Status == domain.RoomStatusLocked {
		// A freed seat reopens the room.
		if _, err := s.store.SwapStatus(ctx, req.Code, domain.RoomStatusLocked, domain.RoomStatusWaiting); err != nil {
			slog.ErrorContext(ctx, "room: unlock room failed", "room", req.Code, "error", err)
		}
	}

	return nil
}

// GetRoom returns the authoritative room state. Clients reconcile their
// local view from this, never the other way around.
func (s *Service) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	return s.store.GetRoom(ctx, code)
}

func (s *Service) ListParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	return s.store.ListParticipants(ctx, code)
}

func (s *Service) ListQuestions(ctx context.Context, code string) ([]domain.RoomQuestion, error) {
	return s.store.ListQuestions(ctx, code)
}

// ListActiveRooms is used at startup to resume watchers for rooms that were
// active when the process last stopped.
func (s *Service) ListActiveRooms(ctx context.Context) ([]domain.Room, error) {
	return s.store.ListRoomsByStatus(ctx, domain.RoomStatusActive)
}

// requireHost loads the room and verifies the caller is its host. A
// non-host caller always gets a permission error, never a silent no-op.
func (s *Service) requireHost(ctx context.Context, code string, caller domain.Identity) (*domain.Room, error) {
	if caller.IsZero() {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("caller identity is required"))
	}

	r, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	if !r.IsHost(caller) {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host may perform this action"))
	}

	return r, nil
}

func (s *Service) findParticipant(ctx context.Context, code, userID string) (*domain.Participant, error) {
	ps, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return nil, err
	}
	for i := range ps {
		if ps[i].UserID == userID {
			return &ps[i], nil
		}
	}
	return nil, nil
}

func (s *Service) countMembers(ctx context.Context, code string) (int, error) {
	ps, err := s.store.ListParticipants(ctx, code)
	if err != nil {
		return 0, err
	}

	// The host never counts toward the quorum.
	n := 0
	for _, p := range ps {
		if p.Role != domain.RoleHost {
			n++
		}
	}
	return n, nil
}

func generateCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("room: read random: %v", err))
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
