package room_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepverse/guildsync/internal/assessment"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
	"github.com/prepverse/guildsync/internal/room"
)

type fakeAssessment struct {
	mu       sync.Mutex
	balance  int
	consumed int

	questions    []assessment.QuestionAssignment
	examNotFound bool
}

func (f *fakeAssessment) GetCreditBalance(_ context.Context, userID string) (*assessment.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &assessment.CreditBalance{UserID: userID, Balance: f.balance}, nil
}

func (f *fakeAssessment) ConsumeCredit(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed++
	f.balance--
	return nil
}

func (f *fakeAssessment) GetQuestionSet(_ context.Context, _ string) (*assessment.QuestionSet, error) {
	if f.examNotFound {
		return nil, assessment.ErrNotFound
	}
	return &assessment.QuestionSet{Questions: f.questions, DurationMinutes: 10}, nil
}

func defaultAssessment() *fakeAssessment {
	return &fakeAssessment{
		balance: 5,
		questions: []assessment.QuestionAssignment{
			{RoomQuestionID: "rq-1", QuestionNumber: 1, QuestionID: "q-1"},
			{RoomQuestionID: "rq-2", QuestionNumber: 2, QuestionID: "q-2"},
		},
	}
}

var (
	host  = domain.Identity{UserID: "user-host", Email: "host@guild.test"}
	alice = domain.Identity{UserID: "user-alice", Email: "alice@guild.test"}
	bob   = domain.Identity{UserID: "user-bob", Email: "bob@guild.test"}
	carol = domain.Identity{UserID: "user-carol", Email: "carol@guild.test"}
)

func newService(fa *fakeAssessment, eb *event.Bus) *room.Service {
	if eb == nil {
		eb = event.NewBus()
	}
	return room.NewService(room.Config{
		Store:      room.NewMemoryStore(),
		Assessment: fa,
		EventBus:   eb,
	})
}

func mustCreate(t *testing.T, s *room.Service, req room.CreateRoomRequest) *domain.Room {
	t.Helper()
	if req.Host.IsZero() {
		req.Host = host
	}
	if req.ExamID == "" {
		req.ExamID = "exam-1"
	}
	if req.Mode == "" {
		req.Mode = domain.ModeSynchronized
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = 10
	}

	r, err := s.CreateRoom(context.Background(), req)
	require.NoError(t, err)
	return r
}

func TestCreateRoom(t *testing.T) {
	t.Run("creates a waiting room with host and question assignment", func(t *testing.T) {
		fa := defaultAssessment()
		s := newService(fa, nil)

		r := mustCreate(t, s, room.CreateRoomRequest{})

		assert.Len(t, r.Code, 6)
		assert.Equal(t, domain.RoomStatusWaiting, r.Status)
		assert.Equal(t, host.UserID, r.HostID)
		assert.Nil(t, r.StartTime)

		ps, err := s.ListParticipants(context.Background(), r.Code)
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.Equal(t, domain.RoleHost, ps[0].Role)

		qs, err := s.ListQuestions(context.Background(), r.Code)
		require.NoError(t, err)
		assert.Len(t, qs, 2)

		assert.Equal(t, 1, fa.consumed)
	})

	t.Run("rejected without credits", func(t *testing.T) {
		fa := defaultAssessment()
		fa.balance = 0
		s := newService(fa, nil)

		_, err := s.CreateRoom(context.Background(), room.CreateRoomRequest{
			Host: host, ExamID: "exam-1", Mode: domain.ModeSynchronized, DurationMinutes: 10,
		})

		assert.True(t, errors.Is(err, errors.CodeResourceExhausted))
		assert.Equal(t, 0, fa.consumed)
	})

	t.Run("unknown exam", func(t *testing.T) {
		fa := defaultAssessment()
		fa.examNotFound = true
		s := newService(fa, nil)

		_, err := s.CreateRoom(context.Background(), room.CreateRoomRequest{
			Host: host, ExamID: "no-such-exam", Mode: domain.ModeSynchronized, DurationMinutes: 10,
		})

		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})

	t.Run("invalid requests", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)

		tests := map[string]room.CreateRoomRequest{
			"missing host": {
				ExamID: "exam-1", Mode: domain.ModeSynchronized, DurationMinutes: 10,
			},
			"unknown mode": {
				Host: host, ExamID: "exam-1", Mode: "TURBO", DurationMinutes: 10,
			},
			"non-positive duration": {
				Host: host, ExamID: "exam-1", Mode: domain.ModeSynchronized,
			},
			"private without password": {
				Host: host, ExamID: "exam-1", Mode: domain.ModeSynchronized, DurationMinutes: 10,
				Private: true,
			},
		}

		for name, req := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := s.CreateRoom(context.Background(), req)
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
			})
		}
	})
}

func TestJoinRoom(t *testing.T) {
	t.Run("joining twice is a no-op", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		ps, err := s.ListParticipants(context.Background(), r.Code)
		require.NoError(t, err)
		assert.Len(t, ps, 2)
	})

	t.Run("room locks at the participant limit", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{ParticipantLimit: 2})

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: bob})
		require.NoError(t, err)

		got, err := s.GetRoom(context.Background(), r.Code)
		require.NoError(t, err)
		assert.Equal(t, domain.RoomStatusLocked, got.Status)

		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: carol})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("member rejoining a locked room is still a no-op", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{ParticipantLimit: 1})

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		got, err := s.GetRoom(context.Background(), r.Code)
		require.NoError(t, err)
		require.Equal(t, domain.RoomStatusLocked, got.Status)

		p, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		assert.Equal(t, alice.UserID, p.UserID)

		ps, err := s.ListParticipants(context.Background(), r.Code)
		require.NoError(t, err)
		assert.Len(t, ps, 2)
	})

	t.Run("wrong password on a private room", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{Private: true, Password: "open-sesame"})

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice, Password: "wrong"})
		assert.True(t, errors.Is(err, errors.CodePermissionDenied))

		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice, Password: "open-sesame"})
		assert.NoError(t, err)
	})

	t.Run("cannot join after start", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		_, err = s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)

		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: bob})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("unknown room", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)

		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: "NOROOM", User: alice})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})
}

func TestStartRoom(t *testing.T) {
	t.Run("host starts, clock anchors, event published", func(t *testing.T) {
		eb := event.NewBus()
		var started atomic.Int32
		eb.Subscribe(domain.EventNameRoomStarted, func(ctx context.Context, e event.Event) error {
			started.Add(1)
			return nil
		})

		s := newService(defaultAssessment(), eb)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		got, err := s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)
		assert.Equal(t, domain.RoomStatusActive, got.Status)
		require.NotNil(t, got.StartTime)

		eb.Stop()
		assert.Equal(t, int32(1), started.Load())
	})

	t.Run("only the host may start", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		_, err = s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: alice})
		assert.True(t, errors.Is(err, errors.CodePermissionDenied))
	})

	t.Run("host identity matches by email when ids are absent", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		_, err = s.StartRoom(context.Background(), room.StartRoomRequest{
			Code:   r.Code,
			Caller: domain.Identity{Email: "HOST@guild.test"},
		})
		assert.NoError(t, err)
	})

	t.Run("synchronized room needs at least one other participant", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{Mode: domain.ModeSynchronized})

		_, err := s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("independent room starts with the host alone", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{Mode: domain.ModeIndependent})

		_, err := s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		assert.NoError(t, err)
	})

	t.Run("concurrent starts produce exactly one winner", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)

		const racers = 8
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
				if err == nil {
					wins.Add(1)
					return
				}
				if errors.Is(err, errors.CodeFailedPrecondition) {
					losses.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), losses.Load())
	})
}

func TestEndRoom(t *testing.T) {
	startActive := func(t *testing.T, eb *event.Bus) (*room.Service, *domain.Room) {
		t.Helper()
		s := newService(defaultAssessment(), eb)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		_, err = s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)
		return s, r
	}

	t.Run("host force-ends an active room", func(t *testing.T) {
		eb := event.NewBus()
		var forced atomic.Bool
		eb.Subscribe(domain.EventNameRoomEnded, func(ctx context.Context, e event.Event) error {
			forced.Store(e.(domain.EventRoomEnded).Forced)
			return nil
		})

		s, r := startActive(t, eb)

		got, err := s.EndRoom(context.Background(), room.EndRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)
		assert.Equal(t, domain.RoomStatusCompleted, got.Status)
		require.NotNil(t, got.EndedAt)

		eb.Stop()
		assert.True(t, forced.Load())
	})

	t.Run("ending twice is idempotent", func(t *testing.T) {
		s, r := startActive(t, nil)

		_, err := s.EndRoom(context.Background(), room.EndRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)

		got, err := s.EndRoom(context.Background(), room.EndRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)
		assert.Equal(t, domain.RoomStatusCompleted, got.Status)
	})

	t.Run("cannot end a waiting room", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})

		_, err := s.EndRoom(context.Background(), room.EndRoomRequest{Code: r.Code, Caller: host})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("system completion is not forced", func(t *testing.T) {
		eb := event.NewBus()
		var forced atomic.Bool
		eb.Subscribe(domain.EventNameRoomEnded, func(ctx context.Context, e event.Event) error {
			forced.Store(e.(domain.EventRoomEnded).Forced)
			return nil
		})

		s, r := startActive(t, eb)

		_, err := s.CompleteRoom(context.Background(), r.Code)
		require.NoError(t, err)

		eb.Stop()
		assert.False(t, forced.Load())
	})
}

func TestKickParticipant(t *testing.T) {
	t.Run("kicking a member reopens a locked room", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{ParticipantLimit: 2})

		for _, u := range []domain.Identity{alice, bob} {
			_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: u})
			require.NoError(t, err)
		}

		err := s.KickParticipant(context.Background(), room.KickParticipantRequest{
			Code: r.Code, Caller: host, UserID: bob.UserID,
		})
		require.NoError(t, err)

		got, err := s.GetRoom(context.Background(), r.Code)
		require.NoError(t, err)
		assert.Equal(t, domain.RoomStatusWaiting, got.Status)

		_, err = s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: carol})
		assert.NoError(t, err)
	})

	t.Run("the host cannot be kicked", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})

		err := s.KickParticipant(context.Background(), room.KickParticipantRequest{
			Code: r.Code, Caller: host, UserID: host.UserID,
		})
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
	})

	t.Run("no kicking once started", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})
		_, err := s.JoinRoom(context.Background(), room.JoinRoomRequest{Code: r.Code, User: alice})
		require.NoError(t, err)
		_, err = s.StartRoom(context.Background(), room.StartRoomRequest{Code: r.Code, Caller: host})
		require.NoError(t, err)

		err = s.KickParticipant(context.Background(), room.KickParticipantRequest{
			Code: r.Code, Caller: host, UserID: alice.UserID,
		})
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})

	t.Run("unknown participant", func(t *testing.T) {
		s := newService(defaultAssessment(), nil)
		r := mustCreate(t, s, room.CreateRoomRequest{})

		err := s.KickParticipant(context.Background(), room.KickParticipantRequest{
			Code: r.Code, Caller: host, UserID: "user-stranger",
		})
		assert.True(t, errors.Is(err, errors.CodeNotFound))
	})
}
