// Package api is the HTTP surface over the room, attempt and leaderboard
// services. Caller identity rides in headers; real session auth is the
// perimeter's job, not this service's.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/prepverse/guildsync/internal/attempt"
	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
	"github.com/prepverse/guildsync/internal/event"
	"github.com/prepverse/guildsync/internal/leaderboard"
	"github.com/prepverse/guildsync/internal/room"
)

const (
	headerUserID    = "X-User-Id"
	headerUserEmail = "X-User-Email"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Room         *room.Service
	Attempt      *attempt.Service
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	rs *room.Service
	as *attempt.Service
	ls *leaderboard.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		rs:     c.Room,
		as:     c.Attempt,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/rooms", a.CreateRoom)
	v1.GET("/rooms/:code", a.GetRoom)
	v1.POST("/rooms/:code/join", a.JoinRoom)
	v1.POST("/rooms/:code/start", a.StartRoom)
	v1.POST("/rooms/:code/end", a.EndRoom)
	v1.POST("/rooms/:code/kick", a.KickParticipant)
	v1.GET("/rooms/:code/participants", a.ListParticipants)
	v1.GET("/rooms/:code/questions", a.GetQuestions)
	v1.POST("/rooms/:code/attempt/start", a.StartAttempt)
	v1.PUT("/rooms/:code/answers", a.SaveAnswer)
	v1.POST("/rooms/:code/submit", a.SubmitAll)
	v1.GET("/rooms/:code/submissions", a.GetSubmissionStatus)
	v1.GET("/rooms/:code/leaderboard", a.GetLeaderboard)

	// Fan room lifecycle out to redis so clients can subscribe instead of
	// polling; convergence semantics are unchanged either way.
	c.EventBus.Subscribe(domain.EventNameRoomStarted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomStarted)
		return a.publishRoom(ctx, ev.Room.Code, e.Name(), roomView(&ev.Room))
	})
	c.EventBus.Subscribe(domain.EventNameRoomEnded, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomEnded)
		return a.publishRoom(ctx, ev.Room.Code, e.Name(), roomView(&ev.Room))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardResolved, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardResolved(ctx, e.(domain.EventLeaderboardResolved))
	})

	return a
}

type createRoomRequest struct {
	ExamID           string `json:"exam_id" binding:"required"`
	Mode             string `json:"mode" binding:"required"`
	DurationMinutes  int    `json:"duration_minutes" binding:"required"`
	Private          bool   `json:"private"`
	Password         string `json:"password"`
	ParticipantLimit int    `json:"participant_limit"`
}

func (a *API) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	r, err := a.rs.CreateRoom(c.Request.Context(), room.CreateRoomRequest{
		Host:             identity(c),
		ExamID:           req.ExamID,
		Mode:             domain.AttemptMode(req.Mode),
		DurationMinutes:  req.DurationMinutes,
		Private:          req.Private,
		Password:         req.Password,
		ParticipantLimit: req.ParticipantLimit,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": roomView(r)})
}

func (a *API) GetRoom(c *gin.Context) {
	r, err := a.rs.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": roomView(r)})
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

func (a *API) JoinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	p, err := a.rs.JoinRoom(c.Request.Context(), room.JoinRoomRequest{
		Code:     c.Param("code"),
		User:     identity(c),
		Password: req.Password,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"participant": participantView(*p)})
}

func (a *API) StartRoom(c *gin.Context) {
	r, err := a.rs.StartRoom(c.Request.Context(), room.StartRoomRequest{
		Code:   c.Param("code"),
		Caller: identity(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": roomView(r)})
}

func (a *API) EndRoom(c *gin.Context) {
	r, err := a.rs.EndRoom(c.Request.Context(), room.EndRoomRequest{
		Code:   c.Param("code"),
		Caller: identity(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": roomView(r)})
}

type kickRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (a *API) KickParticipant(c *gin.Context) {
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.rs.KickParticipant(c.Request.Context(), room.KickParticipantRequest{
		Code:   c.Param("code"),
		Caller: identity(c),
		UserID: req.UserID,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) ListParticipants(c *gin.Context) {
	ps, err := a.rs.ListParticipants(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, participantView(p))
	}

	c.JSON(http.StatusOK, gin.H{"participants": out})
}

// GetQuestions returns the caller's question assignment plus the
// authoritative clock inputs; the client countdown must replace its local
// value with remaining_seconds rather than adjusting it.
func (a *API) GetQuestions(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	qs, err := a.rs.ListQuestions(ctx, code)
	if err != nil {
		abort(c, err)
		return
	}

	info, err := a.as.Clock(ctx, code, identity(c))
	if err != nil {
		abort(c, err)
		return
	}

	questions := make([]Question, 0, len(qs))
	for _, q := range qs {
		questions = append(questions, Question{
			RoomQuestionID: q.ID,
			QuestionNumber: q.Number,
			QuestionID:     q.QuestionID,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"questions":         questions,
		"remaining_seconds": info.RemainingSeconds,
		"total_duration":    info.DurationMinutes,
		"started":           info.Started,
		"start_time":        info.Anchor,
	})
}

func (a *API) StartAttempt(c *gin.Context) {
	att, err := a.as.StartAttempt(c.Request.Context(), attempt.StartAttemptRequest{
		Code: c.Param("code"),
		User: identity(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     att.Status,
		"started_at": att.StartedAt,
	})
}

type saveAnswerRequest struct {
	RoomQuestionID   string `json:"room_question_id" binding:"required"`
	SelectedOption   string `json:"selected_option"`
	AnswerText       string `json:"answer_text"`
	TimeSpentSeconds int    `json:"time_spent_seconds"`
}

func (a *API) SaveAnswer(c *gin.Context) {
	var req saveAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.as.SaveAnswer(c.Request.Context(), attempt.SaveAnswerRequest{
		Code:             c.Param("code"),
		User:             identity(c),
		RoomQuestionID:   req.RoomQuestionID,
		SelectedOption:   req.SelectedOption,
		AnswerText:       req.AnswerText,
		TimeSpentSeconds: req.TimeSpentSeconds,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) SubmitAll(c *gin.Context) {
	id := identity(c)
	err := a.as.AutoSubmitAll(c.Request.Context(), attempt.AutoSubmitAllRequest{
		Code:   c.Param("code"),
		UserID: id.UserID,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) GetSubmissionStatus(c *gin.Context) {
	st, err := a.as.SubmissionStatus(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, submissionView(st))
}

func (a *API) GetLeaderboard(c *gin.Context) {
	lb, err := a.ls.Resolve(c.Request.Context(), c.Param("code"))
	if errors.Is(err, errors.CodeUnavailable) {
		// Embargoed results are a wait state for the client, not an error.
		c.JSON(http.StatusOK, gin.H{"ready": false})
		return
	}
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ready":       len(lb.Entries) > 0,
		"leaderboard": leaderboardView(lb),
	})
}

func identity(c *gin.Context) domain.Identity {
	return domain.Identity{
		UserID: c.GetHeader(headerUserID),
		Email:  c.GetHeader(headerUserEmail),
	}
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
