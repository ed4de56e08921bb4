package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RoomStatus is the lifecycle state of a room. It only ever advances:
// WAITING -> ACTIVE -> COMPLETED, with LOCKED as a pre-active side state
// entered when the participant limit is reached.
type RoomStatus string

const (
	RoomStatusWaiting   RoomStatus = "WAITING"
	RoomStatusActive    RoomStatus = "ACTIVE"
	RoomStatusLocked    RoomStatus = "LOCKED"
	RoomStatusCompleted RoomStatus = "COMPLETED"
)

// AttemptMode decides how participants are clocked within a room.
type AttemptMode string

const (
	// ModeSynchronized means every participant shares the room's start time
	// and deadline.
	ModeSynchronized AttemptMode = "SYNCHRONIZED"
	// ModeIndependent means activation only unlocks the room; each
	// participant is clocked from their own attempt start.
	ModeIndependent AttemptMode = "INDEPENDENT"
)

// Valid reports whether m is one of the two known modes.
func (m AttemptMode) Valid() bool {
	return m == ModeSynchronized || m == ModeIndependent
}

// ClockAnchor returns the authoritative countdown anchor for a participant:
// the room's start time in synchronized mode, the participant's own attempt
// start in independent mode. The zero time means "not started yet".
func (m AttemptMode) ClockAnchor(room *Room, attempt *Attempt) time.Time {
	switch m {
	case ModeIndependent:
		if attempt != nil && attempt.StartedAt != nil {
			return *attempt.StartedAt
		}
		return time.Time{}
	default: // ModeSynchronized
		if room != nil && room.StartTime != nil {
			return *room.StartTime
		}
		return time.Time{}
	}
}

// Identity is how a caller identifies themselves to privileged operations.
// Different entry points carry different subsets, so both fields are
// optional but at least one must be set.
type Identity struct {
	UserID string
	Email  string
}

func (id Identity) IsZero() bool {
	return id.UserID == "" && id.Email == ""
}

// Room is a bounded, shareable test session.
type Room struct {
	Code             string
	ExamID           string
	Status           RoomStatus
	Mode             AttemptMode
	HostID           string
	HostEmail        string
	StartTime        *time.Time
	DurationMinutes  int
	Private          bool
	Password         string
	ParticipantLimit int // 0 = unlimited
	CreatedAt        time.Time
	EndedAt          *time.Time
}

// IsHost is the canonical host comparison used by every privileged
// operation: user IDs win when both sides carry one, otherwise fall back to
// a case-insensitive email match.
func (r *Room) IsHost(id Identity) bool {
	if id.UserID != "" && r.HostID != "" {
		return id.UserID == r.HostID
	}
	if id.Email != "" && r.HostEmail != "" {
		return strings.EqualFold(id.Email, r.HostEmail)
	}
	return false
}

// Joinable reports whether the room accepts new participants.
func (r *Room) Joinable() bool {
	return r.Status == RoomStatusWaiting
}

// Deadline returns the shared deadline of a synchronized room, or the zero
// time if the room has not started.
func (r *Room) Deadline() time.Time {
	if r.StartTime == nil {
		return time.Time{}
	}
	return r.StartTime.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// ParticipantRole distinguishes the single host from everyone else.
type ParticipantRole string

const (
	RoleHost   ParticipantRole = "HOST"
	RoleMember ParticipantRole = "MEMBER"
)

// Participant is a user's membership in a room.
type Participant struct {
	UserID   string
	Email    string
	Role     ParticipantRole
	JoinedAt time.Time
}

// AttemptStatus is the per-participant sub-state used by independent mode
// and by the submission aggregate.
type AttemptStatus string

const (
	AttemptNotStarted AttemptStatus = "NOT_STARTED"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSubmitted  AttemptStatus = "SUBMITTED"
)

// Attempt tracks a participant's run through a room's question set.
type Attempt struct {
	RoomCode  string
	UserID    string
	Status    AttemptStatus
	StartedAt *time.Time
}

// RoomQuestion is an ordered assignment of a question to a room. The
// question payload itself is owned by the assessment service.
type RoomQuestion struct {
	ID         string
	Number     int
	QuestionID string
}

// Answer is a participant's progress against one RoomQuestion. There is at
// most one answer per (participant, room question); writes are full-row
// overwrites until the answer is final.
type Answer struct {
	RoomCode         string
	UserID           string
	RoomQuestionID   string
	SelectedOption   string
	AnswerText       string
	TimeSpentSeconds int
	StartedAt        time.Time
	SubmittedAt      time.Time
	// Final marks the record written by the terminal sweep; final answers
	// reject further writes.
	Final bool
}

// Empty reports whether the answer carries no response, which is how a
// never-touched question is scored deterministically.
func (a Answer) Empty() bool {
	return a.SelectedOption == "" && a.AnswerText == ""
}

// ParticipantSubmission is one row of the derived submission aggregate.
type ParticipantSubmission struct {
	UserID          string
	AnsweredCount   int
	HasSubmittedAll bool
}

// SubmissionStatus is the derived room-wide aggregate the poller watches.
// It is recomputed on demand and never cached across poll cycles.
type SubmissionStatus struct {
	RoomCode          string
	TotalParticipants int
	SubmittedCount    int
	PendingCount      int
	AllSubmitted      bool
	Submissions       []ParticipantSubmission
}

// Leaderboard is the ranked final result of a room, ordered by score
// descending then total time ascending.
type Leaderboard struct {
	RoomCode string
	Entries  []LeaderboardEntry
}

type LeaderboardEntry struct {
	Rank             int
	UserID           string
	Score            decimal.Decimal
	Accuracy         decimal.Decimal
	TotalTimeSeconds int
}
