package domain

const (
	EventNameRoomStarted          = "room.started"
	EventNameRoomEnded            = "room.ended"
	EventNameAttemptStarted       = "attempt.started"
	EventNameAttemptSubmitted     = "attempt.submitted"
	EventNameSubmissionsConverged = "submissions.converged"
	EventNameLeaderboardResolved  = "leaderboard.resolved"
)

type EventRoomStarted struct {
	Room Room
}

func (EventRoomStarted) Name() string { return EventNameRoomStarted }

// EventRoomEnded fires on host-forced end as well as natural completion.
type EventRoomEnded struct {
	Room Room
	// Forced is true when the host ended the room before every participant
	// submitted; it lifts the leaderboard embargo.
	Forced bool
}

func (EventRoomEnded) Name() string { return EventNameRoomEnded }

type EventAttemptStarted struct {
	Room    Room
	Attempt Attempt
}

func (EventAttemptStarted) Name() string { return EventNameAttemptStarted }

type EventAttemptSubmitted struct {
	Attempt Attempt
}

func (EventAttemptSubmitted) Name() string { return EventNameAttemptSubmitted }

// EventSubmissionsConverged fires exactly once per room, when every
// participant's submission is accounted for.
type EventSubmissionsConverged struct {
	Status SubmissionStatus
}

func (EventSubmissionsConverged) Name() string { return EventNameSubmissionsConverged }

type EventLeaderboardResolved struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardResolved) Name() string { return EventNameLeaderboardResolved }
