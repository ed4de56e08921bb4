package api

import (
	"time"

	"github.com/prepverse/guildsync/internal/domain"
)

type Room struct {
	Code             string     `json:"code"`
	ExamID           string     `json:"exam_id"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	DurationMinutes  int        `json:"duration_minutes"`
	Private          bool       `json:"private"`
	ParticipantLimit int        `json:"participant_limit"`
	CreatedAt        time.Time  `json:"created_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

func roomView(r *domain.Room) Room {
	return Room{
		Code:             r.Code,
		ExamID:           r.ExamID,
		Status:           string(r.Status),
		Mode:             string(r.Mode),
		StartTime:        r.StartTime,
		DurationMinutes:  r.DurationMinutes,
		Private:          r.Private,
		ParticipantLimit: r.ParticipantLimit,
		CreatedAt:        r.CreatedAt,
		EndedAt:          r.EndedAt,
	}
}

type Participant struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email,omitempty"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func participantView(p domain.Participant) Participant {
	return Participant{
		UserID:   p.UserID,
		Email:    p.Email,
		Role:     string(p.Role),
		JoinedAt: p.JoinedAt,
	}
}

type Question struct {
	RoomQuestionID string `json:"room_question_id"`
	QuestionNumber int    `json:"question_number"`
	QuestionID     string `json:"question_id"`
}

type SubmissionStatus struct {
	TotalParticipants int                     `json:"total_participants"`
	SubmittedCount    int                     `json:"submitted_count"`
	PendingCount      int                     `json:"pending_count"`
	AllSubmitted      bool                    `json:"all_submitted"`
	Submissions       []ParticipantSubmission `json:"submissions"`
}

type ParticipantSubmission struct {
	UserID          string `json:"user_id"`
	AnsweredCount   int    `json:"answered_count"`
	HasSubmittedAll bool   `json:"has_submitted_all"`
}

func submissionView(st *domain.SubmissionStatus) SubmissionStatus {
	out := SubmissionStatus{
		TotalParticipants: st.TotalParticipants,
		SubmittedCount:    st.SubmittedCount,
		PendingCount:      st.PendingCount,
		AllSubmitted:      st.AllSubmitted,
		Submissions:       make([]ParticipantSubmission, 0, len(st.Submissions)),
	}
	for _, s := range st.Submissions {
		out.Submissions = append(out.Submissions, ParticipantSubmission{
			UserID:          s.UserID,
			AnsweredCount:   s.AnsweredCount,
			HasSubmittedAll: s.HasSubmittedAll,
		})
	}
	return out
}

type Leaderboard struct {
	RoomCode string             `json:"room_code"`
	Entries  []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	Rank             int    `json:"rank"`
	UserID           string `json:"user_id"`
	Score            string `json:"score"`
	Accuracy         string `json:"accuracy"`
	TotalTimeSeconds int    `json:"total_time_seconds"`
}

func leaderboardView(lb *domain.Leaderboard) Leaderboard {
	out := Leaderboard{
		RoomCode: lb.RoomCode,
		Entries:  make([]LeaderboardEntry, 0, len(lb.Entries)),
	}
	for _, e := range lb.Entries {
		out.Entries = append(out.Entries, LeaderboardEntry{
			Rank:             e.Rank,
			UserID:           e.UserID,
			Score:            e.Score.String(),
			Accuracy:         e.Accuracy.String(),
			TotalTimeSeconds: e.TotalTimeSeconds,
		})
	}
	return out
}
