package attempt

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
)

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertAnswer(ctx context.Context, a *domain.Answer) (bool, error) {
	// Full-row overwrite keyed by (participant, question). A finalized row
	// only accepts further final writes, which keeps the sweep idempotent
	// while rejecting late regular submissions.
	const stmt = `
INSERT INTO answers (room_code, user_id, room_question_id, selected_option, answer_text, time_spent_seconds, started_at, submitted_at, final)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (room_code, user_id, room_question_id) DO UPDATE
SET selected_option = EXCLUDED.selected_option,
    answer_text = EXCLUDED.answer_text,
    time_spent_seconds = EXCLUDED.time_spent_seconds,
    submitted_at = EXCLUDED.submitted_at,
    final = EXCLUDED.final
WHERE NOT answers.final OR EXCLUDED.final;`

	tag, err := s.db.Exec(ctx, stmt,
		a.RoomCode, a.UserID, a.RoomQuestionID, a.SelectedOption, a.AnswerText,
		a.TimeSpentSeconds, a.StartedAt, a.SubmittedAt, a.Final)
	if err != nil {
		return false, fmt.Errorf("upsert answer: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAnswers(ctx context.Context, code, userID string) ([]domain.Answer, error) {
	const stmt = `
SELECT room_code, user_id, room_question_id, selected_option, answer_text, time_spent_seconds, started_at, submitted_at, final
FROM answers WHERE room_code = $1 AND user_id = $2;`

	rows, err := s.db.Query(ctx, stmt, code, userID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	return pgx.CollectRows(rows, scanAnswer)
}

func scanAnswer(row pgx.CollectableRow) (domain.Answer, error) {
	var a domain.Answer
	err := row.Scan(&a.RoomCode, &a.UserID, &a.RoomQuestionID, &a.SelectedOption,
		&a.AnswerText, &a.TimeSpentSeconds, &a.StartedAt, &a.SubmittedAt, &a.Final)
	return a, err
}

func (s *PostgresStore) StartAttempt(ctx context.Context, code, userID string, at time.Time) (*domain.Attempt, bool, error) {
	const stmt = `
INSERT INTO attempts (room_code, user_id, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (room_code, user_id) DO NOTHING;`

	tag, err := s.db.Exec(ctx, stmt, code, userID, domain.AttemptInProgress, at)
	if err != nil {
		return nil, false, fmt.Errorf("start attempt: %w", err)
	}

	created := tag.RowsAffected() == 1
	a, err := s.GetAttempt(ctx, code, userID)
	if err != nil {
		return nil, false, err
	}

	return a, created, nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, code, userID string) (*domain.Attempt, error) {
	const stmt = `
SELECT room_code, user_id, status, started_at FROM attempts WHERE room_code = $1 AND user_id = $2;`

	var a domain.Attempt
	err := s.db.QueryRow(ctx, stmt, code, userID).Scan(&a.RoomCode, &a.UserID, &a.Status, &a.StartedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("attempt not found: room=%s user=%s", code, userID))
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	return &a, nil
}

func (s *PostgresStore) FinishAttempt(ctx context.Context, code, userID string, at time.Time) error {
	// Participants in synchronized rooms never explicitly start, so the
	// terminal transition upserts the row.
	const stmt = `
INSERT INTO attempts (room_code, user_id, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (room_code, user_id) DO UPDATE SET status = EXCLUDED.status;`

	if _, err := s.db.Exec(ctx, stmt, code, userID, domain.AttemptSubmitted, at); err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, code string) ([]domain.Attempt, error) {
	const stmt = `
SELECT room_code, user_id, status, started_at FROM attempts WHERE room_code = $1;`

	rows, err := s.db.Query(ctx, stmt, code)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Attempt, error) {
		var a domain.Attempt
		err := row.Scan(&a.RoomCode, &a.UserID, &a.Status, &a.StartedAt)
		return a, err
	})
}
