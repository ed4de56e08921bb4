package room

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepverse/guildsync/internal/domain"
	"github.com/prepverse/guildsync/internal/errors"
)

const codeUniqueViolation = "23505"

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *domain.Room, host *domain.Participant, questions []domain.RoomQuestion) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insRoomStmt = `
INSERT INTO rooms (code, exam_id, status, mode, host_id, host_email, duration_minutes, private, password, participant_limit, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
		insParticipantStmt = `
INSERT INTO participants (room_code, user_id, email, role, joined_at) VALUES ($1, $2, $3, $4, $5);`
		insQuestionStmt = `
INSERT INTO room_questions (id, room_code, question_number, question_id) VALUES ($1, $2, $3, $4);`
	)

	_, err = tx.Exec(ctx, insRoomStmt,
		room.Code, room.ExamID, room.Status, room.Mode, room.HostID, room.HostEmail,
		room.DurationMinutes, room.Private, room.Password, room.ParticipantLimit, room.CreatedAt)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("room code taken: %s", room.Code),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	_, err = tx.Exec(ctx, insParticipantStmt, room.Code, host.UserID, host.Email, host.Role, host.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert host participant: %w", err)
	}

	for _, q := range questions { // TODO: batch insert
		_, err = tx.Exec(ctx, insQuestionStmt, q.ID, room.Code, q.Number, q.QuestionID)
		if err != nil {
			return fmt.Errorf("insert room question: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	const stmt = `
SELECT code, exam_id, status, mode, host_id, host_email, start_time, duration_minutes, private, password, participant_limit, created_at, ended_at
FROM rooms WHERE code = $1;`

	var r domain.Room
	err := s.db.QueryRow(ctx, stmt, code).Scan(
		&r.Code, &r.ExamID, &r.Status, &r.Mode, &r.HostID, &r.HostEmail,
		&r.StartTime, &r.DurationMinutes, &r.Private, &r.Password,
		&r.ParticipantLimit, &r.CreatedAt, &r.EndedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found: %s", code))
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	return &r, nil
}

func (s *PostgresStore) ListRoomsByStatus(ctx context.Context, status domain.RoomStatus) ([]domain.Room, error) {
	const stmt = `
SELECT code, exam_id, status, mode, host_id, host_email, start_time, duration_minutes, private, password, participant_limit, created_at, ended_at
FROM rooms WHERE status = $1;`

	rows, err := s.db.Query(ctx, stmt, status)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Room, error) {
		var r domain.Room
		err := row.Scan(&r.Code, &r.ExamID, &r.Status, &r.Mode, &r.HostID, &r.HostEmail,
			&r.StartTime, &r.DurationMinutes, &r.Private, &r.Password,
			&r.ParticipantLimit, &r.CreatedAt, &r.EndedAt)
		return r, err
	})
}

func (s *PostgresStore) ActivateRoom(ctx context.Context, code string, at time.Time) (bool, error) {
	const stmt = `
UPDATE rooms SET status = $1, start_time = $2
WHERE code = $3 AND status IN ($4, $5) AND start_time IS NULL;`

	tag, err := s.db.Exec(ctx, stmt,
		domain.RoomStatusActive, at, code, domain.RoomStatusWaiting, domain.RoomStatusLocked)
	if err != nil {
		return false, fmt.Errorf("activate room: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteRoom(ctx context.Context, code string, at time.Time) (bool, error) {
	const stmt = `
UPDATE rooms SET status = $1, ended_at = $2 WHERE code = $3 AND status = $4;`

	tag, err := s.db.Exec(ctx, stmt, domain.RoomStatusCompleted, at, code, domain.RoomStatusActive)
	if err != nil {
		return false, fmt.Errorf("complete room: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SwapStatus(ctx context.Context, code string, from, to domain.RoomStatus) (bool, error) {
	const stmt = `UPDATE rooms SET status = $1 WHERE code = $2 AND status = $3;`

	tag, err := s.db.Exec(ctx, stmt, to, code, from)
	if err != nil {
		return false, fmt.Errorf("swap status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, code string, p *domain.Participant, limit int) (_ int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// Lock the room row so concurrent joins serialize against the limit.
	if _, err = tx.Exec(ctx, `SELECT 1 FROM rooms WHERE code = $1 FOR UPDATE;`, code); err != nil {
		return 0, fmt.Errorf("lock room: %w", err)
	}

	var count int
	const countStmt = `SELECT COUNT(*) FROM participants WHERE room_code = $1 AND role <> $2;`
	if err = tx.QueryRow(ctx, countStmt, code, domain.RoleHost).Scan(&count); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}

	var exists bool
	const existsStmt = `SELECT EXISTS (SELECT 1 FROM participants WHERE room_code = $1 AND user_id = $2);`
	if err = tx.QueryRow(ctx, existsStmt, code, p.UserID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check membership: %w", err)
	}
	if exists {
		return count, tx.Commit(ctx)
	}

	if limit > 0 && count >= limit {
		return count, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room is full: %s", code))
	}

	const insStmt = `INSERT INTO participants (room_code, user_id, email, role, joined_at) VALUES ($1, $2, $3, $4, $5);`
	if _, err = tx.Exec(ctx, insStmt, code, p.UserID, p.Email, p.Role, p.JoinedAt); err != nil {
		return 0, fmt.Errorf("insert participant: %w", err)
	}

	return count + 1, tx.Commit(ctx)
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, code, userID string) (bool, error) {
	const stmt = `DELETE FROM participants WHERE room_code = $1 AND user_id = $2 AND role <> $3;`

	tag, err := s.db.Exec(ctx, stmt, code, userID, domain.RoleHost)
	if err != nil {
		return false, fmt.Errorf("remove participant: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, code string) ([]domain.Participant, error) {
	const stmt = `
SELECT user_id, email, role, joined_at FROM participants WHERE room_code = $1 ORDER BY joined_at;`

	rows, err := s.db.Query(ctx, stmt, code)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Participant, error) {
		var p domain.Participant
		err := row.Scan(&p.UserID, &p.Email, &p.Role, &p.JoinedAt)
		return p, err
	})
}

func (s *PostgresStore) ListQuestions(ctx context.Context, code string) ([]domain.RoomQuestion, error) {
	const stmt = `
SELECT id, question_number, question_id FROM room_questions WHERE room_code = $1 ORDER BY question_number;`

	rows, err := s.db.Query(ctx, stmt, code)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RoomQuestion, error) {
		var q domain.RoomQuestion
		err := row.Scan(&q.ID, &q.Number, &q.QuestionID)
		return q, err
	})
}
