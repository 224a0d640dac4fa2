package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/threadcast/internal/models"
)

type ParticipantStore struct {
	pool *pgxpool.Pool
}

func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

func (s *ParticipantStore) Add(ctx context.Context, threadID, userID uuid.UUID, role string) error {
	// ON CONFLICT reactivates a departed participant instead of erroring:
	// "add to thread" must be idempotent, and a user who left and is re-added
	// gets their left_at cleared on the existing row.
	query := `
		INSERT INTO thread_participants (thread_id, user_id, role, joined_at, left_at)
		VALUES ($1, $2, $3, now(), NULL)
		ON CONFLICT (thread_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, left_at = NULL`

	_, err := s.pool.Exec(ctx, query, threadID, userID, role)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *ParticipantStore) Remove(ctx context.Context, threadID, userID uuid.UUID) error {
	// Soft departure: the row stays so history remains attributable.
	query := `
		UPDATE thread_participants
		SET left_at = now()
		WHERE thread_id = $1 AND user_id = $2 AND left_at IS NULL`

	_, err := s.pool.Exec(ctx, query, threadID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *ParticipantStore) SetRole(ctx context.Context, threadID, userID uuid.UUID, role string) error {
	query := `
		UPDATE thread_participants
		SET role = $3
		WHERE thread_id = $1 AND user_id = $2 AND left_at IS NULL`

	_, err := s.pool.Exec(ctx, query, threadID, userID, role)
	if err != nil {
		return fmt.Errorf("set participant role: %w", err)
	}
	return nil
}

func (s *ParticipantStore) ListActive(ctx context.Context, threadID uuid.UUID) ([]models.ThreadParticipant, error) {
	query := `
		SELECT thread_id, user_id, role, joined_at, left_at
		FROM thread_participants
		WHERE thread_id = $1 AND left_at IS NULL`

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.ThreadParticipant, 0)
	for rows.Next() {
		var p models.ThreadParticipant
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return participants, nil
}

func (s *ParticipantStore) IsActive(ctx context.Context, threadID, userID uuid.UUID) (bool, error) {
	// EXISTS stops at the first match — this runs before every send and
	// every room join, so it has to stay cheap.
	query := `
		SELECT EXISTS (
			SELECT 1 FROM thread_participants
			WHERE thread_id = $1 AND user_id = $2 AND left_at IS NULL
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, threadID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participation: %w", err)
	}
	return exists, nil
}

func (s *ParticipantStore) ThreadIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT thread_id
		FROM thread_participants
		WHERE user_id = $1 AND left_at IS NULL`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list user threads: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread ids: %w", err)
	}

	return ids, nil
}
