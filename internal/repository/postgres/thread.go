package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/threadcast/internal/models"
)

type ThreadStore struct {
	pool *pgxpool.Pool
}

func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

func (s *ThreadStore) Create(ctx context.Context, title string, creatorID uuid.UUID, isGroup bool) (*models.Thread, error) {
	query := `
		INSERT INTO threads (id, title, creator_id, is_group, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, title, creator_id, is_group, created_at`

	var th models.Thread
	err := s.pool.QueryRow(ctx, query, uuid.New(), title, creatorID, isGroup).Scan(
		&th.ID,
		&th.Title,
		&th.CreatorID,
		&th.IsGroup,
		&th.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return &th, nil
}

func (s *ThreadStore) GetByID(ctx context.Context, threadID uuid.UUID) (*models.Thread, error) {
	query := `
		SELECT id, title, creator_id, is_group, created_at
		FROM threads
		WHERE id = $1`

	var th models.Thread
	err := s.pool.QueryRow(ctx, query, threadID).Scan(
		&th.ID,
		&th.Title,
		&th.CreatorID,
		&th.IsGroup,
		&th.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &th, nil
}

func (s *ThreadStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Thread, error) {
	query := `
		SELECT t.id, t.title, t.creator_id, t.is_group, t.created_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id
		WHERE p.user_id = $1 AND p.left_at IS NULL
		ORDER BY t.created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		var th models.Thread
		if err := rows.Scan(&th.ID, &th.Title, &th.CreatorID, &th.IsGroup, &th.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	return threads, nil
}
