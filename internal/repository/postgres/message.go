package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/threadcast/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `id, thread_id, sender_id, body, parent_id, status, deleted, edited_at, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Body,
		&msg.ParentID,
		&msg.Status,
		&msg.Deleted,
		&msg.EditedAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageStore) Create(ctx context.Context, threadID, senderID uuid.UUID, body string, parentID *int64) (*models.Message, error) {
	// Messages use bigserial, so Postgres assigns the ID. The row is born
	// with status 'sent' — the client-local "sending" state never reaches us.
	query := `
		INSERT INTO messages (thread_id, sender_id, body, parent_id, status, created_at)
		VALUES ($1, $2, $3, $4, 'sent', now())
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, threadID, senderID, body, parentID))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) UpdateBody(ctx context.Context, messageID int64, body string) (*models.Message, error) {
	query := `
		UPDATE messages
		SET body = $2, edited_at = now()
		WHERE id = $1 AND NOT deleted
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID, body))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update message body: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, messageID int64) (*models.Message, error) {
	// The body is replaced rather than removed so moderation can still see
	// that a message existed and who sent it.
	query := `
		UPDATE messages
		SET body = '', deleted = TRUE
		WHERE id = $1
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("soft delete message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) AdvanceStatus(ctx context.Context, messageID int64, next models.MessageStatus) (models.MessageStatus, bool, error) {
	// Forward-only promotion enforced in SQL, not in application code:
	// concurrent read and delivered acks race, and the conditional update
	// makes the row itself reject any regression. The CASE ranks the
	// lifecycle sent < delivered < read.
	query := `
		UPDATE messages
		SET status = $2
		WHERE id = $1
		  AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
		    < CASE $2::text WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

	tag, err := s.pool.Exec(ctx, query, messageID, string(next))
	if err != nil {
		return "", false, fmt.Errorf("advance message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already at or past the requested status; read back the current one.
		var current models.MessageStatus
		err := s.pool.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, messageID).Scan(&current)
		if err == pgx.ErrNoRows {
			return "", false, fmt.Errorf("advance message status: message %d not found", messageID)
		}
		if err != nil {
			return "", false, fmt.Errorf("read message status: %w", err)
		}
		return current, false, nil
	}
	return next, true, nil
}

func (s *MessageStore) ListByThread(ctx context.Context, threadID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	// Cursor pagination on the bigserial ID: before=0 is the first page
	// (newest), before=N is "older than message N".
	var query string
	var args []any

	if before > 0 {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE thread_id = $1 AND id < $2
			ORDER BY id DESC
			LIMIT $3`
		args = []any{threadID, before, limit}
	} else {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE thread_id = $1
			ORDER BY id DESC
			LIMIT $2`
		args = []any{threadID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
