package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/threadcast/internal/models"
)

type AttachmentStore struct {
	pool *pgxpool.Pool
}

func NewAttachmentStore(pool *pgxpool.Pool) *AttachmentStore {
	return &AttachmentStore{pool: pool}
}

func (s *AttachmentStore) CreateBatch(ctx context.Context, messageID int64, attachments []models.Attachment) ([]models.Attachment, error) {
	query := `
		INSERT INTO attachments (id, message_id, url, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, message_id, url, mime_type, size_bytes`

	created := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		var out models.Attachment
		err := s.pool.QueryRow(ctx, query, uuid.New(), messageID, a.URL, a.MimeType, a.SizeBytes).Scan(
			&out.ID,
			&out.MessageID,
			&out.URL,
			&out.MimeType,
			&out.SizeBytes,
		)
		if err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
		created = append(created, out)
	}
	return created, nil
}

func (s *AttachmentStore) ListByMessage(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	query := `
		SELECT id, message_id, url, mime_type, size_bytes
		FROM attachments
		WHERE message_id = $1`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]models.Attachment, 0)
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.URL, &a.MimeType, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}

	return attachments, nil
}
