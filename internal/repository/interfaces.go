package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
)

// Every method takes a context as its first parameter: repositories do I/O,
// and cancellation from the HTTP request or websocket operation deadline
// must reach the query.

// ThreadRepository defines the contract for thread data operations.
type ThreadRepository interface {
	// Create inserts a new thread and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, title string, creatorID uuid.UUID, isGroup bool) (*models.Thread, error)

	// GetByID returns a single thread. Returns nil, nil if not found.
	GetByID(ctx context.Context, threadID uuid.UUID) (*models.Thread, error)

	// ListByUser returns the threads a user actively participates in, newest first.
	// Returns empty slice (not nil) so JSON serializes to [] not null.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Thread, error)
}

// ParticipantRepository handles who belongs to which thread.
type ParticipantRepository interface {
	// Add adds a user to a thread with the given role. Re-adding a departed
	// participant reactivates the existing row (clears left_at).
	Add(ctx context.Context, threadID, userID uuid.UUID, role string) error

	// Remove marks a participant as departed. No-op if not a member.
	Remove(ctx context.Context, threadID, userID uuid.UUID) error

	// SetRole updates a participant's role.
	SetRole(ctx context.Context, threadID, userID uuid.UUID, role string) error

	// ListActive returns the active participants of a thread.
	ListActive(ctx context.Context, threadID uuid.UUID) ([]models.ThreadParticipant, error)

	// IsActive checks if a user is an active (non-departed) participant.
	// Hot-path check — called before every send and room join.
	IsActive(ctx context.Context, threadID, userID uuid.UUID) (bool, error)

	// ThreadIDsOf returns every thread the user actively participates in.
	// Used to join a fresh connection to all of its rooms.
	ThreadIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// MessageRepository handles chat message persistence and status transitions.
type MessageRepository interface {
	// Create persists a message with status sent and returns it with ID and
	// CreatedAt populated.
	Create(ctx context.Context, threadID, senderID uuid.UUID, body string, parentID *int64) (*models.Message, error)

	// GetByID returns a message. Returns nil, nil if not found.
	GetByID(ctx context.Context, messageID int64) (*models.Message, error)

	// UpdateBody edits a message body and stamps edited_at.
	UpdateBody(ctx context.Context, messageID int64, body string) (*models.Message, error)

	// SoftDelete replaces the body and sets the deleted flag; the row stays.
	SoftDelete(ctx context.Context, messageID int64) (*models.Message, error)

	// AdvanceStatus moves a message's status forward. It is a conditional
	// update: the status only changes if next is a forward transition, so a
	// late delivered can never overwrite read. Returns the resulting status
	// and whether this call changed it.
	AdvanceStatus(ctx context.Context, messageID int64, next models.MessageStatus) (models.MessageStatus, bool, error)

	// ListByThread returns messages in a thread, newest first.
	// Cursor-based pagination: before=0 means "from the top" (latest).
	ListByThread(ctx context.Context, threadID uuid.UUID, before int64, limit int) ([]models.Message, error)
}

// ReactionRepository handles emoji reactions.
type ReactionRepository interface {
	// Add inserts a reaction; idempotent on (message, user, emoji).
	Add(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error

	// Remove deletes a reaction. No-op if absent.
	Remove(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error

	// ListByMessage returns all reactions on a message.
	ListByMessage(ctx context.Context, messageID int64) ([]models.Reaction, error)
}

// AttachmentRepository handles attachment metadata. The bytes live in blob
// storage; only the URL and content facts are persisted here.
type AttachmentRepository interface {
	// CreateBatch persists attachment metadata rows for a message.
	CreateBatch(ctx context.Context, messageID int64, attachments []models.Attachment) ([]models.Attachment, error)

	// ListByMessage returns a message's attachment metadata.
	ListByMessage(ctx context.Context, messageID int64) ([]models.Attachment, error)
}

// UserRepository handles user data.
type UserRepository interface {
	// Create inserts a user and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error)

	// GetByID returns a user by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)

	// GetByEmail returns a user by email. Returns nil, nil if not found.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
