package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a person with an account. The identity provider issues the
// credentials; we keep a local row so messages can reference a sender.
// PasswordHash never leaves the server (json:"-").
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Thread is a conversation (direct or group). IsGroup drives UI treatment
// only; authorization always goes through thread_participants.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatorID uuid.UUID `json:"creator_id"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant roles. A plain string column validated at the handler layer,
// same approach as the rest of the model package.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// ThreadParticipant is the join table between threads and users.
//
// LeftAt is the soft-departure marker: a participant who leaves keeps the
// row with LeftAt set so message history stays attributable, but an active
// membership check is "LeftAt IS NULL". Re-joining clears it.
type ThreadParticipant struct {
	ThreadID uuid.UUID  `json:"thread_id"`
	UserID   uuid.UUID  `json:"user_id"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Active reports whether this participant may currently read and write
// the thread.
func (p *ThreadParticipant) Active() bool {
	return p.LeftAt == nil
}

// MessageStatus is the thread-wide delivery lifecycle of a message.
//
// The client-local "sending" state never reaches the server; the first
// state we persist is StatusSent. Transitions only move forward:
// sent -> delivered -> read. StatusFailed is terminal and only reachable
// before a successful persist.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders statuses so promotion can be made monotonic with a single
// comparison. Failed is outside the forward chain.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next is a forward
// transition. read never regresses to delivered or sent.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Message is a single chat message in a thread.
//
// ID is bigserial (int64), not UUID: messages are the highest-volume table,
// and a monotonically increasing integer doubles as the pagination cursor
// and as the ordering key for replay.
//
// Deleted is a soft flag: the body is replaced, the row stays, so history
// and moderation remain possible.
type Message struct {
	ID        int64         `json:"id"`
	ThreadID  uuid.UUID     `json:"thread_id"`
	SenderID  uuid.UUID     `json:"sender_id"`
	Body      string        `json:"body"`
	ParentID  *int64        `json:"parent_id,omitempty"`
	Status    MessageStatus `json:"status"`
	Deleted   bool          `json:"deleted"`
	EditedAt  *time.Time    `json:"edited_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Reaction is one emoji from one user on one message. The store enforces
// uniqueness on (message_id, user_id, emoji) so reacting twice is a no-op.
type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment is file metadata carried alongside a message. The bytes live
// in blob storage; we only ever see the URL the upload endpoint returned.
type Attachment struct {
	ID        uuid.UUID `json:"id"`
	MessageID int64     `json:"message_id"`
	URL       string    `json:"url"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
}
