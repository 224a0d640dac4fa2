package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
)

// Inbound operation types (client -> server).
const (
	OpMessageSend    = "message:send"
	OpMessageEdit    = "message:edit"
	OpMessageDelete  = "message:delete"
	OpMessageRead    = "message:read"
	OpMessageReact   = "message:react"
	OpMessageUnreact = "message:unreact"
	OpThreadJoin     = "thread:join"
	OpThreadLeave    = "thread:leave"
	OpTypingStart    = "typing:start"
	OpTypingStop     = "typing:stop"
	OpPresencePing   = "presence:ping"
)

// Outbound event types (server -> client).
const (
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventMessageEdited      = "message:edited"
	EventMessageDeleted     = "message:deleted"
	EventReactionAdded      = "message:reactionAdded"
	EventReactionRemoved    = "message:reactionRemoved"
	EventPresenceOnline     = "presence:online"
	EventPresenceOffline    = "presence:offline"
	EventPresencePong       = "presence:pong"
	EventTypingUpdate       = "typing:update"
	EventParticipantAdded   = "thread:participantAdded"
	EventParticipantRemoved = "thread:participantRemoved"
	EventParticipantUpdated = "thread:participantUpdated"
	EventAck                = "ack"
	EventError              = "error"
)

// Event is the wire envelope in both directions: a type tag and a payload.
// Outbound events are marshaled once and the same bytes go to every
// connection in the room and into missed-event queues.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Encode marshals the envelope. The encoded form is what rooms fan out and
// what replay queues store, so replayed events are byte-identical to live ones.
func (e *Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return raw, nil
}

// inboundFrame is the decoded shape of a client request; the payload is
// deferred so each handler can unmarshal its own type.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// --- inbound payloads ---

type SendRequest struct {
	Content  string    `json:"content"`
	ThreadID uuid.UUID `json:"threadId"`
	TempID   string    `json:"tempId,omitempty"`
	ParentID *int64    `json:"parentId,omitempty"`
	// Attachments are metadata for files the client already pushed to blob
	// storage; the upload endpoint handed back these URLs.
	Attachments []AttachmentUpload `json:"attachments,omitempty"`
}

type AttachmentUpload struct {
	URL       string `json:"url"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

type EditRequest struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

type MessageRef struct {
	MessageID int64 `json:"messageId"`
}

type ReactRequest struct {
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ThreadRef struct {
	ThreadID uuid.UUID `json:"threadId"`
}

// --- outbound payloads ---

type MessageNewPayload struct {
	Message models.Message `json:"message"`
	TempID  string         `json:"tempId,omitempty"`
	// Attachment metadata only; the bytes live behind the URLs.
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

type MessageStatusPayload struct {
	MessageID int64                `json:"messageId"`
	ThreadID  uuid.UUID            `json:"threadId"`
	Status    models.MessageStatus `json:"status"`
}

type MessagePayload struct {
	Message models.Message `json:"message"`
}

type ReactionPayload struct {
	MessageID int64     `json:"messageId"`
	ThreadID  uuid.UUID `json:"threadId"`
	UserID    uuid.UUID `json:"userId"`
	Emoji     string    `json:"emoji"`
}

type PresencePayload struct {
	UserID   uuid.UUID  `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type PongPayload struct {
	OnlineUsers []uuid.UUID          `json:"onlineUsers"`
	LastSeen    map[string]time.Time `json:"lastSeenTimes"`
}

type TypingPayload struct {
	ThreadID uuid.UUID   `json:"threadId"`
	Users    []uuid.UUID `json:"users"`
}

type ParticipantPayload struct {
	ThreadID uuid.UUID `json:"threadId"`
	UserID   uuid.UUID `json:"userId"`
	Role     string    `json:"role,omitempty"`
}

type AckPayload struct {
	Op        string `json:"op"`
	TempID    string `json:"tempId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
}

type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Op                string `json:"op,omitempty"`
	TempID            string `json:"tempId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}
