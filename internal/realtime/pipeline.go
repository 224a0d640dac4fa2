package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
	"github.com/lalith-99/threadcast/internal/repository"
	"go.uber.org/zap"
)

// Pipeline runs the message lifecycle: validate, authorize, persist, then
// broadcast, with delivery-status promotion behind it.
//
// The per-message state machine is sent -> delivered -> read, forward-only,
// with failed reachable only before a successful persist. One status per
// message approximates per-recipient delivery: a message counts as
// delivered as soon as any other participant is online. Precise receipts
// would need a (message, user) receipt table, which we have deliberately
// not taken on.
//
// Persist-then-broadcast is serialized per thread (never globally) so room
// broadcasts observe the same order as their committed writes. Everything
// after a successful persist runs on an uncancelable context: a client that
// vanishes mid-operation gets a sent message, never a half-applied one.
type Pipeline struct {
	messages     repository.MessageRepository
	participants repository.ParticipantRepository
	reactions    repository.ReactionRepository
	attachments  repository.AttachmentRepository

	limiter  *RateLimiter
	rooms    *Rooms
	presence *Presence
	logger   *zap.Logger

	opTimeout time.Duration
	maxBytes  int

	threadLocks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewPipeline(
	messages repository.MessageRepository,
	participants repository.ParticipantRepository,
	reactions repository.ReactionRepository,
	attachments repository.AttachmentRepository,
	limiter *RateLimiter,
	rooms *Rooms,
	presence *Presence,
	opTimeout time.Duration,
	maxBytes int,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		messages:     messages,
		participants: participants,
		reactions:    reactions,
		attachments:  attachments,
		limiter:      limiter,
		rooms:        rooms,
		presence:     presence,
		opTimeout:    opTimeout,
		maxBytes:     maxBytes,
		logger:       logger,
	}
}

func (p *Pipeline) threadLock(threadID uuid.UUID) *sync.Mutex {
	v, _ := p.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Send runs the full delivery flow for a new message:
// rate check, validation, authorization, persist as sent, broadcast
// message:new with the client's tempId for correlation, then promote to
// delivered if any other participant is online right now.
func (p *Pipeline) Send(ctx context.Context, senderID uuid.UUID, req SendRequest) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	if d := p.limiter.CheckAndConsume(ctx, senderID, ActionSend); !d.Allowed {
		return nil, errRateLimited(d.RetryAfter)
	}

	content, verr := sanitizeContent(req.Content, p.maxBytes)
	if verr != nil {
		return nil, verr
	}

	active, err := p.participants.IsActive(ctx, req.ThreadID, senderID)
	if err != nil {
		return nil, errInternal(err)
	}
	if !active {
		return nil, errAccessDenied("not a participant of this thread")
	}

	if req.ParentID != nil {
		parent, err := p.messages.GetByID(ctx, *req.ParentID)
		if err != nil {
			return nil, errInternal(err)
		}
		if parent == nil || parent.ThreadID != req.ThreadID {
			return nil, errValidation("parent message not found in this thread")
		}
	}

	// From here on, one sender at a time per thread: the broadcast order
	// must match the commit order, and interleaving persists with
	// broadcasts across goroutines would break it. The lock covers exactly
	// persist+broadcast and is released before the delivery promotion,
	// which takes it again through advanceAndBroadcast.
	lock := p.threadLock(req.ThreadID)
	lock.Lock()

	msg, err := p.messages.Create(ctx, req.ThreadID, senderID, content, req.ParentID)
	if err != nil {
		lock.Unlock()
		// Persistence failed before anything was visible: reported to the
		// sender only, client keeps its optimistic entry for manual retry.
		return nil, errInternal(err)
	}

	// The message is durable now. Cancellation no longer rolls anything
	// back, so finish the fan-out even if the sender's context dies.
	ctx = context.WithoutCancel(ctx)

	var attachments []models.Attachment
	if len(req.Attachments) > 0 {
		uploads := make([]models.Attachment, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			uploads = append(uploads, models.Attachment{URL: a.URL, MimeType: a.MimeType, SizeBytes: a.SizeBytes})
		}
		attachments, err = p.attachments.CreateBatch(ctx, msg.ID, uploads)
		if err != nil {
			// The message itself made it; ship it without the metadata.
			p.logger.Error("attachment metadata persist failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			attachments = nil
		}
	}

	p.broadcast(ctx, msg.ThreadID, &Event{
		Type: EventMessageNew,
		Payload: MessageNewPayload{
			Message:     *msg,
			TempID:      req.TempID,
			Attachments: attachments,
		},
	}, senderID)
	lock.Unlock()

	p.promoteDelivered(ctx, msg, senderID)
	return msg, nil
}

// promoteDelivered advances a freshly sent message to delivered when at
// least one participant other than the author is online anywhere in the
// cluster. If nobody is, the message stays sent until a reconnect drains it
// (ConfirmDelivery).
func (p *Pipeline) promoteDelivered(ctx context.Context, msg *models.Message, senderID uuid.UUID) {
	participants, err := p.participants.ListActive(ctx, msg.ThreadID)
	if err != nil {
		p.logger.Warn("cannot list participants for delivery promotion",
			zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}

	anyOnline := false
	for _, part := range participants {
		if part.UserID == senderID {
			continue
		}
		if p.presence.IsOnline(ctx, part.UserID) {
			anyOnline = true
			break
		}
	}
	if !anyOnline {
		return
	}

	p.advanceAndBroadcast(ctx, msg.ID, msg.ThreadID, models.StatusDelivered)
}

// ConfirmDelivery treats a replayed message as delivered to the
// reconnecting participant: each drained message the user did not author is
// promoted to delivered (a no-op if it moved past that already).
func (p *Pipeline) ConfirmDelivery(ctx context.Context, userID uuid.UUID, messageIDs []int64) {
	for _, id := range messageIDs {
		msg, err := p.messages.GetByID(ctx, id)
		if err != nil || msg == nil {
			continue
		}
		if msg.SenderID == userID {
			continue
		}
		p.advanceAndBroadcast(ctx, msg.ID, msg.ThreadID, models.StatusDelivered)
	}
}

// MarkRead handles an explicit read acknowledgment from a recipient. Once
// read, the status never regresses — the store's conditional update
// enforces that even against concurrent acks.
func (p *Pipeline) MarkRead(ctx context.Context, userID uuid.UUID, messageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return errInternal(err)
	}
	if msg == nil {
		return errNotFound("message not found")
	}
	if err := p.requireParticipant(ctx, msg.ThreadID, userID); err != nil {
		return err
	}
	if msg.SenderID == userID {
		// Reading your own message is not a receipt.
		return nil
	}

	p.advanceAndBroadcast(context.WithoutCancel(ctx), msg.ID, msg.ThreadID, models.StatusRead)
	return nil
}

func (p *Pipeline) advanceAndBroadcast(ctx context.Context, messageID int64, threadID uuid.UUID, next models.MessageStatus) {
	lock := p.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	status, changed, err := p.messages.AdvanceStatus(ctx, messageID, next)
	if err != nil {
		p.logger.Warn("status promotion failed",
			zap.Int64("message_id", messageID),
			zap.String("next", string(next)),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}

	p.broadcast(ctx, threadID, &Event{
		Type: EventMessageStatus,
		Payload: MessageStatusPayload{
			MessageID: messageID,
			ThreadID:  threadID,
			Status:    status,
		},
	}, uuid.Nil)
}

// Edit rewrites a message body. Author-only; the same validate, persist,
// broadcast shape as a send.
func (p *Pipeline) Edit(ctx context.Context, userID uuid.UUID, req EditRequest) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	content, verr := sanitizeContent(req.Content, p.maxBytes)
	if verr != nil {
		return nil, verr
	}

	msg, err := p.loadAuthored(ctx, userID, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, errNotFound("message was deleted")
	}

	lock := p.threadLock(msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := p.messages.UpdateBody(ctx, msg.ID, content)
	if err != nil {
		return nil, errInternal(err)
	}
	if updated == nil {
		return nil, errNotFound("message was deleted")
	}

	p.broadcast(context.WithoutCancel(ctx), updated.ThreadID, &Event{
		Type:    EventMessageEdited,
		Payload: MessagePayload{Message: *updated},
	}, uuid.Nil)
	return updated, nil
}

// Delete soft-deletes a message: the body is blanked and the row flagged,
// keeping history and moderation possible. Author-only.
func (p *Pipeline) Delete(ctx context.Context, userID uuid.UUID, messageID int64) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	msg, err := p.loadAuthored(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	lock := p.threadLock(msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	deleted, err := p.messages.SoftDelete(ctx, msg.ID)
	if err != nil {
		return nil, errInternal(err)
	}
	if deleted == nil {
		return nil, errNotFound("message not found")
	}

	p.broadcast(context.WithoutCancel(ctx), deleted.ThreadID, &Event{
		Type:    EventMessageDeleted,
		Payload: MessagePayload{Message: *deleted},
	}, uuid.Nil)
	return deleted, nil
}

// React records an emoji reaction and broadcasts it. Any active participant
// of the thread may react, not just the author.
func (p *Pipeline) React(ctx context.Context, userID uuid.UUID, req ReactRequest) error {
	return p.reaction(ctx, userID, req, true)
}

// Unreact removes a previously added reaction.
func (p *Pipeline) Unreact(ctx context.Context, userID uuid.UUID, req ReactRequest) error {
	return p.reaction(ctx, userID, req, false)
}

func (p *Pipeline) reaction(ctx context.Context, userID uuid.UUID, req ReactRequest, add bool) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	emoji, verr := sanitizeEmoji(req.Emoji)
	if verr != nil {
		return verr
	}

	msg, err := p.messages.GetByID(ctx, req.MessageID)
	if err != nil {
		return errInternal(err)
	}
	if msg == nil {
		return errNotFound("message not found")
	}
	if err := p.requireParticipant(ctx, msg.ThreadID, userID); err != nil {
		return err
	}

	lock := p.threadLock(msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	eventType := EventReactionAdded
	if add {
		err = p.reactions.Add(ctx, msg.ID, userID, emoji)
	} else {
		err = p.reactions.Remove(ctx, msg.ID, userID, emoji)
		eventType = EventReactionRemoved
	}
	if err != nil {
		return errInternal(err)
	}

	p.broadcast(context.WithoutCancel(ctx), msg.ThreadID, &Event{
		Type: eventType,
		Payload: ReactionPayload{
			MessageID: msg.ID,
			ThreadID:  msg.ThreadID,
			UserID:    userID,
			Emoji:     emoji,
		},
	}, uuid.Nil)
	return nil
}

func (p *Pipeline) loadAuthored(ctx context.Context, userID uuid.UUID, messageID int64) (*models.Message, error) {
	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, errInternal(err)
	}
	if msg == nil {
		return nil, errNotFound("message not found")
	}
	if msg.SenderID != userID {
		return nil, errAccessDenied("only the author may modify a message")
	}
	return msg, nil
}

func (p *Pipeline) requireParticipant(ctx context.Context, threadID, userID uuid.UUID) error {
	active, err := p.participants.IsActive(ctx, threadID, userID)
	if err != nil {
		return errInternal(err)
	}
	if !active {
		return errAccessDenied("not a participant of this thread")
	}
	return nil
}

func (p *Pipeline) broadcast(ctx context.Context, threadID uuid.UUID, ev *Event, skipQueueFor uuid.UUID) {
	err := p.rooms.Broadcast(ctx, threadID, ev, BroadcastOpts{SkipQueueFor: skipQueueFor})
	if err != nil {
		// Persistence already succeeded; a fan-out hiccup is treated as
		// success for the sender and logged for operators.
		p.logger.Error("broadcast failed after persist",
			zap.String("thread_id", threadID.String()),
			zap.String("event", ev.Type),
			zap.Error(err))
	}
}
