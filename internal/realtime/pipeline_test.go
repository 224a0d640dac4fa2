package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
)

func requestErrorCode(t *testing.T, err error) string {
	t.Helper()
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected a RequestError, got %v", err)
	}
	return reqErr.Code
}

// Alice sends to a thread where Bob is online and Carol is offline: Bob
// sees message:new with the correlation tempId followed by the delivered
// status update; Carol's missed queue replays message:new first on reconnect.
func TestSendDeliversToOnlineAndQueuesForOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	thread := uuid.New()
	for _, u := range []uuid.UUID{alice, bob, carol} {
		s.participants.Add(ctx, thread, u, models.RoleMember)
	}

	aliceConn := s.connect(t, alice)
	bobConn := s.connect(t, bob)

	msg, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "hi", ThreadID: thread, TempID: "t1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	events := drainEvents(t, bobConn)
	if len(events) != 2 {
		t.Fatalf("bob got %d events, want message:new then message:status", len(events))
	}
	if events[0].Type != EventMessageNew {
		t.Fatalf("bob's first event is %s, want %s", events[0].Type, EventMessageNew)
	}
	var newPayload MessageNewPayload
	decodePayload(t, events[0], &newPayload)
	if newPayload.TempID != "t1" {
		t.Errorf("tempId = %q, want t1", newPayload.TempID)
	}
	if newPayload.Message.Status != models.StatusSent {
		t.Errorf("broadcast status = %s, want sent", newPayload.Message.Status)
	}
	if events[1].Type != EventMessageStatus {
		t.Fatalf("bob's second event is %s, want %s", events[1].Type, EventMessageStatus)
	}
	var statusPayload MessageStatusPayload
	decodePayload(t, events[1], &statusPayload)
	if statusPayload.Status != models.StatusDelivered {
		t.Errorf("promoted status = %s, want delivered", statusPayload.Status)
	}

	// The author's other connections receive it like anyone else's.
	if got := drainEvents(t, aliceConn); len(got) != 2 {
		t.Errorf("alice's connection got %d events, want 2", len(got))
	}

	stored, _ := s.messages.GetByID(ctx, msg.ID)
	if stored.Status != models.StatusDelivered {
		t.Errorf("persisted status = %s, want delivered", stored.Status)
	}

	// Carol reconnects: her queue replays message:new then the status update.
	s.connect(t, carol)
	var replayed []receivedEvent
	err = s.replay.Drain(ctx, carol, func(raw []byte) {
		var ev receivedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("malformed replayed event: %v", err)
		}
		replayed = append(replayed, ev)
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(replayed) != 2 || replayed[0].Type != EventMessageNew || replayed[1].Type != EventMessageStatus {
		t.Fatalf("carol's replay is wrong, want message:new then message:status")
	}
}

// The delivery promotion re-enters the per-thread lock, so a send with an
// online recipient must release it first — a watchdog catches the send path
// wedging on its own lock.
func TestSendWithOnlineRecipientCompletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, bob := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, thread, bob, models.RoleMember)
	s.connect(t, alice)
	s.connect(t, bob)

	type result struct {
		msg *models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "hi", ThreadID: thread})
		done <- result{msg, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("send: %v", res.err)
		}
		stored, _ := s.messages.GetByID(ctx, res.msg.ID)
		if stored.Status != models.StatusDelivered {
			t.Errorf("status = %s, want delivered with a recipient online", stored.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return while a recipient was online")
	}

	// And the thread lock is free again: a follow-up send goes through.
	if _, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "again", ThreadID: thread}); err != nil {
		t.Fatalf("follow-up send: %v", err)
	}
}

// A sender with no other participant online leaves the message at sent;
// the reconnect path then counts as delivery.
func TestSendStaysSentUntilReconnectDelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, carol := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, thread, carol, models.RoleMember)

	s.connect(t, alice)

	msg, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "anyone there?", ThreadID: thread})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stored, _ := s.messages.GetByID(ctx, msg.ID)
	if stored.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent while nobody else is online", stored.Status)
	}

	s.pipeline.ConfirmDelivery(ctx, carol, []int64{msg.ID})
	stored, _ = s.messages.GetByID(ctx, msg.ID)
	if stored.Status != models.StatusDelivered {
		t.Errorf("status after reconnect delivery = %s, want delivered", stored.Status)
	}
}

// A non-participant send is rejected with AccessDenied: nothing persisted,
// nothing broadcast.
func TestSendFromNonParticipantDenied(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, mallory := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)

	aliceConn := s.connect(t, alice)
	s.connect(t, mallory)

	_, err := s.pipeline.Send(ctx, mallory, SendRequest{Content: "let me in", ThreadID: thread})
	if code := requestErrorCode(t, err); code != CodeAccessDenied {
		t.Errorf("error code = %s, want %s", code, CodeAccessDenied)
	}
	if s.messages.nextID != 0 {
		t.Error("nothing should be persisted for a denied send")
	}
	if got := drainEvents(t, aliceConn); len(got) != 0 {
		t.Errorf("room received %d events for a denied send, want 0", len(got))
	}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice := uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.connect(t, alice)

	_, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "   ", ThreadID: thread})
	if code := requestErrorCode(t, err); code != CodeValidation {
		t.Errorf("blank content: code = %s, want %s", code, CodeValidation)
	}

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.pipeline.Send(ctx, alice, SendRequest{Content: string(long), ThreadID: thread})
	if code := requestErrorCode(t, err); code != CodeValidation {
		t.Errorf("oversized content: code = %s, want %s", code, CodeValidation)
	}

	msg, err := s.pipeline.Send(ctx, alice, SendRequest{Content: `<script>alert("x")</script>`, ThreadID: thread})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stored, _ := s.messages.GetByID(ctx, msg.ID)
	if stored.Body == `<script>alert("x")</script>` {
		t.Error("markup must not be stored raw")
	}
}

func TestSendRejectsBadParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice := uuid.New()
	thread, otherThread := uuid.New(), uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, otherThread, alice, models.RoleMember)
	s.connect(t, alice)

	other, _ := s.pipeline.Send(ctx, alice, SendRequest{Content: "elsewhere", ThreadID: otherThread})

	_, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "reply", ThreadID: thread, ParentID: &other.ID})
	if code := requestErrorCode(t, err); code != CodeValidation {
		t.Errorf("cross-thread parent: code = %s, want %s", code, CodeValidation)
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, bob := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, thread, bob, models.RoleMember)
	s.connect(t, alice)
	bobConn := s.connect(t, bob)

	msg, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "hi", ThreadID: thread})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.pipeline.MarkRead(ctx, bob, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	stored, _ := s.messages.GetByID(ctx, msg.ID)
	if stored.Status != models.StatusRead {
		t.Fatalf("status = %s, want read", stored.Status)
	}

	// A late delivery confirmation must not regress read, and must not
	// emit a status broadcast either.
	drainEvents(t, bobConn)
	s.pipeline.ConfirmDelivery(ctx, bob, []int64{msg.ID})
	stored, _ = s.messages.GetByID(ctx, msg.ID)
	if stored.Status != models.StatusRead {
		t.Errorf("status regressed to %s after late delivery", stored.Status)
	}
	if got := drainEvents(t, bobConn); len(got) != 0 {
		t.Errorf("got %d broadcasts for a no-op promotion, want 0", len(got))
	}
}

func TestReadOwnMessageIsNotAReceipt(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice := uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.connect(t, alice)

	msg, _ := s.pipeline.Send(ctx, alice, SendRequest{Content: "note to self", ThreadID: thread})
	if err := s.pipeline.MarkRead(ctx, alice, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	stored, _ := s.messages.GetByID(ctx, msg.ID)
	if stored.Status == models.StatusRead {
		t.Error("author's own ack must not mark the message read")
	}
}

func TestEditAndDeleteAreAuthorOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, bob := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, thread, bob, models.RoleMember)
	s.connect(t, alice)
	bobConn := s.connect(t, bob)

	msg, _ := s.pipeline.Send(ctx, alice, SendRequest{Content: "original", ThreadID: thread})
	drainEvents(t, bobConn)

	_, err := s.pipeline.Edit(ctx, bob, EditRequest{MessageID: msg.ID, Content: "hijacked"})
	if code := requestErrorCode(t, err); code != CodeAccessDenied {
		t.Errorf("non-author edit: code = %s, want %s", code, CodeAccessDenied)
	}
	_, err = s.pipeline.Delete(ctx, bob, msg.ID)
	if code := requestErrorCode(t, err); code != CodeAccessDenied {
		t.Errorf("non-author delete: code = %s, want %s", code, CodeAccessDenied)
	}

	edited, err := s.pipeline.Edit(ctx, alice, EditRequest{MessageID: msg.ID, Content: "fixed"})
	if err != nil {
		t.Fatalf("author edit: %v", err)
	}
	if edited.EditedAt == nil {
		t.Error("edited message should be stamped")
	}
	events := drainEvents(t, bobConn)
	if len(events) != 1 || events[0].Type != EventMessageEdited {
		t.Fatalf("bob got %v, want one %s", events, EventMessageEdited)
	}

	deleted, err := s.pipeline.Delete(ctx, alice, msg.ID)
	if err != nil {
		t.Fatalf("author delete: %v", err)
	}
	if !deleted.Deleted || deleted.Body != "" {
		t.Error("delete should blank the body and keep the row")
	}
	events = drainEvents(t, bobConn)
	if len(events) != 1 || events[0].Type != EventMessageDeleted {
		t.Fatalf("bob got %v, want one %s", events, EventMessageDeleted)
	}

	// Editing a deleted message is a NotFound, not a resurrection.
	_, err = s.pipeline.Edit(ctx, alice, EditRequest{MessageID: msg.ID, Content: "undelete?"})
	if code := requestErrorCode(t, err); code != CodeNotFound {
		t.Errorf("edit after delete: code = %s, want %s", code, CodeNotFound)
	}
}

func TestReactionsBroadcast(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice, bob := uuid.New(), uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	s.participants.Add(ctx, thread, bob, models.RoleMember)
	aliceConn := s.connect(t, alice)
	s.connect(t, bob)

	msg, _ := s.pipeline.Send(ctx, alice, SendRequest{Content: "react to this", ThreadID: thread})
	drainEvents(t, aliceConn)

	if err := s.pipeline.React(ctx, bob, ReactRequest{MessageID: msg.ID, Emoji: "👍"}); err != nil {
		t.Fatalf("react: %v", err)
	}
	events := drainEvents(t, aliceConn)
	if len(events) != 1 || events[0].Type != EventReactionAdded {
		t.Fatalf("alice got %v, want one %s", events, EventReactionAdded)
	}
	var payload ReactionPayload
	decodePayload(t, events[0], &payload)
	if payload.UserID != bob || payload.Emoji != "👍" {
		t.Errorf("reaction payload = %+v", payload)
	}

	if err := s.pipeline.Unreact(ctx, bob, ReactRequest{MessageID: msg.ID, Emoji: "👍"}); err != nil {
		t.Fatalf("unreact: %v", err)
	}
	events = drainEvents(t, aliceConn)
	if len(events) != 1 || events[0].Type != EventReactionRemoved {
		t.Fatalf("alice got %v, want one %s", events, EventReactionRemoved)
	}

	reactions, _ := s.reactions.ListByMessage(ctx, msg.ID)
	if len(reactions) != 0 {
		t.Errorf("%d reactions left after removal, want 0", len(reactions))
	}
}

func TestSendPersistsAttachmentMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{})
	alice := uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	aliceConn := s.connect(t, alice)

	msg, err := s.pipeline.Send(ctx, alice, SendRequest{
		Content:  "see attached",
		ThreadID: thread,
		Attachments: []AttachmentUpload{
			{URL: "https://cdn.example.com/a.png", MimeType: "image/png", SizeBytes: 1024},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, _ := s.attachments.ListByMessage(ctx, msg.ID)
	if len(stored) != 1 {
		t.Fatalf("%d attachments persisted, want 1", len(stored))
	}

	events := drainEvents(t, aliceConn)
	var payload MessageNewPayload
	decodePayload(t, events[0], &payload)
	if len(payload.Attachments) != 1 || payload.Attachments[0].URL != "https://cdn.example.com/a.png" {
		t.Errorf("broadcast attachments = %+v", payload.Attachments)
	}
}
