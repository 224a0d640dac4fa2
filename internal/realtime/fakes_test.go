package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
	"go.uber.org/zap"
)

// fakeCache is an in-memory stand-in for the shared redis cache. Every
// method takes the one lock, which gives the same atomicity the real
// implementation promises. Set fail to simulate an unreachable cache.
type fakeCache struct {
	mu       sync.Mutex
	fail     bool
	kv       map[string]string
	counters map[string]int64
	lists    map[string][]string
	windows  map[string]fakeWindow
	ttls     map[string]time.Duration
}

type fakeWindow struct {
	count    int64
	deadline time.Time
}

var errCacheDown = errors.New("cache unreachable")

func newFakeCache() *fakeCache {
	return &fakeCache{
		kv:       make(map[string]string),
		counters: make(map[string]int64),
		lists:    make(map[string][]string),
		windows:  make(map[string]fakeWindow),
		ttls:     make(map[string]time.Duration),
	}
}

func (f *fakeCache) SetWithTTL(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	f.kv[key] = value
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", false, errCacheDown
	}
	if v, ok := f.kv[key]; ok {
		return v, true, nil
	}
	if n, ok := f.counters[key]; ok {
		return itoa(n), true, nil
	}
	return "", false, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	delete(f.kv, key)
	delete(f.counters, key)
	delete(f.lists, key)
	return nil
}

func (f *fakeCache) IncrCounter(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errCacheDown
	}
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeCache) DecrCounter(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errCacheDown
	}
	f.counters[key]--
	if f.counters[key] <= 0 {
		delete(f.counters, key)
		return 0, nil
	}
	return f.counters[key], nil
}

func (f *fakeCache) Touch(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, 0, errCacheDown
	}
	w, ok := f.windows[key]
	now := time.Now()
	if !ok || now.After(w.deadline) {
		w = fakeWindow{deadline: now.Add(window)}
	}
	w.count++
	f.windows[key] = w
	return w.count, time.Until(w.deadline), nil
}

func (f *fakeCache) AppendList(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	f.lists[key] = append(f.lists[key], value)
	return nil
}

func (f *fakeCache) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errCacheDown
	}
	list := f.lists[key]
	if start >= int64(len(list)) {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (f *fakeCache) ListLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errCacheDown
	}
	return int64(len(f.lists[key])), nil
}

func (f *fakeCache) TrimListFront(_ context.Context, key string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errCacheDown
	}
	list := f.lists[key]
	if n >= int64(len(list)) {
		delete(f.lists, key)
		return nil
	}
	f.lists[key] = list[n:]
	return nil
}

func itoa(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

// fakeParticipants keeps thread membership in memory.
type fakeParticipants struct {
	mu      sync.Mutex
	members map[uuid.UUID]map[uuid.UUID]string // threadID -> userID -> role
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{members: make(map[uuid.UUID]map[uuid.UUID]string)}
}

func (f *fakeParticipants) Add(_ context.Context, threadID, userID uuid.UUID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[threadID] == nil {
		f.members[threadID] = make(map[uuid.UUID]string)
	}
	f.members[threadID][userID] = role
	return nil
}

func (f *fakeParticipants) Remove(_ context.Context, threadID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[threadID], userID)
	return nil
}

func (f *fakeParticipants) SetRole(_ context.Context, threadID, userID uuid.UUID, role string) error {
	return f.Add(context.Background(), threadID, userID, role)
}

func (f *fakeParticipants) ListActive(_ context.Context, threadID uuid.UUID) ([]models.ThreadParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ThreadParticipant, 0)
	for userID, role := range f.members[threadID] {
		out = append(out, models.ThreadParticipant{ThreadID: threadID, UserID: userID, Role: role})
	}
	return out, nil
}

func (f *fakeParticipants) IsActive(_ context.Context, threadID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[threadID][userID]
	return ok, nil
}

func (f *fakeParticipants) ThreadIDsOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, 0)
	for threadID, users := range f.members {
		if _, ok := users[userID]; ok {
			out = append(out, threadID)
		}
	}
	return out, nil
}

// fakeMessages is an in-memory message store with the same forward-only
// status semantics as the SQL implementation.
type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{rows: make(map[int64]*models.Message)}
}

func (f *fakeMessages) Create(_ context.Context, threadID, senderID uuid.UUID, body string, parentID *int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := &models.Message{
		ID:        f.nextID,
		ThreadID:  threadID,
		SenderID:  senderID,
		Body:      body,
		ParentID:  parentID,
		Status:    models.StatusSent,
		CreatedAt: time.Now(),
	}
	f.rows[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) GetByID(_ context.Context, messageID int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.rows[messageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) UpdateBody(_ context.Context, messageID int64, body string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.rows[messageID]
	if !ok || msg.Deleted {
		return nil, nil
	}
	now := time.Now()
	msg.Body = body
	msg.EditedAt = &now
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, messageID int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.rows[messageID]
	if !ok {
		return nil, nil
	}
	msg.Body = ""
	msg.Deleted = true
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) AdvanceStatus(_ context.Context, messageID int64, next models.MessageStatus) (models.MessageStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.rows[messageID]
	if !ok {
		return "", false, errors.New("message not found")
	}
	if !msg.Status.CanAdvanceTo(next) {
		return msg.Status, false, nil
	}
	msg.Status = next
	return next, true, nil
}

func (f *fakeMessages) ListByThread(_ context.Context, threadID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, 0)
	for id := f.nextID; id > 0 && len(out) < limit; id-- {
		msg, ok := f.rows[id]
		if !ok || msg.ThreadID != threadID {
			continue
		}
		if before > 0 && id >= before {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

type fakeReactions struct {
	mu   sync.Mutex
	rows []models.Reaction
}

func (f *fakeReactions) Add(_ context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			return nil
		}
	}
	f.rows = append(f.rows, models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now()})
	return nil
}

func (f *fakeReactions) Remove(_ context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeReactions) ListByMessage(_ context.Context, messageID int64) ([]models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Reaction, 0)
	for _, r := range f.rows {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAttachments struct {
	mu   sync.Mutex
	rows []models.Attachment
}

func (f *fakeAttachments) CreateBatch(_ context.Context, messageID int64, attachments []models.Attachment) ([]models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		a.ID = uuid.New()
		a.MessageID = messageID
		f.rows = append(f.rows, a)
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAttachments) ListByMessage(_ context.Context, messageID int64) ([]models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Attachment, 0)
	for _, a := range f.rows {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out, nil
}

// newTestConn builds a connection with no socket behind it. Send enqueues
// to the buffer only; the pumps are never started, so tests read events
// straight from the channel.
func newTestConn(userID uuid.UUID) *Conn {
	return &Conn{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: time.Now(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    zap.NewNop(),
	}
}

type receivedEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// drainEvents returns every event currently buffered on the connection.
func drainEvents(t *testing.T, conn *Conn) []receivedEvent {
	t.Helper()
	var events []receivedEvent
	for {
		select {
		case raw := <-conn.send:
			var ev receivedEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("malformed event on wire: %v", err)
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func decodePayload(t *testing.T, ev receivedEvent, dst any) {
	t.Helper()
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		t.Fatalf("decode %s payload: %v", ev.Type, err)
	}
}
