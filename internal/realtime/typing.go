package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type typingKey struct {
	threadID uuid.UUID
	userID   uuid.UUID
}

type typingEntry struct {
	version uint64
	timer   *time.Timer
}

// TypingTracker keeps the per-(thread, user) "is typing" flags. Each entry
// owns one TTL timer keyed to the entry's version: restarting typing bumps
// the version and re-arms the timer, so a stale timer that fires after a
// newer start sees the version mismatch and does nothing. Expiry without an
// explicit stop behaves exactly like a stop and fires exactly once.
//
// Typing state is deliberately in-process only and never replayed — it is
// meaningless seconds later, and a connection on another instance gets the
// typing updates for its rooms through the broadcast bus like any event.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	nextVer uint64

	ttl    time.Duration
	rooms  *Rooms
	logger *zap.Logger
}

func NewTypingTracker(rooms *Rooms, ttl time.Duration, logger *zap.Logger) *TypingTracker {
	return &TypingTracker{
		entries: make(map[typingKey]*typingEntry),
		ttl:     ttl,
		rooms:   rooms,
		logger:  logger,
	}
}

// Start upserts the typing flag, (re)arms its TTL timer, and broadcasts the
// thread's full typing set.
func (t *TypingTracker) Start(ctx context.Context, userID, threadID uuid.UUID) {
	key := typingKey{threadID: threadID, userID: userID}

	t.mu.Lock()
	if entry, ok := t.entries[key]; ok {
		entry.timer.Stop()
	}
	t.nextVer++
	version := t.nextVer
	entry := &typingEntry{version: version}
	entry.timer = time.AfterFunc(t.ttl, func() {
		t.expire(key, version)
	})
	t.entries[key] = entry
	t.mu.Unlock()

	t.broadcast(ctx, threadID)
}

// Stop clears the flag immediately and broadcasts the updated set. The
// timer is cancelled so a late expiry cannot fire a second stop.
func (t *TypingTracker) Stop(ctx context.Context, userID, threadID uuid.UUID) {
	key := typingKey{threadID: threadID, userID: userID}

	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		entry.timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if ok {
		t.broadcast(ctx, threadID)
	}
}

// StopAll clears every flag a disconnecting user holds. Runs on teardown.
func (t *TypingTracker) StopAll(ctx context.Context, userID uuid.UUID) {
	t.mu.Lock()
	var threads []uuid.UUID
	for key, entry := range t.entries {
		if key.userID != userID {
			continue
		}
		entry.timer.Stop()
		delete(t.entries, key)
		threads = append(threads, key.threadID)
	}
	t.mu.Unlock()

	for _, threadID := range threads {
		t.broadcast(ctx, threadID)
	}
}

// expire is the timer path. The version check is the debounce: if the user
// restarted typing after this timer was armed, the live entry has a newer
// version and this firing is a no-op.
func (t *TypingTracker) expire(key typingKey, version uint64) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.version != version {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.broadcast(context.Background(), key.threadID)
}

// TypingUsers returns the users currently typing in a thread, in a stable
// order.
func (t *TypingTracker) TypingUsers(threadID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]uuid.UUID, 0)
	for key := range t.entries {
		if key.threadID == threadID {
			users = append(users, key.userID)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].String() < users[j].String()
	})
	return users
}

func (t *TypingTracker) broadcast(ctx context.Context, threadID uuid.UUID) {
	ev := &Event{
		Type: EventTypingUpdate,
		Payload: TypingPayload{
			ThreadID: threadID,
			Users:    t.TypingUsers(threadID),
		},
	}
	if err := t.rooms.Broadcast(ctx, threadID, ev, BroadcastOpts{Volatile: true}); err != nil {
		t.logger.Warn("typing broadcast failed",
			zap.String("thread_id", threadID.String()), zap.Error(err))
	}
}
