package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/cache"
	"go.uber.org/zap"
)

const missedQueuePrefix = "missed:"

// Replay holds one missed-event queue per offline user in the shared cache.
// Broadcasting components append a copy of every event whose target user has
// zero open connections; on reconnect the Supervisor drains the queue onto
// the fresh connection in enqueue order.
//
// Queues carry a bounded TTL: a user who stays away longer simply loses the
// window. At-least-once within that window is the guarantee, not durability.
type Replay struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewReplay(c cache.Cache, ttl time.Duration, logger *zap.Logger) *Replay {
	return &Replay{cache: c, ttl: ttl, logger: logger}
}

// Enqueue appends an encoded event to the user's missed queue. Callers only
// invoke this for users who are currently offline. Failures are logged and
// swallowed — a lost missed event degrades to the accepted TTL-loss case,
// it must not fail the live broadcast.
func (r *Replay) Enqueue(ctx context.Context, userID uuid.UUID, raw []byte) {
	if err := r.cache.AppendList(ctx, missedQueuePrefix+userID.String(), string(raw), r.ttl); err != nil {
		r.logger.Warn("missed-event enqueue failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// Drain delivers the user's queued events to deliver in enqueue order, then
// clears exactly what was delivered.
//
// The clear is a versioned cursor, not a blind delete: the length is read
// first, only that many entries are ranged and delivered, and only that many
// are trimmed. Events appended concurrently during the drain stay queued for
// the next drain, and a crash before the trim re-delivers rather than drops
// (at-least-once). After a successful drain a second drain yields nothing.
func (r *Replay) Drain(ctx context.Context, userID uuid.UUID, deliver func(raw []byte)) error {
	key := missedQueuePrefix + userID.String()

	n, err := r.cache.ListLen(ctx, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	entries, err := r.cache.ListRange(ctx, key, 0, n-1)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		deliver([]byte(raw))
	}

	if err := r.cache.TrimListFront(ctx, key, int64(len(entries))); err != nil {
		return err
	}

	r.logger.Debug("missed-event queue drained",
		zap.String("user_id", userID.String()), zap.Int("events", len(entries)))
	return nil
}
