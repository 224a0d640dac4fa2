package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/cache"
	"go.uber.org/zap"
)

// Rate-limited actions.
const ActionSend = "send"

// Decision is the structured outcome of a rate check. RetryAfter is only
// set when the action was refused.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter gates actions with fixed-window counters in the shared cache,
// so the cap holds across every connection and every server instance a user
// touches. One atomic increment-with-expiry per check; no read-then-write.
//
// It never fails hard: an unreachable cache allows the action and logs a
// service-health warning, because blocking all sends is worse than briefly
// losing the cap.
type RateLimiter struct {
	cache  cache.Cache
	cap    int
	window time.Duration
	logger *zap.Logger
}

func NewRateLimiter(c cache.Cache, cap int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{cache: c, cap: cap, window: window, logger: logger}
}

// CheckAndConsume counts one attempt against the (user, action) window and
// reports whether it is allowed. The attempt is counted even when refused —
// hammering the limit does not help the window reset sooner.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, userID uuid.UUID, action string) Decision {
	key := fmt.Sprintf("rate:%s:%s", userID, action)

	count, remaining, err := l.cache.IncrWindow(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limiter cache unreachable, allowing action",
			zap.String("user_id", userID.String()),
			zap.String("action", action),
			zap.Error(err))
		return Decision{Allowed: true}
	}

	if count > int64(l.cap) {
		return Decision{Allowed: false, RetryAfter: remaining}
	}
	return Decision{Allowed: true}
}
