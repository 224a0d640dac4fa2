package realtime

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/cache"
	"go.uber.org/zap"
)

const (
	presenceConnsPrefix    = "presence:conns:"
	presenceLastSeenPrefix = "presence:lastseen:"

	// presenceConnsTTL is the lease on a connection counter. Every live
	// connection renews it from the websocket heartbeat (one pong per
	// pingPeriod), so it only lapses when no process is serving the user —
	// an instance that crashes without running its decrements strands the
	// count for at most this long.
	presenceConnsTTL = 5 * time.Minute
)

// Presence derives online/offline state from connection counts held in the
// shared cache, so every server instance sees the same answer. The local
// Registry signal is only the fallback when the cache is unreachable —
// presence then degrades to this instance's view instead of blocking
// connects and disconnects.
//
// Disconnection is the sole offline trigger. Pings refresh last-seen but
// never flip online state, so a transient network hiccup between pings
// cannot misclassify a connected user as offline.
type Presence struct {
	registry *Registry
	cache    cache.Cache
	logger   *zap.Logger
}

func NewPresence(registry *Registry, c cache.Cache, logger *zap.Logger) *Presence {
	return &Presence{registry: registry, cache: c, logger: logger}
}

// ConnectionOpened bumps the cluster-wide connection count and reports
// whether this user just transitioned to online. The counter carries a
// heartbeat-renewed lease, see presenceConnsTTL.
func (p *Presence) ConnectionOpened(ctx context.Context, userID uuid.UUID, firstLocal bool) bool {
	count, err := p.cache.IncrCounter(ctx, presenceConnsPrefix+userID.String())
	if err != nil {
		p.logger.Warn("presence cache unreachable on connect, using local signal",
			zap.String("user_id", userID.String()), zap.Error(err))
		return firstLocal
	}
	p.KeepAlive(ctx, userID)
	return count == 1
}

// KeepAlive renews the lease on the user's connection counter. Called on
// connect and from every connection's heartbeat.
func (p *Presence) KeepAlive(ctx context.Context, userID uuid.UUID) {
	err := p.cache.Touch(ctx, presenceConnsPrefix+userID.String(), presenceConnsTTL)
	if err != nil {
		p.logger.Warn("presence lease renewal failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// ConnectionClosed decrements the cluster-wide count. On the transition to
// zero connections it records last-seen and reports became-offline.
func (p *Presence) ConnectionClosed(ctx context.Context, userID uuid.UUID, lastLocal bool) (becameOffline bool, lastSeen time.Time) {
	now := time.Now().UTC()

	count, err := p.cache.DecrCounter(ctx, presenceConnsPrefix+userID.String())
	if err != nil {
		p.logger.Warn("presence cache unreachable on disconnect, using local signal",
			zap.String("user_id", userID.String()), zap.Error(err))
		becameOffline = lastLocal
	} else {
		becameOffline = count == 0
	}

	if becameOffline {
		p.setLastSeen(ctx, userID, now)
	}
	return becameOffline, now
}

// IsOnline answers cluster-wide: a user is online iff their connection
// count anywhere is above zero.
func (p *Presence) IsOnline(ctx context.Context, userID uuid.UUID) bool {
	val, ok, err := p.cache.Get(ctx, presenceConnsPrefix+userID.String())
	if err != nil {
		p.logger.Warn("presence cache unreachable, using local registry",
			zap.String("user_id", userID.String()), zap.Error(err))
		return p.registry.IsOnline(userID)
	}
	if !ok {
		return false
	}
	count, err := strconv.ParseInt(val, 10, 64)
	return err == nil && count > 0
}

// LastSeen returns when the user last went offline (or last pinged while
// offline). Only meaningful for offline users; returns nil when unknown.
func (p *Presence) LastSeen(ctx context.Context, userID uuid.UUID) *time.Time {
	val, ok, err := p.cache.Get(ctx, presenceLastSeenPrefix+userID.String())
	if err != nil {
		p.logger.Warn("presence last-seen read failed",
			zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil
	}
	return &ts
}

// RefreshLastSeen is the ping heartbeat: it advances last-seen without
// touching online/offline state.
func (p *Presence) RefreshLastSeen(ctx context.Context, userID uuid.UUID) {
	p.setLastSeen(ctx, userID, time.Now().UTC())
}

func (p *Presence) setLastSeen(ctx context.Context, userID uuid.UUID, at time.Time) {
	err := p.cache.SetWithTTL(ctx, presenceLastSeenPrefix+userID.String(), at.Format(time.RFC3339Nano), 0)
	if err != nil {
		p.logger.Warn("presence last-seen write failed",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// Snapshot splits a set of users into the currently online ones and a
// last-seen map for the rest. Backs the presence:pong reply.
func (p *Presence) Snapshot(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, map[string]time.Time) {
	online := make([]uuid.UUID, 0, len(userIDs))
	lastSeen := make(map[string]time.Time)
	for _, id := range userIDs {
		if p.IsOnline(ctx, id) {
			online = append(online, id)
			continue
		}
		if ts := p.LastSeen(ctx, id); ts != nil {
			lastSeen[id.String()] = *ts
		}
	}
	return online, lastSeen
}
