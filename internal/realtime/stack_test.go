package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// testStack wires the realtime components the way main does, on fakes and
// without a fan-out bus — broadcasts then deliver locally and synchronously,
// which keeps event ordering assertions exact.
type testStack struct {
	registry     *Registry
	cache        *fakeCache
	presence     *Presence
	replay       *Replay
	rooms        *Rooms
	typing       *TypingTracker
	limiter      *RateLimiter
	pipeline     *Pipeline
	participants *fakeParticipants
	messages     *fakeMessages
	reactions    *fakeReactions
	attachments  *fakeAttachments
}

type stackOptions struct {
	rateCap    int
	rateWindow time.Duration
	typingTTL  time.Duration
}

func newTestStack(opts stackOptions) *testStack {
	if opts.rateCap == 0 {
		opts.rateCap = 100
	}
	if opts.rateWindow == 0 {
		opts.rateWindow = time.Minute
	}
	if opts.typingTTL == 0 {
		opts.typingTTL = 50 * time.Millisecond
	}

	logger := zap.NewNop()
	registry := NewRegistry()
	fc := newFakeCache()
	presence := NewPresence(registry, fc, logger)
	replay := NewReplay(fc, 5*time.Minute, logger)
	participants := newFakeParticipants()
	rooms := NewRooms(registry, participants, presence, replay, nil, logger)
	typing := NewTypingTracker(rooms, opts.typingTTL, logger)
	limiter := NewRateLimiter(fc, opts.rateCap, opts.rateWindow, logger)
	messages := newFakeMessages()
	reactions := &fakeReactions{}
	attachments := &fakeAttachments{}
	pipeline := NewPipeline(
		messages, participants, reactions, attachments,
		limiter, rooms, presence,
		5*time.Second, 4000, logger,
	)

	return &testStack{
		registry:     registry,
		cache:        fc,
		presence:     presence,
		replay:       replay,
		rooms:        rooms,
		typing:       typing,
		limiter:      limiter,
		pipeline:     pipeline,
		participants: participants,
		messages:     messages,
		reactions:    reactions,
		attachments:  attachments,
	}
}

// connect simulates a full connect for a user: registry, cluster presence
// count, and room subscriptions.
func (s *testStack) connect(t *testing.T, user uuid.UUID) *Conn {
	t.Helper()
	ctx := context.Background()

	conn := newTestConn(user)
	firstLocal := s.registry.Add(conn)
	s.presence.ConnectionOpened(ctx, user, firstLocal)
	if err := s.rooms.JoinAll(ctx, conn); err != nil {
		t.Fatalf("join rooms: %v", err)
	}
	return conn
}

// disconnect tears a connection down the way the supervisor does.
func (s *testStack) disconnect(conn *Conn) (becameOffline bool) {
	ctx := context.Background()
	s.rooms.DropConn(conn)
	lastLocal := s.registry.Remove(conn)
	offline, _ := s.presence.ConnectionClosed(ctx, conn.UserID, lastLocal)
	return offline
}
