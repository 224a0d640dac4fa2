package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/cache"
	"github.com/lalith-99/threadcast/internal/repository"
	"go.uber.org/zap"
)

const (
	busRoomPrefix = "rt:room:"
	busAdmin      = "rt:admin"
	busPattern    = "rt:*"
)

// BroadcastOpts tunes how a room broadcast is propagated.
type BroadcastOpts struct {
	// Volatile events (typing) are meaningless after the fact and are never
	// written to missed-event queues.
	Volatile bool

	// SkipQueueFor exempts one user from missed-event queueing — the author
	// of a message or the subject of a presence change never needs their own
	// event replayed.
	SkipQueueFor uuid.UUID
}

// membershipSync is the cross-instance control message that keeps room
// subscriptions in line with participant changes made through the CRUD layer.
type membershipSync struct {
	Action   string    `json:"action"` // "join" or "leave"
	ThreadID uuid.UUID `json:"thread_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// Rooms maps each thread to the local connections subscribed to it and fans
// broadcasts out across the cluster.
//
// A broadcast takes three paths at once: a copy into every offline
// participant's missed-event queue, a publish on the shared bus so other
// instances deliver to their connections, and (only if the bus is down) a
// direct local delivery so a single-instance deployment keeps working with
// no cache. Delivery to local members normally happens on the relay
// goroutine consuming the bus — one goroutine, so broadcasts for the same
// thread are never reordered relative to their publish order.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[uuid.UUID]*Conn    // threadID -> connID -> conn
	conns map[uuid.UUID]map[uuid.UUID]struct{} // connID -> subscribed threadIDs

	registry     *Registry
	participants repository.ParticipantRepository
	presence     *Presence
	replay       *Replay
	bus          cache.Bus
	logger       *zap.Logger

	cancelRelay func()
}

func NewRooms(
	registry *Registry,
	participants repository.ParticipantRepository,
	presence *Presence,
	replay *Replay,
	bus cache.Bus,
	logger *zap.Logger,
) *Rooms {
	return &Rooms{
		rooms:        make(map[uuid.UUID]map[uuid.UUID]*Conn),
		conns:        make(map[uuid.UUID]map[uuid.UUID]struct{}),
		registry:     registry,
		participants: participants,
		presence:     presence,
		replay:       replay,
		bus:          bus,
		logger:       logger,
	}
}

// Start subscribes to the fan-out bus and launches the relay. Without a bus
// (nil, or subscribe failure) Rooms still works single-instance: broadcasts
// fall through to direct local delivery.
func (r *Rooms) Start(ctx context.Context) error {
	if r.bus == nil {
		r.logger.Warn("rooms running without fan-out bus, single instance only")
		return nil
	}
	msgs, cancel, err := r.bus.Subscribe(ctx, busPattern)
	if err != nil {
		return err
	}
	r.cancelRelay = cancel
	go r.relay(msgs)
	return nil
}

func (r *Rooms) Close() {
	if r.cancelRelay != nil {
		r.cancelRelay()
	}
}

func (r *Rooms) relay(msgs <-chan cache.BusMessage) {
	for msg := range msgs {
		switch {
		case strings.HasPrefix(msg.Channel, busRoomPrefix):
			threadID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, busRoomPrefix))
			if err != nil {
				r.logger.Error("malformed room channel", zap.String("channel", msg.Channel))
				continue
			}
			r.deliverLocal(threadID, msg.Payload)
		case msg.Channel == busAdmin:
			var sync membershipSync
			if err := json.Unmarshal(msg.Payload, &sync); err != nil {
				r.logger.Error("malformed membership sync", zap.Error(err))
				continue
			}
			r.applyMembership(sync)
		}
	}
}

// Join verifies active participation and subscribes the connection to the
// thread's room. An unauthorized join is silently refused — the connection
// is simply not subscribed — and logged; the requester learns nothing about
// threads it does not belong to.
func (r *Rooms) Join(ctx context.Context, conn *Conn, threadID uuid.UUID) (bool, error) {
	active, err := r.participants.IsActive(ctx, threadID, conn.UserID)
	if err != nil {
		return false, errInternal(err)
	}
	if !active {
		r.logger.Info("refused room join for non-participant",
			zap.String("user_id", conn.UserID.String()),
			zap.String("thread_id", threadID.String()))
		return false, nil
	}
	r.joinLocal(conn, threadID)
	return true, nil
}

// Leave unsubscribes the connection from a room.
func (r *Rooms) Leave(conn *Conn, threadID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, threadID)
}

// JoinAll subscribes a fresh connection to every thread its user actively
// participates in. Runs once per connect, before replay.
func (r *Rooms) JoinAll(ctx context.Context, conn *Conn) error {
	threadIDs, err := r.participants.ThreadIDsOf(ctx, conn.UserID)
	if err != nil {
		return errInternal(err)
	}
	for _, id := range threadIDs {
		r.joinLocal(conn, id)
	}
	return nil
}

// DropConn removes a closing connection from every room it is in.
func (r *Rooms) DropConn(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for threadID := range r.conns[conn.ID] {
		r.leaveLocked(conn, threadID)
	}
	delete(r.conns, conn.ID)
}

// ThreadsOf returns the thread IDs this connection is subscribed to.
func (r *Rooms) ThreadsOf(conn *Conn) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.conns[conn.ID]))
	for id := range r.conns[conn.ID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Rooms) joinLocal(conn *Conn, threadID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[threadID]
	if !ok {
		room = make(map[uuid.UUID]*Conn)
		r.rooms[threadID] = room
	}
	room[conn.ID] = conn

	subs, ok := r.conns[conn.ID]
	if !ok {
		subs = make(map[uuid.UUID]struct{})
		r.conns[conn.ID] = subs
	}
	subs[threadID] = struct{}{}
}

func (r *Rooms) leaveLocked(conn *Conn, threadID uuid.UUID) {
	if room, ok := r.rooms[threadID]; ok {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(r.rooms, threadID)
		}
	}
	if subs, ok := r.conns[conn.ID]; ok {
		delete(subs, threadID)
	}
}

// Broadcast fans an event out to a thread's room: queue copies for offline
// participants (unless volatile), then publish for every instance to relay
// to its local members. Callers must have completed their persist step
// first — the publish is what fixes the event's position in the room order.
func (r *Rooms) Broadcast(ctx context.Context, threadID uuid.UUID, ev *Event, opts BroadcastOpts) error {
	raw, err := ev.Encode()
	if err != nil {
		return errInternal(err)
	}

	if !opts.Volatile {
		r.queueForOffline(ctx, threadID, raw, opts.SkipQueueFor)
	}

	if r.bus != nil {
		err := r.bus.Publish(ctx, busRoomPrefix+threadID.String(), raw)
		if err == nil {
			return nil
		}
		r.logger.Warn("fan-out publish failed, delivering locally",
			zap.String("thread_id", threadID.String()), zap.Error(err))
	}
	r.deliverLocal(threadID, raw)
	return nil
}

// queueForOffline writes the event into the missed-event queue of every
// active participant who currently has zero open connections anywhere.
func (r *Rooms) queueForOffline(ctx context.Context, threadID uuid.UUID, raw []byte, skip uuid.UUID) {
	participants, err := r.participants.ListActive(ctx, threadID)
	if err != nil {
		r.logger.Warn("cannot list participants for missed-event queueing",
			zap.String("thread_id", threadID.String()), zap.Error(err))
		return
	}
	for _, p := range participants {
		if p.UserID == skip {
			continue
		}
		if r.presence.IsOnline(ctx, p.UserID) {
			continue
		}
		r.replay.Enqueue(ctx, p.UserID, raw)
	}
}

func (r *Rooms) deliverLocal(threadID uuid.UUID, raw []byte) {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[threadID]))
	for _, conn := range r.rooms[threadID] {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	for _, conn := range members {
		conn.SendRaw(raw)
	}
}

// SyncMembership propagates a participant change from the CRUD layer to
// every instance, each of which adjusts the subscriptions of that user's
// local connections. Falls back to a local-only adjustment without a bus.
func (r *Rooms) SyncMembership(ctx context.Context, threadID, userID uuid.UUID, action string) {
	sync := membershipSync{Action: action, ThreadID: threadID, UserID: userID}

	if r.bus != nil {
		payload, err := json.Marshal(sync)
		if err == nil {
			if err := r.bus.Publish(ctx, busAdmin, payload); err == nil {
				return
			}
			r.logger.Warn("membership sync publish failed, applying locally", zap.Error(err))
		}
	}
	r.applyMembership(sync)
}

func (r *Rooms) applyMembership(sync membershipSync) {
	for _, conn := range r.registry.ConnectionsOf(sync.UserID) {
		switch sync.Action {
		case "join":
			r.joinLocal(conn, sync.ThreadID)
		case "leave":
			r.Leave(conn, sync.ThreadID)
		}
	}
}
