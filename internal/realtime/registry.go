package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps a user to the set of connections this process currently
// holds for them. It is the in-process half of presence: live *Conn handles
// cannot cross process boundaries, so the cluster-wide view (connection
// counts, last-seen) lives in the shared cache and is kept by the Presence
// tracker from the signals Add and Remove return.
//
// All methods are safe under concurrent add/remove for the same user — two
// tabs closing simultaneously is the normal case, not the edge case.
type Registry struct {
	mu    sync.RWMutex
	users map[uuid.UUID]map[uuid.UUID]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[uuid.UUID]map[uuid.UUID]*Conn),
	}
}

// Add registers a connection and reports whether it is the user's first one
// in this process.
func (r *Registry) Add(conn *Conn) (firstLocal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[conn.UserID]
	if !ok {
		conns = make(map[uuid.UUID]*Conn)
		r.users[conn.UserID] = conns
	}
	conns[conn.ID] = conn
	return len(conns) == 1
}

// Remove unregisters a connection and reports whether the user now has no
// connections left in this process. Removing an unknown connection is a
// no-op returning false, so a double teardown cannot emit a second
// became-offline signal.
func (r *Registry) Remove(conn *Conn) (lastLocal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[conn.UserID]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID]; !ok {
		return false
	}
	delete(conns, conn.ID)
	if len(conns) == 0 {
		delete(r.users, conn.UserID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one connection in this
// process. For the cluster-wide answer, ask the Presence tracker.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers returns every user with at least one local connection.
func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]uuid.UUID, 0, len(r.users))
	for id := range r.users {
		users = append(users, id)
	}
	return users
}

// ConnectionsOf returns a snapshot of the user's local connections.
func (r *Registry) ConnectionsOf(userID uuid.UUID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	return conns
}
