package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Outbound frames not written within this window count as a dead peer.
	writeWait = 10 * time.Second

	// The peer must answer a ping within pongWait or the read pump exits.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Inbound frame cap. Message bodies are validated separately; this
	// bounds the raw frame so a misbehaving client cannot balloon memory.
	maxFrameBytes = 16 * 1024

	// Per-connection outbound buffer. A client that cannot drain this many
	// pending events is considered dead and dropped.
	sendBuffer = 64
)

// Conn is one long-lived websocket connection for one browser tab or device.
// It is owned by the Supervisor for its lifetime; the registry and rooms
// only hold references. All socket writes go through the write pump, so
// Send is safe from any goroutine.
type Conn struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time

	sock   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed sync.Once

	logger *zap.Logger
}

func newConn(sock *websocket.Conn, userID uuid.UUID, logger *zap.Logger) *Conn {
	id := uuid.New()
	return &Conn{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now(),
		sock:      sock,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger.With(zap.String("conn_id", id.String()), zap.String("user_id", userID.String())),
	}
}

// SendEvent encodes and enqueues an event for this connection.
func (c *Conn) SendEvent(ev *Event) {
	raw, err := ev.Encode()
	if err != nil {
		c.logger.Error("drop unencodable event", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	c.SendRaw(raw)
}

// SendRaw enqueues pre-encoded bytes. The enqueue never blocks: a full
// buffer means the client is not draining, and the connection is closed so
// the slow peer cannot stall a room broadcast.
func (c *Conn) SendRaw(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.Close()
	}
}

// Close shuts the connection down exactly once. The write pump exits when
// done closes; the read pump exits on the socket close.
func (c *Conn) Close() {
	c.closed.Do(func() {
		close(c.done)
		if c.sock != nil {
			c.sock.Close()
		}
	})
}

// writePump drains the send channel onto the socket and keeps the peer
// alive with periodic pings. One per connection, started by the Supervisor.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
