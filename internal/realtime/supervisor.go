package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/threadcast/internal/auth"
	"github.com/lalith-99/threadcast/internal/repository"
	"go.uber.org/zap"
)

// Supervisor owns every connection's lifecycle: authenticate, register,
// join rooms, replay missed events, dispatch inbound operations, and tear
// down cleanly. It is also where the CRUD layer's administrative events
// (participant changes) enter the realtime world.
type Supervisor struct {
	jwtSecret string

	registry     *Registry
	presence     *Presence
	typing       *TypingTracker
	rooms        *Rooms
	pipeline     *Pipeline
	replay       *Replay
	participants repository.ParticipantRepository

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewSupervisor(
	jwtSecret string,
	registry *Registry,
	presence *Presence,
	typing *TypingTracker,
	rooms *Rooms,
	pipeline *Pipeline,
	replay *Replay,
	participants repository.ParticipantRepository,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		jwtSecret:    jwtSecret,
		registry:     registry,
		presence:     presence,
		typing:       typing,
		rooms:        rooms,
		pipeline:     pipeline,
		replay:       replay,
		participants: participants,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers enforce same-origin for cookies, not websockets;
			// auth is the bearer token, so any origin may attempt it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWS is the GET /v1/ws endpoint. The token comes from the "token"
// query parameter (browsers cannot set headers on websocket dials) with the
// Authorization header as a fallback for non-browser clients.
func (s *Supervisor) HandleWS(c *gin.Context) {
	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := s.authenticate(c)
	if err != nil {
		// Refused before any state is touched: a close frame with an
		// unauthorized reason and nothing else.
		s.logger.Info("websocket auth failed", zap.Error(err))
		sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		sock.Close()
		return
	}

	conn := newConn(sock, claims.UserID, s.logger)
	s.attach(conn)
}

func (s *Supervisor) authenticate(c *gin.Context) (*auth.Claims, error) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = parts[1]
		}
	}
	return auth.ParseToken(token, s.jwtSecret)
}

// attach wires an authenticated connection into the registry, presence,
// rooms, and replay, then runs its read loop until disconnect.
func (s *Supervisor) attach(conn *Conn) {
	ctx := context.Background()

	firstLocal := s.registry.Add(conn)
	if s.presence.ConnectionOpened(ctx, conn.UserID, firstLocal) {
		s.broadcastPresence(ctx, conn.UserID, true, nil)
	}

	if err := s.rooms.JoinAll(ctx, conn); err != nil {
		s.logger.Error("room join on connect failed",
			zap.String("user_id", conn.UserID.String()), zap.Error(err))
	}

	go conn.writePump()
	s.replayMissed(ctx, conn)

	conn.logger.Info("connection established")
	s.readLoop(conn)
	s.detach(conn)
}

// replayMissed drains the user's missed-event queue onto the new connection
// in enqueue order, then marks every replayed message as delivered to this
// participant.
func (s *Supervisor) replayMissed(ctx context.Context, conn *Conn) {
	var replayedMessages []int64

	err := s.replay.Drain(ctx, conn.UserID, func(raw []byte) {
		conn.SendRaw(raw)

		var frame struct {
			Type    string `json:"type"`
			Payload struct {
				Message struct {
					ID int64 `json:"id"`
				} `json:"message"`
			} `json:"payload"`
		}
		if json.Unmarshal(raw, &frame) == nil && frame.Type == EventMessageNew {
			replayedMessages = append(replayedMessages, frame.Payload.Message.ID)
		}
	})
	if err != nil {
		// The queue was not cleared; the next reconnect retries the drain.
		conn.logger.Warn("missed-event replay failed", zap.Error(err))
		return
	}

	if len(replayedMessages) > 0 {
		s.pipeline.ConfirmDelivery(ctx, conn.UserID, replayedMessages)
	}
}

func (s *Supervisor) readLoop(conn *Conn) {
	conn.sock.SetReadLimit(maxFrameBytes)
	conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		conn.sock.SetReadDeadline(time.Now().Add(pongWait))
		// Each pong renews the cluster-wide presence lease for this user.
		s.presence.KeepAlive(context.Background(), conn.UserID)
		return nil
	})

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Info("connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "", "", errValidation("malformed frame"))
			continue
		}
		s.dispatch(context.Background(), conn, frame)
	}
}

// detach is the single teardown path. Order matters: the connection leaves
// its rooms and drops its typing flags before the presence transition, so
// an offline broadcast never races a typing update from the same user.
func (s *Supervisor) detach(conn *Conn) {
	conn.Close()
	s.rooms.DropConn(conn)

	ctx := context.Background()
	s.typing.StopAll(ctx, conn.UserID)

	lastLocal := s.registry.Remove(conn)
	becameOffline, lastSeen := s.presence.ConnectionClosed(ctx, conn.UserID, lastLocal)
	if becameOffline {
		s.broadcastPresence(ctx, conn.UserID, false, &lastSeen)
	}

	conn.logger.Info("connection torn down")
}

// broadcastPresence announces an online/offline transition to every thread
// the user participates in — scoped fan-out, never a global broadcast.
func (s *Supervisor) broadcastPresence(ctx context.Context, userID uuid.UUID, online bool, lastSeen *time.Time) {
	threadIDs, err := s.participants.ThreadIDsOf(ctx, userID)
	if err != nil {
		s.logger.Warn("cannot scope presence broadcast",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	ev := &Event{
		Type:    EventPresenceOnline,
		Payload: PresencePayload{UserID: userID, Online: online, LastSeen: lastSeen},
	}
	if !online {
		ev.Type = EventPresenceOffline
	}

	for _, threadID := range threadIDs {
		err := s.rooms.Broadcast(ctx, threadID, ev, BroadcastOpts{SkipQueueFor: userID})
		if err != nil {
			s.logger.Warn("presence broadcast failed",
				zap.String("thread_id", threadID.String()), zap.Error(err))
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, conn *Conn, frame inboundFrame) {
	switch frame.Type {
	case OpMessageSend:
		var req SendRequest
		if !s.decode(conn, frame, &req) {
			return
		}
		msg, err := s.pipeline.Send(ctx, conn.UserID, req)
		if err != nil {
			s.sendError(conn, frame.Type, req.TempID, err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type, TempID: req.TempID, MessageID: msg.ID}})

	case OpMessageEdit:
		var req EditRequest
		if !s.decode(conn, frame, &req) {
			return
		}
		msg, err := s.pipeline.Edit(ctx, conn.UserID, req)
		if err != nil {
			s.sendError(conn, frame.Type, "", err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type, MessageID: msg.ID}})

	case OpMessageDelete:
		var req MessageRef
		if !s.decode(conn, frame, &req) {
			return
		}
		msg, err := s.pipeline.Delete(ctx, conn.UserID, req.MessageID)
		if err != nil {
			s.sendError(conn, frame.Type, "", err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type, MessageID: msg.ID}})

	case OpMessageRead:
		var req MessageRef
		if !s.decode(conn, frame, &req) {
			return
		}
		if err := s.pipeline.MarkRead(ctx, conn.UserID, req.MessageID); err != nil {
			s.sendError(conn, frame.Type, "", err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type, MessageID: req.MessageID}})

	case OpMessageReact, OpMessageUnreact:
		var req ReactRequest
		if !s.decode(conn, frame, &req) {
			return
		}
		var err error
		if frame.Type == OpMessageReact {
			err = s.pipeline.React(ctx, conn.UserID, req)
		} else {
			err = s.pipeline.Unreact(ctx, conn.UserID, req)
		}
		if err != nil {
			s.sendError(conn, frame.Type, "", err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type, MessageID: req.MessageID}})

	case OpThreadJoin:
		var req ThreadRef
		if !s.decode(conn, frame, &req) {
			return
		}
		// An unauthorized join is refused silently; the ack only confirms
		// the request was processed, not that a subscription exists.
		if _, err := s.rooms.Join(ctx, conn, req.ThreadID); err != nil {
			s.sendError(conn, frame.Type, "", err)
			return
		}
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type}})

	case OpThreadLeave:
		var req ThreadRef
		if !s.decode(conn, frame, &req) {
			return
		}
		s.rooms.Leave(conn, req.ThreadID)
		conn.SendEvent(&Event{Type: EventAck, Payload: AckPayload{Op: frame.Type}})

	case OpTypingStart, OpTypingStop:
		var req ThreadRef
		if !s.decode(conn, frame, &req) {
			return
		}
		active, err := s.participants.IsActive(ctx, req.ThreadID, conn.UserID)
		if err != nil {
			s.sendError(conn, frame.Type, "", errInternal(err))
			return
		}
		if !active {
			s.sendError(conn, frame.Type, "", errAccessDenied("not a participant of this thread"))
			return
		}
		if frame.Type == OpTypingStart {
			s.typing.Start(ctx, conn.UserID, req.ThreadID)
		} else {
			s.typing.Stop(ctx, conn.UserID, req.ThreadID)
		}

	case OpPresencePing:
		s.presence.RefreshLastSeen(ctx, conn.UserID)
		online, lastSeen := s.presence.Snapshot(ctx, s.visibleUsers(ctx, conn.UserID))
		conn.SendEvent(&Event{Type: EventPresencePong, Payload: PongPayload{OnlineUsers: online, LastSeen: lastSeen}})

	default:
		s.sendError(conn, frame.Type, "", errValidation("unknown operation"))
	}
}

// visibleUsers is the presence scope for one user: everyone sharing at
// least one thread with them.
func (s *Supervisor) visibleUsers(ctx context.Context, userID uuid.UUID) []uuid.UUID {
	threadIDs, err := s.participants.ThreadIDsOf(ctx, userID)
	if err != nil {
		s.logger.Warn("cannot resolve presence scope",
			zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}

	seen := make(map[uuid.UUID]struct{})
	var users []uuid.UUID
	for _, threadID := range threadIDs {
		participants, err := s.participants.ListActive(ctx, threadID)
		if err != nil {
			continue
		}
		for _, p := range participants {
			if p.UserID == userID {
				continue
			}
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			users = append(users, p.UserID)
		}
	}
	return users
}

func (s *Supervisor) decode(conn *Conn, frame inboundFrame, dst any) bool {
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		s.sendError(conn, frame.Type, "", errValidation("malformed payload"))
		return false
	}
	return true
}

// sendError reports a per-request failure to the originating connection
// only. Internal causes are logged in full here and never leave the server.
func (s *Supervisor) sendError(conn *Conn, op, tempID string, err error) {
	reqErr := asRequestError(err)
	if reqErr.Code == CodeInternal {
		conn.logger.Error("request failed", zap.String("op", op), zap.Error(reqErr))
	}

	conn.SendEvent(&Event{
		Type: EventError,
		Payload: ErrorPayload{
			Code:              reqErr.Code,
			Message:           reqErr.Message,
			Op:                op,
			TempID:            tempID,
			RetryAfterSeconds: int(reqErr.RetryAfter.Round(time.Second).Seconds()),
		},
	})
}

// --- administrative events from the CRUD layer ---

// ThreadCreated subscribes the creator's open connections to the new
// thread's room across the cluster.
func (s *Supervisor) ThreadCreated(ctx context.Context, threadID, creatorID uuid.UUID) {
	s.rooms.SyncMembership(ctx, threadID, creatorID, "join")
}

// ParticipantAdded reacts to a participant-added event: every instance
// joins that user's open connections to the room, then the change is
// broadcast to the thread.
func (s *Supervisor) ParticipantAdded(ctx context.Context, threadID, userID uuid.UUID, role string) {
	s.rooms.SyncMembership(ctx, threadID, userID, "join")
	s.broadcastParticipant(ctx, threadID, &Event{
		Type:    EventParticipantAdded,
		Payload: ParticipantPayload{ThreadID: threadID, UserID: userID, Role: role},
	})
}

// ParticipantRemoved unsubscribes the user's connections everywhere and
// broadcasts the departure.
func (s *Supervisor) ParticipantRemoved(ctx context.Context, threadID, userID uuid.UUID) {
	s.rooms.SyncMembership(ctx, threadID, userID, "leave")
	s.broadcastParticipant(ctx, threadID, &Event{
		Type:    EventParticipantRemoved,
		Payload: ParticipantPayload{ThreadID: threadID, UserID: userID},
	})
}

// ParticipantRoleChanged broadcasts a role change; subscriptions are
// unaffected.
func (s *Supervisor) ParticipantRoleChanged(ctx context.Context, threadID, userID uuid.UUID, role string) {
	s.broadcastParticipant(ctx, threadID, &Event{
		Type:    EventParticipantUpdated,
		Payload: ParticipantPayload{ThreadID: threadID, UserID: userID, Role: role},
	})
}

func (s *Supervisor) broadcastParticipant(ctx context.Context, threadID uuid.UUID, ev *Event) {
	if err := s.rooms.Broadcast(ctx, threadID, ev, BroadcastOpts{}); err != nil {
		s.logger.Warn("participant broadcast failed",
			zap.String("thread_id", threadID.String()), zap.Error(err))
	}
}
