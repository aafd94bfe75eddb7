package realtimews

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeaccess "github.com/flowdeck/flowdeck-realtime/realtime-access"
	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
)

// Close statuses sent before tearing down an unauthenticated handshake.
const (
	CloseAuthRequired = 4401
	CloseAuthFailed   = 4403
)

// Server upgrades websocket handshakes, authenticates them, and delivers
// routed events to live subscribers with the per-recipient access gate. It is
// the realtimeevents.Broadcaster of the process.
type Server struct {
	registry   *Registry
	access     *realtimeaccess.Cache
	identities realtimestore.Identities
	secret     []byte
	logger     zerolog.Logger
	metrics    flowdeckcli.Metrics
	upgrader   websocket.Upgrader
}

var _ realtimeevents.Broadcaster = (*Server)(nil)

func NewServer(registry *Registry, access *realtimeaccess.Cache, identities realtimestore.Identities, secret []byte, logger zerolog.Logger, metrics flowdeckcli.Metrics) *Server {
	return &Server{
		registry:   registry,
		access:     access,
		identities: identities,
		secret:     secret,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens at the edge; tokens gate access here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry, for health reporting and the
// heartbeat loop.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP is the websocket endpoint. The token is checked after the
// upgrade so the client receives a meaningful close status rather than a
// failed handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := TokenFromRequest(r)
	if token == "" {
		s.refuse(ws, CloseAuthRequired, "authentication required")
		return
	}

	userID, err := VerifyToken(token, s.secret)
	if err != nil {
		s.logger.Warn().Err(err).Msg("token verification failed")
		s.refuse(ws, CloseAuthFailed, "authentication failed")
		return
	}

	exists, err := s.identities.UserExists(r.Context(), userID)
	if err != nil || !exists {
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("identity lookup failed")
		}
		s.refuse(ws, CloseAuthFailed, "authentication failed")
		return
	}

	conn := s.registry.Register(userID, ws)
	s.logger.Info().Str("user_id", userID).Msg("connection established")
	s.metrics.Gauge(r.Context(), flowdeckcli.ConnectionsMetric, float64(s.registry.Len()))

	// Resynchronize a reconnecting client: acknowledge every remembered
	// channel before announcing the connection.
	for _, channel := range conn.Channels() {
		conn.Send(SubscribedMessage(channel))
	}
	conn.Send(ConnectedMessage())

	s.readLoop(ws, conn)
}

func (s *Server) refuse(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

func (s *Server) readLoop(ws *websocket.Conn, conn *Conn) {
	ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !conn.Closed() {
				s.logger.Debug().Err(err).Str("user_id", conn.UserID).Msg("connection closed")
			}
			s.registry.Remove(conn)
			return
		}
		s.handleMessage(conn, data)
	}
}

// handleMessage dispatches one client frame. A malformed or unknown frame is
// logged and dropped; it never closes the connection.
func (s *Server) handleMessage(conn *Conn, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", conn.UserID).Msg("dropping malformed message")
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		if err := s.registry.Subscribe(conn, msg.Channel); err != nil {
			conn.Send(ErrorMessage(err.Error()))
			return
		}
		conn.Send(SubscribedMessage(msg.Channel))
	case MsgUnsubscribe:
		s.registry.Unsubscribe(conn, msg.Channel)
		conn.Send(UnsubscribedMessage(msg.Channel))
	case MsgPing:
		conn.alive.Store(true)
		conn.Send(PongMessage())
	default:
		s.logger.Warn().Str("type", msg.Type).Str("user_id", conn.UserID).Msg("unknown message type")
	}
}

// Broadcast delivers ev to the live subscribers of its channel. Events tied
// to a board are gated per recipient: updates and deletes are re-checked
// against current membership and withheld on denial or check failure, while
// inserts go out even on a negative cached result, so a just-added
// collaborator sees the object that triggered their grant. A recipient
// denied an update or delete also loses the matching board channel from its
// live set, so revoked users stop being re-evaluated on every future event.
func (s *Server) Broadcast(ctx context.Context, ev realtimeevents.Event) {
	frame := DataMessage(ev)
	fanout := 0

	s.registry.ForEachSubscriber(ev.Channel, func(conn *Conn) {
		if !s.allow(ctx, conn, ev) {
			return
		}
		if !conn.Send(frame) {
			s.logger.Warn().Str("user_id", conn.UserID).Str("channel", ev.Channel).Msg("dropping stalled connection")
			s.registry.Remove(conn)
			return
		}
		fanout++
	})

	s.metrics.Gauge(ctx, flowdeckcli.BroadcastFanoutMetric, float64(fanout), map[flowdeckcli.DimensionName]string{
		flowdeckcli.ChannelKindDimension: realtimeevents.ChannelKind(ev.Channel),
	})
}

func (s *Server) allow(ctx context.Context, conn *Conn, ev realtimeevents.Event) bool {
	if ev.BoardID == "" {
		return true
	}

	switch ev.Op {
	case realtimeevents.OpInsert:
		// Warm the cache but deliver regardless: a stale or fresh negative
		// must not hide the object whose creation granted access. The
		// over-delivery window is bounded by the cache TTL.
		s.access.HasAccess(ctx, conn.UserID, ev.BoardID, false)
		return true
	case realtimeevents.OpUpdate, realtimeevents.OpDelete:
		allowed, err := s.access.HasAccess(ctx, conn.UserID, ev.BoardID, true)
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", conn.UserID).
				Str("board_id", ev.BoardID).
				Msg("access check failed, withholding event")
		}
		if err != nil || !allowed {
			if ev.Channel == realtimeevents.BoardChannel(ev.BoardID) {
				conn.removeChannel(ev.Channel)
			}
			return false
		}
		return true
	default:
		return true
	}
}

// Shutdown notifies every live connection and closes it.
func (s *Server) Shutdown(ctx context.Context) {
	s.registry.CloseAll(ShutdownMessage())
	s.metrics.Gauge(ctx, flowdeckcli.ConnectionsMetric, 0)
}
