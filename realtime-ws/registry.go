package realtimews

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Registry tracks live connections by identity and remembers each identity's
// subscribed channels across reconnects. At most one live connection exists
// per user id; a new handshake supersedes the previous one.
type Registry struct {
	logger   zerolog.Logger
	metrics  flowdeckcli.Metrics
	interval time.Duration

	mu      sync.Mutex
	conns   map[string]*Conn
	durable map[string]map[string]struct{}
}

func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	g := &Registry{
		logger:   logger,
		interval: DefaultHeartbeatInterval,
		conns:    map[string]*Conn{},
		durable:  map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type RegistryOption func(*Registry)

func WithHeartbeatInterval(interval time.Duration) RegistryOption {
	return func(g *Registry) { g.interval = interval }
}

func WithRegistryMetrics(metrics flowdeckcli.Metrics) RegistryOption {
	return func(g *Registry) { g.metrics = metrics }
}

// Register binds a transport to an identity. Any prior live connection for
// the same identity is detached first and closed, and its channel set is
// carried over; with no prior connection the durable set seeds the new one.
// Detach and attach happen under one lock hold, so there is no window where
// both or neither connection is registered.
func (g *Registry) Register(userID string, transport Transport) *Conn {
	conn := newConn(userID, transport)

	g.mu.Lock()
	prior := g.conns[userID]
	channels := map[string]struct{}{}
	if prior != nil {
		for _, channel := range prior.Channels() {
			channels[channel] = struct{}{}
		}
	} else {
		for channel := range g.durable[userID] {
			channels[channel] = struct{}{}
		}
	}
	conn.setChannels(channels)
	g.conns[userID] = conn
	g.mu.Unlock()

	if prior != nil {
		prior.closeWith(nil, websocket.CloseNormalClosure, "superseded by new connection")
		g.logger.Info().Str("user_id", userID).Msg("connection superseded")
	}

	go conn.writePump()
	return conn
}

// Subscribe adds channel to the connection's live set and the identity's
// durable set, after validating the channel name.
func (g *Registry) Subscribe(conn *Conn, channel string) error {
	if !realtimeevents.ValidChannel(channel) {
		return fmt.Errorf("invalid channel name %q", channel)
	}
	conn.addChannel(channel)
	g.mu.Lock()
	if g.durable[conn.UserID] == nil {
		g.durable[conn.UserID] = map[string]struct{}{}
	}
	g.durable[conn.UserID][channel] = struct{}{}
	g.mu.Unlock()
	return nil
}

// Unsubscribe removes channel from both the live and durable sets.
func (g *Registry) Unsubscribe(conn *Conn, channel string) {
	conn.removeChannel(channel)
	g.mu.Lock()
	delete(g.durable[conn.UserID], channel)
	g.mu.Unlock()
}

// ForEachSubscriber visits the live connections subscribed to channel, in
// stable (user id) order. A durably remembered but disconnected identity is
// never visited.
func (g *Registry) ForEachSubscriber(channel string, fn func(conn *Conn)) {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].UserID < conns[j].UserID })
	for _, conn := range conns {
		if conn.Subscribed(channel) {
			fn(conn)
		}
	}
}

// Remove drops the live connection entry and closes it. The durable channel
// set is retained for future reconnects.
func (g *Registry) Remove(conn *Conn) {
	g.mu.Lock()
	if g.conns[conn.UserID] == conn {
		delete(g.conns, conn.UserID)
	}
	g.mu.Unlock()
	conn.close()
}

// Len returns the number of live connections.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// CloseAll sends frame to every live connection and closes them with the
// going-away status.
func (g *Registry) CloseAll(frame []byte) {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = map[string]*Conn{}
	g.mu.Unlock()

	for _, conn := range conns {
		conn.closeWith(frame, websocket.CloseGoingAway, "server shutting down")
	}
}

// Run sweeps for half-open transports until ctx is cancelled: a connection
// whose liveness flag was not refreshed since the previous sweep is forced
// out; the rest get their flag cleared and a new probe.
func (g *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs a single heartbeat pass.
func (g *Registry) Sweep(ctx context.Context) {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		if !conn.alive.Load() {
			g.logger.Info().Str("user_id", conn.UserID).Msg("evicting unresponsive connection")
			g.metrics.Event(ctx, flowdeckcli.HeartbeatEvictionMetric)
			g.Remove(conn)
			continue
		}
		conn.alive.Store(false)
		conn.ping()
	}
	g.metrics.Gauge(ctx, flowdeckcli.ConnectionsMetric, float64(g.Len()))
}
