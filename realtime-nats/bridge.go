// Package realtimenats fans change events out across server instances: every
// locally emitted change is published to a NATS subject, and changes arriving
// from other instances are injected into the local router. Each instance tags
// its envelopes with an origin id and ignores its own.
package realtimenats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
)

// Envelope is the message format carried on the change subject.
type Envelope struct {
	Origin string                `json:"origin"`
	Change realtimeevents.Change `json:"change"`
}

// publisher is the slice of *nats.Conn the bridge writes through.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge connects the local router to a NATS subject in both directions.
type Bridge struct {
	conn    *nats.Conn
	pub     publisher
	subject string
	origin  string
	router  *realtimeevents.Router
	logger  zerolog.Logger
}

var _ realtimeevents.Relay = (*Bridge)(nil)

// New connects to NATS and returns a bridge relaying on subject.
func New(url, subject string, router *realtimeevents.Router, logger zerolog.Logger) (*Bridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn().Msg("nats connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	b := newBridge(conn, subject, router, logger)
	b.conn = conn
	return b, nil
}

func newBridge(pub publisher, subject string, router *realtimeevents.Router, logger zerolog.Logger) *Bridge {
	return &Bridge{
		pub:     pub,
		subject: subject,
		origin:  uuid.NewString(),
		router:  router,
		logger:  logger,
	}
}

// RelayChange publishes a locally emitted change. Publish failures are
// logged, never propagated: local delivery already happened or is about to.
func (b *Bridge) RelayChange(ctx context.Context, change realtimeevents.Change) {
	data, err := json.Marshal(Envelope{Origin: b.origin, Change: change})
	if err != nil {
		b.logger.Error().Err(err).Str("table", change.Table).Msg("marshalling change envelope")
		return
	}
	if err := b.pub.Publish(b.subject, data); err != nil {
		b.logger.Error().Err(err).Str("table", change.Table).Msg("publishing change envelope")
	}
}

// Run subscribes to the change subject and routes remote events locally
// until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %v: %w", b.subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			b.handle(ctx, msg.Data)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed change envelope")
		return
	}
	if envelope.Origin == b.origin {
		return // our own publish echoed back
	}
	b.router.Route(ctx, envelope.Change)
}

// Close drains the NATS connection.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
}
