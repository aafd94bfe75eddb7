package realtimenats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tj/assert"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeaccess "github.com/flowdeck/flowdeck-realtime/realtime-access"
	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
	realtimehierarchy "github.com/flowdeck/flowdeck-realtime/realtime-hierarchy"
	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
)

type capturePublisher struct {
	published [][]byte
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.published = append(p.published, data)
	return nil
}

type captureBroadcaster struct {
	events []realtimeevents.Event
}

func (b *captureBroadcaster) Broadcast(ctx context.Context, ev realtimeevents.Event) {
	b.events = append(b.events, ev)
}

func newTestBridge(t *testing.T) (*Bridge, *capturePublisher, *captureBroadcaster) {
	t.Helper()
	store := realtimestore.NewMemory()
	store.AddBoard("b1", "w1")
	sink := &captureBroadcaster{}
	router := realtimeevents.NewRouter(
		realtimehierarchy.New(store, zerolog.Nop()),
		realtimeaccess.New(store, zerolog.Nop()),
		sink,
		zerolog.Nop(),
		flowdeckcli.Metrics{},
	)
	pub := &capturePublisher{}
	bridge := newBridge(pub, "flowdeck.changes", router, zerolog.Nop())
	return bridge, pub, sink
}

func TestRelayChange(t *testing.T) {
	bridge, pub, _ := newTestBridge(t)

	change := realtimeevents.Change{
		Table: "boards",
		Op:    realtimeevents.OpInsert,
		New:   realtimeevents.Record{"id": "b1", "workspaceId": "w1"},
	}
	bridge.RelayChange(context.Background(), change)

	assert.Len(t, pub.published, 1)
	var envelope Envelope
	assert.NoError(t, json.Unmarshal(pub.published[0], &envelope))
	assert.Equal(t, bridge.origin, envelope.Origin)
	assert.Equal(t, "boards", envelope.Change.Table)
	assert.Equal(t, realtimeevents.OpInsert, envelope.Change.Op)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("remote change is routed locally", func(t *testing.T) {
		bridge, _, sink := newTestBridge(t)
		data, err := json.Marshal(Envelope{
			Origin: "someone-else",
			Change: realtimeevents.Change{
				Table: "boards",
				Op:    realtimeevents.OpInsert,
				New:   realtimeevents.Record{"id": "b1", "workspaceId": "w1"},
			},
		})
		assert.NoError(t, err)

		bridge.handle(ctx, data)
		assert.NotEmpty(t, sink.events)
	})

	t.Run("own echo is ignored", func(t *testing.T) {
		bridge, _, sink := newTestBridge(t)
		data, err := json.Marshal(Envelope{
			Origin: bridge.origin,
			Change: realtimeevents.Change{Table: "boards", Op: realtimeevents.OpInsert},
		})
		assert.NoError(t, err)

		bridge.handle(ctx, data)
		assert.Empty(t, sink.events)
	})

	t.Run("malformed envelope is dropped", func(t *testing.T) {
		bridge, _, sink := newTestBridge(t)
		bridge.handle(ctx, []byte("{nope"))
		assert.Empty(t, sink.events)
	})
}
