// Package realtimews owns the websocket lifecycle of the realtime subsystem:
// handshake authentication, the connection registry with its durable
// subscription sets, the heartbeat sweep, and per-recipient access gating on
// broadcast.
package realtimews

import (
	"encoding/json"
	"fmt"

	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
)

// Client → server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// ClientMessage is a frame sent by the client.
type ClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ParseClientMessage parses a client frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

// ServerMessage is a frame sent to the client: data-change events carry the
// mutation kind in Event plus the source table; control and application
// events use Event "CUSTOM".
type ServerMessage struct {
	Event   string `json:"event"`
	Table   string `json:"table,omitempty"`
	Channel string `json:"channel"`
	Payload any    `json:"payload,omitempty"`
}

const EventCustom = "CUSTOM"

// DataMessage encodes a routed event as a wire frame.
func DataMessage(ev realtimeevents.Event) []byte {
	event := string(ev.Op)
	if ev.Op == realtimeevents.OpCustom {
		event = EventCustom
	}
	b, _ := json.Marshal(ServerMessage{
		Event:   event,
		Table:   ev.Table,
		Channel: ev.Channel,
		Payload: ev.Payload,
	})
	return b
}

func controlMessage(payload map[string]any) []byte {
	b, _ := json.Marshal(ServerMessage{
		Event:   EventCustom,
		Channel: realtimeevents.SystemChannel,
		Payload: payload,
	})
	return b
}

// ConnectedMessage is sent once after a successful handshake.
func ConnectedMessage() []byte {
	return controlMessage(map[string]any{"type": "connected"})
}

// SubscribedMessage acknowledges a subscription; it is also replayed for
// every durably remembered channel on reconnect.
func SubscribedMessage(channel string) []byte {
	return controlMessage(map[string]any{"type": "subscribed", "channel": channel})
}

func UnsubscribedMessage(channel string) []byte {
	return controlMessage(map[string]any{"type": "unsubscribed", "channel": channel})
}

func ErrorMessage(message string) []byte {
	return controlMessage(map[string]any{"type": "error", "message": message})
}

func PongMessage() []byte {
	return controlMessage(map[string]any{"type": "pong"})
}

// ShutdownMessage is sent to every live connection before the server stops.
func ShutdownMessage() []byte {
	return controlMessage(map[string]any{"type": "shutdown"})
}
