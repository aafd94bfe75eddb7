package realtimews

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeaccess "github.com/flowdeck/flowdeck-realtime/realtime-access"
	realtimeevents "github.com/flowdeck/flowdeck-realtime/realtime-events"
	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
)

const testBoardID = "1f0db2a0-07c7-4f35-9a8c-6344a3a79b61"

var testSecret = []byte("test-secret")

func newTestServer(store *realtimestore.Memory) *Server {
	registry := NewRegistry(zerolog.Nop())
	access := realtimeaccess.New(store, zerolog.Nop())
	return NewServer(registry, access, store, testSecret, zerolog.Nop(), flowdeckcli.Metrics{})
}

func decodeFrames(t *testing.T, ft *fakeTransport) []ServerMessage {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []ServerMessage
	for _, frame := range ft.frames {
		var msg ServerMessage
		assert.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

func TestBroadcastGate(t *testing.T) {
	ctx := context.Background()
	channel := "board:" + testBoardID

	t.Run("update withheld after membership revocation", func(t *testing.T) {
		store := realtimestore.NewMemory()
		store.AddMember(testBoardID, "u1")
		s := newTestServer(store)

		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		assert.NoError(t, s.registry.Subscribe(conn, channel))

		// warm a positive cache entry, then revoke
		allowed, err := s.access.HasAccess(ctx, "u1", testBoardID, false)
		assert.NoError(t, err)
		assert.True(t, allowed)
		store.RemoveMember(testBoardID, "u1")

		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpUpdate, Table: "cards", Channel: channel, BoardID: testBoardID,
			Payload: map[string]any{"id": "k1"},
		})

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, ft.frameCount())
		// self-healing: the board channel left the live set
		assert.False(t, conn.Subscribed(channel))
	})

	t.Run("insert delivered despite negative cache", func(t *testing.T) {
		store := realtimestore.NewMemory()
		store.AddUser("u1")
		s := newTestServer(store)

		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		assert.NoError(t, s.registry.Subscribe(conn, channel))

		// cache a denial, then grant membership without invalidating
		allowed, err := s.access.HasAccess(ctx, "u1", testBoardID, false)
		assert.NoError(t, err)
		assert.False(t, allowed)
		store.AddMember(testBoardID, "u1")

		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpInsert, Table: "cards", Channel: channel, BoardID: testBoardID,
			Payload: map[string]any{"id": "k1"},
		})

		waitFrames(t, ft, 1)
		msgs := decodeFrames(t, ft)
		assert.Equal(t, "INSERT", msgs[0].Event)
		assert.True(t, conn.Subscribed(channel))
	})

	t.Run("check failure is closed for deletes and open for inserts", func(t *testing.T) {
		store := realtimestore.NewMemory()
		store.AddMember(testBoardID, "u1")
		s := newTestServer(store)

		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		assert.NoError(t, s.registry.Subscribe(conn, channel))
		store.FailAuthorization(errors.New("db down"))

		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpDelete, Table: "cards", Channel: channel, BoardID: testBoardID,
			Payload: map[string]any{"id": "k1"},
		})
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, ft.frameCount())

		assert.NoError(t, s.registry.Subscribe(conn, channel))
		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpInsert, Table: "cards", Channel: channel, BoardID: testBoardID,
			Payload: map[string]any{"id": "k2"},
		})
		waitFrames(t, ft, 1)
	})

	t.Run("ungated events skip the access check", func(t *testing.T) {
		store := realtimestore.NewMemory()
		s := newTestServer(store)

		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		assert.NoError(t, s.registry.Subscribe(conn, "global"))

		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpUpdate, Table: "settings", Channel: "global",
			Payload: map[string]any{"id": "s1"},
		})
		waitFrames(t, ft, 1)
	})

	t.Run("workspace channel denial does not unsubscribe it", func(t *testing.T) {
		store := realtimestore.NewMemory()
		store.AddUser("u1")
		s := newTestServer(store)
		wsChannel := "workspace:a3d1a9de-4c1a-4f57-a65b-121df3a52de8"

		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		assert.NoError(t, s.registry.Subscribe(conn, wsChannel))

		s.Broadcast(ctx, realtimeevents.Event{
			Op: realtimeevents.OpUpdate, Table: "cards", Channel: wsChannel, BoardID: testBoardID,
			Payload: map[string]any{"id": "k1"},
		})
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, ft.frameCount())
		// the workspace channel carries other boards the user may still see
		assert.True(t, conn.Subscribed(wsChannel))
	})
}

func TestHandleMessage(t *testing.T) {
	store := realtimestore.NewMemory()
	s := newTestServer(store)
	channel := "board:" + testBoardID

	t.Run("malformed json is dropped", func(t *testing.T) {
		ft := &fakeTransport{}
		conn := s.registry.Register("u1", ft)
		s.handleMessage(conn, []byte("{nope"))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, ft.frameCount())
		assert.False(t, conn.Closed())
	})

	t.Run("subscribe acknowledges", func(t *testing.T) {
		ft := &fakeTransport{}
		conn := s.registry.Register("u2", ft)
		s.handleMessage(conn, []byte(`{"type":"subscribe","channel":"`+channel+`"}`))
		waitFrames(t, ft, 1)
		msgs := decodeFrames(t, ft)
		assert.Equal(t, EventCustom, msgs[0].Event)
		assert.Contains(t, string(mustJSON(t, msgs[0].Payload)), "subscribed")
		assert.True(t, conn.Subscribed(channel))
	})

	t.Run("invalid subscribe returns error and keeps connection", func(t *testing.T) {
		ft := &fakeTransport{}
		conn := s.registry.Register("u3", ft)
		s.handleMessage(conn, []byte(`{"type":"subscribe","channel":""}`))
		waitFrames(t, ft, 1)
		msgs := decodeFrames(t, ft)
		assert.Contains(t, string(mustJSON(t, msgs[0].Payload)), "error")
		assert.False(t, conn.Closed())
	})

	t.Run("ping marks alive and answers pong", func(t *testing.T) {
		ft := &fakeTransport{}
		conn := s.registry.Register("u4", ft)
		conn.alive.Store(false)
		s.handleMessage(conn, []byte(`{"type":"ping"}`))
		waitFrames(t, ft, 1)
		assert.True(t, conn.alive.Load())
		msgs := decodeFrames(t, ft)
		assert.Contains(t, string(mustJSON(t, msgs[0].Payload)), "pong")
	})

	t.Run("unknown type ignored", func(t *testing.T) {
		ft := &fakeTransport{}
		conn := s.registry.Register("u5", ft)
		s.handleMessage(conn, []byte(`{"type":"dance"}`))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, ft.frameCount())
		assert.False(t, conn.Closed())
	})
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	return b
}

func TestServeHTTP(t *testing.T) {
	store := realtimestore.NewMemory()
	store.AddUser("u1")
	s := newTestServer(store)

	httpServer := httptest.NewServer(s)
	defer httpServer.Close()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	readMessage := func(t *testing.T, ws *websocket.Conn) ServerMessage {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg ServerMessage
		_, data, err := ws.ReadMessage()
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	payloadType := func(t *testing.T, msg ServerMessage) string {
		t.Helper()
		payload, ok := msg.Payload.(map[string]any)
		assert.True(t, ok)
		s, _ := payload["type"].(string)
		return s
	}

	t.Run("missing token is refused", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NoError(t, err)
		defer ws.Close()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = ws.ReadMessage()
		assert.Error(t, err)
		var closeErr *websocket.CloseError
		assert.True(t, errors.As(err, &closeErr))
		assert.Equal(t, CloseAuthRequired, closeErr.Code)
	})

	t.Run("bad token is refused", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=garbage", nil)
		assert.NoError(t, err)
		defer ws.Close()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = ws.ReadMessage()
		assert.Error(t, err)
		var closeErr *websocket.CloseError
		assert.True(t, errors.As(err, &closeErr))
		assert.Equal(t, CloseAuthFailed, closeErr.Code)
	})

	t.Run("unknown identity is refused", func(t *testing.T) {
		token := signToken(t, testSecret, "nobody", time.Hour)
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		assert.NoError(t, err)
		defer ws.Close()

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = ws.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("handshake, subscribe, broadcast, reconnect", func(t *testing.T) {
		token := signToken(t, testSecret, "u1", time.Hour)
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		assert.NoError(t, err)

		msg := readMessage(t, ws)
		assert.Equal(t, "connected", payloadType(t, msg))

		assert.NoError(t, ws.WriteJSON(ClientMessage{Type: MsgSubscribe, Channel: "global"}))
		msg = readMessage(t, ws)
		assert.Equal(t, "subscribed", payloadType(t, msg))

		s.Broadcast(context.Background(), realtimeevents.Event{
			Op: realtimeevents.OpInsert, Table: "cards", Channel: "global",
			Payload: map[string]any{"entityId": "k1"},
		})
		msg = readMessage(t, ws)
		assert.Equal(t, "INSERT", msg.Event)
		assert.Equal(t, "cards", msg.Table)
		assert.Equal(t, "global", msg.Channel)

		ws.Close()
		// the registry notices the close shortly after
		deadline := time.Now().Add(2 * time.Second)
		for s.registry.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		assert.Equal(t, 0, s.registry.Len())

		// reconnect resynchronizes the remembered channel without resubscribing
		ws2, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		assert.NoError(t, err)
		defer ws2.Close()

		msg = readMessage(t, ws2)
		assert.Equal(t, "subscribed", payloadType(t, msg))
		msg = readMessage(t, ws2)
		assert.Equal(t, "connected", payloadType(t, msg))

		s.Broadcast(context.Background(), realtimeevents.Event{
			Op: realtimeevents.OpInsert, Table: "cards", Channel: "global",
			Payload: map[string]any{"entityId": "k2"},
		})
		msg = readMessage(t, ws2)
		assert.Equal(t, "INSERT", msg.Event)
	})
}

func TestShutdown(t *testing.T) {
	store := realtimestore.NewMemory()
	store.AddUser("u1")
	s := newTestServer(store)

	httpServer := httptest.NewServer(s)
	defer httpServer.Close()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	token := signToken(t, testSecret, "u1", time.Hour)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	assert.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	_, data, err := ws.ReadMessage()
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(data, &msg))

	s.Shutdown(context.Background())

	// the shutdown notice arrives before the connection is closed
	_, data, err = ws.ReadMessage()
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(data, &msg))
	payload, ok := msg.Payload.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "shutdown", payload["type"])

	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	var closeErr *websocket.CloseError
	assert.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, s.registry.Len())
}
