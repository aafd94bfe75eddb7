package realtimews

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Transport is the subset of *websocket.Conn a Conn writes to. Tests provide
// fakes; production always passes the gorilla connection.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is one live transport bound to an authenticated identity. All frames
// go through a buffered send channel drained by a single writer goroutine,
// which preserves per-connection delivery order.
type Conn struct {
	UserID string

	transport Transport
	send      chan []byte
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	mu       sync.Mutex
	channels map[string]struct{}
}

func newConn(userID string, transport Transport) *Conn {
	c := &Conn{
		UserID:    userID,
		transport: transport,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		channels:  map[string]struct{}{},
	}
	c.alive.Store(true)
	return c
}

// Send enqueues a frame for the writer goroutine. It reports false when the
// connection is closed or its buffer is full (a stalled consumer).
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Conn) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever was queued before the connection closed. Only the
// writer goroutine may call it; the transport allows one writer at a time.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ping issues a liveness probe control frame.
func (c *Conn) ping() {
	c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// closeWith stops the writer, flushes anything already queued, writes an
// optional final frame, then a close frame, and tears the transport down.
// Waiting on the writer keeps the final frame ordered ahead of the close
// frame; it must never be called from the writer goroutine itself. Best
// effort; the peer may already be gone.
func (c *Conn) closeWith(frame []byte, code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.pumpDone
		if frame != nil {
			c.transport.WriteMessage(websocket.TextMessage, frame)
		}
		msg := websocket.FormatCloseMessage(code, reason)
		c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.transport.Close()
	})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Conn) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// Subscribed reports whether the live set contains channel.
func (c *Conn) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// Channels returns a snapshot of the live subscription set.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	return out
}

func (c *Conn) setChannels(channels map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = channels
}
