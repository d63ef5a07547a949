package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angelfreak/peerlink/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// enqueue never blocks; false means the client is gone or too slow
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans session events out to websocket clients. It is a
// types.EventSink.
type Broadcaster struct {
	logger types.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger types.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// AddClient registers conn and starts its writer
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

// RemoveClient unregisters c and stops its writer
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish sends event to every client without blocking
func (b *Broadcaster) Publish(event types.SessionEvent) {
	data, err := json.Marshal(Message{Type: MsgEvent, Event: &event})
	if err != nil {
		b.logger.Warn("Failed to encode session event", "event", event.Kind, "error", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			b.logger.Warn("Event client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			b.RemoveClient(c)
		}
	}
}

// ClientCount returns the number of connected clients
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
