package gateway

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/YigremTamiru/cell0-os-sub002/internal/presence"
)

// writeTimeout bounds a single socket write; a peer that cannot drain a
// frame inside it is treated as gone.
const writeTimeout = 10 * time.Second

// conn is one live WebSocket connection. The writer goroutine is the
// only caller of WriteMessage; everything else goes through the bounded
// send channel.
type conn struct {
	id        string
	ws        *websocket.Conn
	remote    string
	createdAt time.Time

	send chan []byte

	mu           sync.Mutex
	closed       bool
	lastActivity time.Time
	sessionID    string
	entityID     string
	entityType   presence.EntityType
}

func newConn(ws *websocket.Conn, remote string, queueSize int) *conn {
	now := time.Now()
	id := uuid.New()
	return &conn{
		id:           "conn_" + hex.EncodeToString(id[:8]),
		ws:           ws,
		remote:       remote,
		createdAt:    now,
		lastActivity: now,
		send:         make(chan []byte, queueSize),
	}
}

// touch refreshes the activity clock the heartbeat loop reads.
func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) activity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// bind attaches the authenticated identity. At most one session per
// connection; rebinding replaces the previous one.
func (c *conn) bind(sessionID, entityID string, et presence.EntityType) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.entityID = entityID
	c.entityType = et
	c.mu.Unlock()
}

func (c *conn) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) boundEntity() (string, presence.EntityType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityID, c.entityType
}

// enqueue queues one outbound frame. ErrConnectionClosed after teardown
// started, ErrSlowConsumer when the queue is full.
func (c *conn) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// closeSend stops the writer after the queue drains. Safe to call more
// than once.
func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump drains the send queue onto the socket. It exits when the
// queue closes (sending a close frame best-effort) or a write fails.
func (c *conn) writePump() {
	defer c.ws.Close()
	for payload := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
