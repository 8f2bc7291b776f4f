package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnectionClosed is returned when enqueueing to a connection whose
	// send queue has been closed, or that is not registered.
	ErrConnectionClosed = errors.New("ws: connection closed")
	// ErrSendQueueFull is returned when a connection's send queue is full.
	// The connection is evicted.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Connection represents a single WebSocket client connection with its
// associated metadata, a bounded outbound queue, and a write mutex for
// serializing frames written by the queue writer and the heartbeat.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	RemoteIP  string    // client address as resolved at upgrade
	CreatedAt time.Time // when the connection was established

	lastActive int64      // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	queueMu sync.Mutex
	closed  bool
	send    chan []byte

	// hookMu orders the connect and disconnect callbacks.
	hookMu    sync.Mutex
	connected bool // onConnect has returned
	removed   bool // RemoveConnection has run
}

func newConnection(id string, conn net.Conn, remoteIP string, queueSize int) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		Conn:       conn,
		RemoteIP:   remoteIP,
		CreatedAt:  now,
		lastActive: now.UnixNano(),
		send:       make(chan []byte, queueSize),
	}
}

// Enqueue adds a frame to the connection's send queue without blocking.
func (c *Connection) Enqueue(frame []byte) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// closeQueue stops the connection from accepting frames. Frames already
// queued are still written by the writer. It reports whether this call
// closed the queue.
func (c *Connection) closeQueue() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// markConnected records that the connect callback has returned. It reports
// whether the connection was removed meanwhile, in which case the caller
// runs the disconnect callback.
func (c *Connection) markConnected() (removed bool) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.connected = true
	return c.removed
}

// markRemoved records removal and reports whether the connect callback has
// already returned. If not, markConnected's caller runs the disconnect
// callback instead.
func (c *Connection) markRemoved() (connected bool) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.removed = true
	return c.connected
}

// touch records read activity for the heartbeat.
func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePong answers a client ping with the same payload.
func (c *Connection) writePong(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// writeClose sends a normal-closure close frame. Errors are ignored since the
// connection is being torn down.
func (c *Connection) writeClose(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(body))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection, for epoll lookups
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps. It returns false
// without registering if the id is already present.
func (cm *ConnectionManager) Add(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.byID[conn.ID]; exists {
		return false
	}
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	return true
}

// Remove removes a connection by session ID from both lookup maps. Returns
// true if the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast enqueues a message on every connection. Full or closed queues
// are skipped; the returned slice lists connections whose queue was full.
func (cm *ConnectionManager) Broadcast(msg []byte) []*Connection {
	var full []*Connection
	for _, conn := range cm.All() {
		if err := conn.Enqueue(msg); errors.Is(err, ErrSendQueueFull) {
			full = append(full, conn)
		}
	}
	return full
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
