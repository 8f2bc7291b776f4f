// Package client provides a reusable WebSocket load test client for the video
// relay. It connects using gobwas/ws (the same library the server uses),
// records the session id the server assigns, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeNext      = "next"
	TypeReport    = "report"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSession      = "session"
	TypeWaiting      = "waiting"
	TypeMatched      = "matched"
	TypeDisconnected = "disconnected"
	TypeBanned       = "banned"
	TypeReportResult = "reportResult"
	TypeUpdateUsers  = "update-users"
	TypeError        = "error"
	TypePong         = "pong"
)

// Matched is the payload of a matched frame.
type Matched struct {
	PartnerID   string `json:"partnerId"`
	IsInitiator bool   `json:"isInitiator"`
	Country     string `json:"country,omitempty"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the session frame
	MatchLatency     time.Duration // session frame until the first matched frame
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated browser. It manages the WebSocket
// lifecycle and dispatches incoming messages to registered handlers.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	session   chan struct{}
	closeOnce sync.Once
	dialStart time.Time
	sessionAt time.Time
}

// New connects a client to the given WebSocket URL. A non-empty sourceIP is
// sent as X-Forwarded-For so that a relay with TRUST_PROXY enabled sees each
// simulated user at its own address. Handlers must be registered with On
// before Start is called.
func New(ctx context.Context, url, sourceIP string) (*Client, error) {
	dialer := ws.Dialer{}
	if sourceIP != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"X-Forwarded-For": {sourceIP}})
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
		session:   make(chan struct{}),
		dialStart: start,
	}, nil
}

// Start begins reading messages in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendSignal sends an offer, answer or candidate with the given inner payload.
func (c *Client) SendSignal(kind string, payload interface{}) error {
	field := "sdp"
	if kind == TypeCandidate {
		field = "candidate"
	}
	return c.Send(map[string]interface{}{"type": kind, field: payload})
}

// On registers a handler for a server message type. The handler receives the
// full raw JSON of the message. Handlers run on the read loop goroutine, so
// they should not block for long. A second handler for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a session id, the
// connection closes, or ctx is done.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was assigned")
	case <-c.session:
		return nil
	}
}

// Done is closed when the connection is closed or fails.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session id assigned by the server, or "" before the
// session frame arrives.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection is closed or fails.
func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us; not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		now := time.Now()
		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeSession:
			if c.sessionID == "" && envelope.ID != "" {
				c.sessionID = envelope.ID
				c.sessionAt = now
				c.metrics.ConnectLatency = now.Sub(c.dialStart)
				close(c.session)
			}
		case TypeMatched:
			if c.metrics.MatchLatency == 0 && !c.sessionAt.IsZero() {
				c.metrics.MatchLatency = now.Sub(c.sessionAt)
			}
		}
		c.mu.Unlock()

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// SourceIP returns a distinct address in 10.0.0.0/8 for the n-th simulated
// user.
func SourceIP(n int) string {
	n++
	return fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
}
