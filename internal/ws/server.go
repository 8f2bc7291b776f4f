// Package ws handles WebSocket connection management: upgrading HTTP
// connections, an epoll-driven read loop with a bounded worker pool, a
// per-connection outbound queue, and heartbeat eviction.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/metrics"
	"github.com/whisper/video-relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":3000"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	MaxMessageSize int64         // largest accepted inbound message
	AllowedOrigin  string        // "*" or comma-separated origins
	TrustProxy     bool          // honor X-Forwarded-For / X-Real-IP
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3000",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 128 << 10,
		AllowedOrigin:  "*",
		TrustProxy:     true,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// AdmitFunc decides whether a freshly upgraded client may stay. When ok is
// false the server writes reply (if non-nil), closes the connection and
// never registers it.
type AdmitFunc func(ctx context.Context, ip string) (reply []byte, ok bool)

// HealthStats supplies the pairing figures reported by /health.
type HealthStats func() (waiting, pairs int)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for read
// readiness, and dispatches ready connections to a bounded worker pool.
// Each connection has a writer goroutine draining its send queue.
type Server struct {
	config       ServerConfig
	log          *zap.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                        // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error        // called after registration
	onDisconnect func(connID string)                 // called when a connection is removed
	admit        AdmitFunc
	healthStats  HealthStats
	mux          *http.ServeMux
	mu           sync.Mutex // guards httpServer and epoll between Serve and Shutdown
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time // server start time for uptime calculation
	newID        func() string
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text message is received from a client.
func NewServer(config ServerConfig, log *zap.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultServerConfig().SendQueueSize
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	s := &Server{
		config:     config,
		log:        log,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		newID:      func() string { return uuid.New().String() },
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// SetOnConnect registers a callback invoked after a connection is registered
// and its writer is running. Returning an error closes the connection after
// any frames the callback queued have been written.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, slow consumer, or close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmission registers the admission check run right after upgrade.
func (s *Server) SetAdmission(fn AdmitFunc) {
	s.admit = fn
}

// SetHealthStats registers the provider of pairing figures for /health.
func (s *Server) SetHealthStats(fn HealthStats) {
	s.healthStats = fn
}

// Handle registers an additional HTTP handler on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and heartbeat,
// and serves HTTP on ln. It blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = epoll.Close()
		return nil
	default:
	}
	s.epoll = epoll
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, runs admission, and registers the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !OriginAllowed(r.Header.Get("Origin"), s.config.AllowedOrigin) {
		metrics.AdmissionsRejected.WithLabelValues("origin").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.AdmissionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := ClientIP(r, s.config.TrustProxy)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	if s.admit != nil {
		if reply, ok := s.admit(r.Context(), ip); !ok {
			s.reject(conn, reply)
			return
		}
	}

	c := newConnection(s.newID(), conn, ip, s.config.SendQueueSize)
	if !s.conns.Add(c) {
		metrics.AdmissionsRejected.WithLabelValues("duplicate").Inc()
		s.log.Error("duplicate session id", zap.String("session", c.ID))
		reply, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeInternal,
			Message: "session could not be created",
		})
		s.reject(conn, reply)
		return
	}
	metrics.ConnectionsTotal.Inc()

	go s.writeLoop(c)

	s.log.Info("new connection",
		zap.String("session", c.ID), zap.String("ip", ip), zap.Int("total", s.conns.Count()))

	// Reads start only after onConnect, and a removal that races with it
	// defers onDisconnect until it has returned.
	var connectErr error
	if s.onConnect != nil {
		connectErr = s.onConnect(c)
	}
	if c.markConnected() {
		s.log.Debug("connection closed during connect", zap.String("session", c.ID))
		if s.onDisconnect != nil {
			s.onDisconnect(c.ID)
		}
		return
	}
	if connectErr != nil {
		s.log.Warn("connection refused after registration", zap.String("session", c.ID), zap.Error(connectErr))
		s.CloseConnection(c.ID)
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error("epoll add failed", zap.String("session", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	if s.conns.Get(c.ID) == nil {
		// Removed before it reached the poller.
		_ = s.epoll.Remove(conn)
	}
}

// reject writes reply and a close frame to an unregistered connection and
// closes it.
func (s *Server) reject(conn net.Conn, reply []byte) {
	c := newConnection("", conn, "", 1)
	if reply != nil {
		if err := c.WriteMessage(reply, s.config.WriteTimeout); err != nil {
			s.log.Debug("failed to write rejection", zap.Error(err))
		}
	}
	c.writeClose(s.config.WriteTimeout)
	_ = conn.Close()
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Waiting     int    `json:"waiting"`
		Pairs       int    `json:"pairs"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.healthStats != nil {
		resp.Waiting, resp.Pairs = s.healthStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Only one worker reads a connection at a time.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch()

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writePong(payload, s.config.WriteTimeout); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	limit := s.config.MaxMessageSize
	if limit <= 0 {
		limit = DefaultServerConfig().MaxMessageSize
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if int64(len(data)) > limit {
		s.log.Warn("message too large, closing",
			zap.String("session", c.ID), zap.Int64("limit", limit))
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// writeLoop drains c's send queue onto the socket. When the queue is closed
// it flushes what remains, sends a close frame and removes the connection.
func (s *Server) writeLoop(c *Connection) {
	for frame := range c.send {
		if err := c.WriteMessage(frame, s.config.WriteTimeout); err != nil {
			s.log.Debug("write failed", zap.String("session", c.ID), zap.Error(err))
			s.RemoveConnection(c)
			return
		}
	}
	c.writeClose(s.config.WriteTimeout)
	s.RemoveConnection(c)
}

// Send enqueues data for the connection identified by connID. It never
// blocks: a full queue evicts the connection asynchronously, since Send may
// be called while the caller holds locks the disconnect path needs.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnectionClosed
	}

	err := c.Enqueue(data)
	if errors.Is(err, ErrSendQueueFull) {
		s.log.Warn("send queue full, evicting slow connection", zap.String("session", connID))
		go s.RemoveConnection(c)
	}
	return err
}

// CloseConnection stops accepting frames for connID and closes it once the
// frames already queued have been written.
func (s *Server) CloseConnection(connID string) {
	if c := s.conns.Get(connID); c != nil {
		c.closeQueue()
	}
}

// Close is CloseConnection under the name the moderation flow expects.
func (s *Server) Close(connID string) {
	s.CloseConnection(connID)
}

// RemoveConnection removes a connection from epoll and the connection
// manager, closes its queue and the underlying network connection, and
// notifies the application once.
func (s *Server) RemoveConnection(c *Connection) {
	c.closeQueue()
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	_ = c.Close()

	// Only the first remover proceeds.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if c.markRemoved() && s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Info("connection closed", zap.String("session", c.ID), zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.done) })
	httpServer, epoll := s.httpServer, s.epoll
	s.mu.Unlock()

	var shutdownErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if epoll != nil {
		_ = epoll.Close()
	}

	s.log.Info("server stopped, all connections closed")
	return shutdownErr
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
