package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, config ServerConfig, onMessage func(*Connection, []byte), setup func(*Server)) (*Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(config, zap.NewNop(), onMessage)
	if setup != nil {
		setup(s)
	}
	go func() { _ = s.Serve(ln) }()

	addr := ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, addr
}

func dial(t *testing.T, addr string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func testConfig() ServerConfig {
	config := DefaultServerConfig()
	config.WorkerPoolSize = 8
	config.MaxConnections = 100
	return config
}

func TestServer_EchoThroughSendQueue(t *testing.T) {
	var s *Server
	_, addr := startServer(t, testConfig(), func(c *Connection, data []byte) {
		_ = s.Send(c.ID, data)
	}, func(srv *Server) { s = srv })

	conn := dial(t, addr, nil)
	for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, string(data))
	}
}

func TestServer_DispatcherPingPong(t *testing.T) {
	d := NewMessageDispatcher(nil, zap.NewNop())
	_, addr := startServer(t, testConfig(), d.Dispatch, d.SetServer)

	conn := dial(t, addr, nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "bad_message", msg["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"matched"}`)))
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestServer_OnConnectAndDisconnect(t *testing.T) {
	var (
		mu           sync.Mutex
		connected    []string
		disconnected []string
	)
	s, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetOnConnect(func(c *Connection) error {
			mu.Lock()
			connected = append(connected, c.ID)
			mu.Unlock()
			return srv.Send(c.ID, []byte(`{"type":"session","id":"`+c.ID+`"}`))
		})
		srv.SetOnDisconnect(func(id string) {
			mu.Lock()
			disconnected = append(disconnected, id)
			mu.Unlock()
		})
	})

	conn := dial(t, addr, nil)
	id := readJSON(t, conn)["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, 1, s.Connections().Count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, connected, disconnected)
	mu.Unlock()
	assert.Equal(t, 0, s.Connections().Count())
}

// lifecycle records connect and disconnect callbacks in order.
type lifecycle struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycle) record(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *lifecycle) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestServer_RemovalDuringConnectDefersDisconnect(t *testing.T) {
	var l lifecycle
	s, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetOnConnect(func(c *Connection) error {
			srv.RemoveConnection(c)
			time.Sleep(20 * time.Millisecond)
			l.record("connect " + c.ID)
			return nil
		})
		srv.SetOnDisconnect(func(id string) { l.record("disconnect " + id) })
	})

	dial(t, addr, nil)
	require.Eventually(t, func() bool { return len(l.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	events := l.snapshot()
	require.True(t, strings.HasPrefix(events[0], "connect "), "events: %v", events)
	id := strings.TrimPrefix(events[0], "connect ")
	assert.Equal(t, "disconnect "+id, events[1])

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, l.snapshot(), 2)
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_ClientCloseDuringConnect(t *testing.T) {
	var l lifecycle
	clientClosed := make(chan struct{})
	s, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetOnConnect(func(c *Connection) error {
			select {
			case <-clientClosed:
			case <-time.After(2 * time.Second):
			}
			l.record("connect " + c.ID)
			return nil
		})
		srv.SetOnDisconnect(func(id string) { l.record("disconnect " + id) })
	})

	conn := dial(t, addr, nil)
	require.NoError(t, conn.Close())
	close(clientClosed)

	require.Eventually(t, func() bool { return len(l.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := l.snapshot()
	require.True(t, strings.HasPrefix(events[0], "connect "), "events: %v", events)
	assert.Equal(t, "disconnect "+strings.TrimPrefix(events[0], "connect "), events[1])
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_CloseFlushesQueuedFrames(t *testing.T) {
	s, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetOnConnect(func(c *Connection) error {
			_ = srv.Send(c.ID, []byte(`{"type":"banned","reason":"r"}`))
			srv.CloseConnection(c.ID)
			return nil
		})
	})

	conn := dial(t, addr, nil)
	assert.Equal(t, "banned", readJSON(t, conn)["type"])

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool { return s.Connections().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Send("gone", []byte(`{}`)), ErrConnectionClosed)
}

func TestServer_AdmissionReject(t *testing.T) {
	var connects int
	_, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetAdmission(func(ctx context.Context, ip string) ([]byte, bool) {
			return []byte(`{"type":"error","code":"rate_limited","ip":"` + ip + `"}`), false
		})
		srv.SetOnConnect(func(*Connection) error {
			connects++
			return nil
		})
	})

	conn := dial(t, addr, http.Header{"X-Forwarded-For": {"203.0.113.5"}})
	msg := readJSON(t, conn)
	assert.Equal(t, "rate_limited", msg["code"])
	assert.Equal(t, "203.0.113.5", msg["ip"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, connects)
}

func TestServer_OriginRejected(t *testing.T) {
	config := testConfig()
	config.AllowedOrigin = "https://chat.example"
	_, addr := startServer(t, config, nil, nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, addr, http.Header{"Origin": {"https://chat.example"}})
	assert.NotNil(t, conn)
}

func TestServer_MaxConnections(t *testing.T) {
	config := testConfig()
	config.MaxConnections = 1
	s, addr := startServer(t, config, nil, nil)

	dial(t, addr, nil)
	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_OversizeMessageCloses(t *testing.T) {
	config := testConfig()
	config.MaxMessageSize = 64
	s, addr := startServer(t, config, func(*Connection, []byte) {
		t.Error("oversize message must not be dispatched")
	}, nil)

	conn := dial(t, addr, nil)
	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200))))
	require.Eventually(t, func() bool { return s.Connections().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	_, addr := startServer(t, testConfig(), nil, func(srv *Server) {
		srv.SetHealthStats(func() (int, int) { return 1, 2 })
	})

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Waiting     int    `json:"waiting"`
		Pairs       int    `json:"pairs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Waiting)
	assert.Equal(t, 2, body.Pairs)
}

func TestConnection_EnqueueBounds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newConnection("c", server, "10.0.0.1", 2)
	require.NoError(t, c.Enqueue([]byte("a")))
	require.NoError(t, c.Enqueue([]byte("b")))
	assert.ErrorIs(t, c.Enqueue([]byte("c")), ErrSendQueueFull)

	assert.True(t, c.closeQueue())
	assert.False(t, c.closeQueue())
	assert.ErrorIs(t, c.Enqueue([]byte("d")), ErrConnectionClosed)
}

func TestConnectionManager_RejectsDuplicateID(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	cm := NewConnectionManager()
	first := newConnection("same", a1, "", 1)
	require.True(t, cm.Add(first))
	assert.False(t, cm.Add(newConnection("same", b1, "", 1)))

	assert.Same(t, first, cm.Get("same"))
	assert.Same(t, first, cm.GetByConn(a1))
	assert.Nil(t, cm.GetByConn(b1))

	assert.True(t, cm.Remove("same"))
	assert.False(t, cm.Remove("same"))
	assert.Zero(t, cm.Count())
}
