//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that waits for the socket to
// become readable without consuming any bytes, reports it, and then waits
// for Resume before watching again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

// monitor reports conn as ready each time it becomes readable. After each
// report it waits for Resume, so a connection is never handed to two readers.
func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		waitReadable(conn)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// waitReadable blocks until conn has data or has failed. Connections that do
// not expose a raw socket return immediately and the reader blocks instead.
func waitReadable(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}

	// The first call reports "not done" so the runtime poller parks until
	// the socket is readable; the second call returns without reading.
	polled := false
	_ = raw.Read(func(uintptr) bool {
		if polled {
			return true
		}
		polled = true
		return false
	})
}

// Resume lets the monitor for conn watch it again.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
