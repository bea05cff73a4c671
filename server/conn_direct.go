package server

import (
	"log"
	"net"
	"sync"
	"time"

	"chatserv/protocol"
)

// directSink serializes each response straight onto the peer connection.
// The mutex is what lets another identity's dispatch deliver into this
// connection's outbound stream without interleaving frames; the write
// deadline keeps a stalled peer from holding the lock, and with it the
// sender, indefinitely.
type directSink struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func newDirectSink(conn net.Conn, timeout time.Duration) *directSink {
	return &directSink{conn: conn, timeout: timeout}
}

func (s *directSink) Deliver(resp *protocol.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if err := protocol.WriteFrame(s.conn, resp); err != nil {
		log.Printf("Error writing to %s: %v", s.conn.RemoteAddr(), err)
		return false
	}
	return true
}

func (s *directSink) shutdown() {}
