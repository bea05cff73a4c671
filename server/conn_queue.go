package server

import (
	"log"
	"net"
	"sync"
	"time"

	"chatserv/protocol"
)

// queueSink is the streaming realization: Deliver enqueues onto a bounded
// channel and a dedicated writer goroutine drains it onto the stream. A
// full queue blocks the producer until the peer drains or disconnects,
// which is the backpressure a non-draining peer deserves.
type queueSink struct {
	conn    net.Conn
	timeout time.Duration
	out     chan *protocol.Response
	done    chan struct{}
	once    sync.Once
}

func newQueueSink(conn net.Conn, depth int, timeout time.Duration) *queueSink {
	return &queueSink{
		conn:    conn,
		timeout: timeout,
		out:     make(chan *protocol.Response, depth),
		done:    make(chan struct{}),
	}
}

func (s *queueSink) Deliver(resp *protocol.Response) bool {
	select {
	case s.out <- resp:
		return true
	case <-s.done:
		return false
	}
}

// run drains the queue until the sink shuts down or a write fails. A write
// failure closes the connection so the reader loop unblocks and runs the
// usual teardown.
func (s *queueSink) run() {
	for {
		select {
		case <-s.done:
			return
		case resp := <-s.out:
			if s.timeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			}
			if err := protocol.WriteFrame(s.conn, resp); err != nil {
				log.Printf("Error writing to %s: %v", s.conn.RemoteAddr(), err)
				s.shutdown()
				s.conn.Close()
				return
			}
		}
	}
}

func (s *queueSink) shutdown() {
	s.once.Do(func() { close(s.done) })
}
