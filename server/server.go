package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatserv/dispatch"
	"chatserv/metrics"
	"chatserv/protocol"
	"chatserv/registry"

	"github.com/google/uuid"
)

const (
	// TransportDirect writes each response straight onto the peer
	// connection under a per-connection lock.
	TransportDirect = "direct"
	// TransportQueue hands responses to a bounded per-connection queue
	// drained by a dedicated writer goroutine.
	TransportQueue = "queue"
)

type Config struct {
	Addr         string
	Transport    string // TransportDirect or TransportQueue
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueueDepth   int
}

// connSink is what the server asks of either sink realization beyond the
// registry contract.
type connSink interface {
	registry.Sink
	shutdown()
}

type Server struct {
	config     *Config
	dispatcher *dispatch.Dispatcher
	reg        *registry.Registry

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func New(dispatcher *dispatch.Dispatcher, reg *registry.Registry, config *Config) *Server {
	if config.QueueDepth <= 0 {
		config.QueueDepth = 64
	}
	if config.Transport == "" {
		config.Transport = TransportQueue
	}

	return &Server{
		config:     config,
		dispatcher: dispatcher,
		reg:        reg,
		conns:      make(map[net.Conn]struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections until the listener is closed. A failing accept
// backs off instead of killing the loop; per-connection errors never reach
// here.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New("server is shut down")
	}
	s.listener = listener
	s.mu.Unlock()

	log.Printf("chatserv listening on %s (%s transport)", listener.Addr(), s.config.Transport)

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if max := time.Second; delay > max {
					delay = max
				}
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()
	log.Printf("[%s] connected from %s", connID, remoteAddr)

	s.trackConn(conn)
	metrics.ConnectionsActive.Inc()
	defer func() {
		s.untrackConn(conn)
		metrics.ConnectionsActive.Dec()
	}()

	var sink connSink
	switch s.config.Transport {
	case TransportDirect:
		sink = newDirectSink(conn, s.config.WriteTimeout)
	default:
		qs := newQueueSink(conn, s.config.QueueDepth, s.config.WriteTimeout)
		go qs.run()
		sink = qs
	}

	sess := &dispatch.Session{Sink: sink}
	reader := bufio.NewReader(conn)

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		req, err := protocol.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidAction) {
				// Malformed request: drop it, keep the connection.
				log.Printf("[%s] dropping invalid request: %v", connID, err)
				continue
			}
			if err != io.EOF && !isClosedConn(err) {
				log.Printf("[%s] read error: %v", connID, err)
			}
			break
		}

		// Synchronous dispatch on the reader goroutine keeps requests from
		// one connection strictly in arrival order.
		s.dispatcher.Handle(sess, req)
	}

	// A dying connection releases its presence entry only if it still owns
	// it; a relogin elsewhere keeps the newer sink.
	if sess.Identity != "" {
		s.reg.Unregister(sess.Identity, sink)
		log.Printf("[%s] %s disconnected from %s", connID, sess.Identity, remoteAddr)
	} else {
		log.Printf("[%s] disconnected from %s", connID, remoteAddr)
	}

	sink.shutdown()
	conn.Close()
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown closes the listener and every live connection. In-flight actions
// finish their store effect on their reader goroutines; presence cleanup
// follows in each connection's own teardown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

// Stats returns a one-line summary for the admin surface.
func (s *Server) Stats() string {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	identities := s.reg.Identities()
	return "connections=" + strconv.Itoa(open) +
		",online=" + strconv.Itoa(len(identities)) +
		",users=" + strings.Join(identities, ";")
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "io: read/write on closed pipe")
}
