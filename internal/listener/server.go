package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ridekit/testexec/internal/testrun"
)

// ErrNotBound is returned when Serve runs before Bind.
var ErrNotBound = errors.New("listener is not bound")

// Handler receives events synchronously and must not block or call back into the server.
type Handler func(Event)

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server accepts one agent connection on loopback and dispatches its events.
type Server struct {
	logger *log.Logger

	mu       sync.Mutex
	ln       *net.TCPListener
	conn     net.Conn
	port     int
	closed   bool
	protoErr error

	done chan struct{}
}

// NewServer creates an unbound server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: log.New(io.Discard),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Bind listens on 127.0.0.1 with an OS-chosen port and returns it.
func (s *Server) Bind() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("listener is shut down")
	}
	if s.ln != nil {
		return s.port, nil
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return 0, fmt.Errorf("bind listener: %w", err)
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.logger.With("port", s.port).Debug("listener bound")
	return s.port, nil
}

// Port returns the bound port, or 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetAcceptDeadline bounds how long Serve waits for the agent to connect.
func (s *Server) SetAcceptDeadline(deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ErrNotBound
	}
	return s.ln.SetDeadline(deadline)
}

// Serve accepts the agent connection and dispatches events until the stream ends.
// The handler always receives exactly one close event last, synthesized when the
// agent did not send one. Serve returns the protocol error, if any.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		handler = func(Event) {}
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotBound
	}
	defer close(s.done)

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	conn, err := ln.Accept()
	// Only one connection is ever accepted.
	_ = ln.Close()
	if err != nil {
		if s.isClosed() {
			handler(Event{Kind: KindClose, Synthetic: true})
			return nil
		}
		err = fmt.Errorf("accept agent connection: %w", err)
		s.logger.With("error", err).Warn("agent never connected")
		handler(Event{Kind: KindClose, Synthetic: true, Err: err})
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		handler(Event{Kind: KindClose, Synthetic: true})
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	s.logger.With("remote", conn.RemoteAddr().String()).Info("agent connected")

	err = s.dispatch(conn, handler)
	s.Shutdown()
	return err
}

func (s *Server) dispatch(conn net.Conn, handler Handler) error {
	decoder := NewDecoder(conn)
	for {
		name, args, err := decoder.Next()
		if err != nil {
			return s.finish(err, handler)
		}
		kind, ok := ParseKind(name)
		if !ok {
			s.logger.With("event", name).Warn("skipping unknown listener event")
			continue
		}
		event := newEvent(kind, args)
		handler(event)
		if kind == KindClose {
			return nil
		}
	}
}

func (s *Server) finish(err error, handler Handler) error {
	switch {
	case errors.Is(err, testrun.ErrProtocol):
		s.mu.Lock()
		s.protoErr = err
		s.mu.Unlock()
		s.logger.With("error", err).Error("listener protocol error")
		handler(Event{Kind: KindClose, Synthetic: true, Err: err})
		return err
	case errors.Is(err, io.EOF):
		s.logger.Debug("agent disconnected without close")
	default:
		if !s.isClosed() {
			s.logger.With("error", err).Warn("listener connection broken")
		}
	}
	handler(Event{Kind: KindClose, Synthetic: true})
	return nil
}

// Shutdown closes the listening socket and the agent connection. It is idempotent.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Done is closed when Serve returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the recorded protocol error, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protoErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
