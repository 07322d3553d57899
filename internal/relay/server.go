package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ledzpl/chatrelay/internal/protocol"
)

// ErrServerClosed is returned by Serve once Shutdown has been called.
var ErrServerClosed = errors.New("relay: server closed")

const acceptBackoff = 50 * time.Millisecond

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the collectors the server reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithWriteTimeout bounds every single send to a peer. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithJoinTimeout bounds the wait for the first line. Zero waits forever.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Server) { s.joinTimeout = d }
}

// WithMaxLineBytes bounds inbound lines on connections accepted by Serve.
func WithMaxLineBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// WithClock replaces the source of envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server accepts peers and relays envelopes between them.
type Server struct {
	registry *Registry
	router   *Router
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time

	writeTimeout time.Duration
	joinTimeout  time.Duration
	maxLineBytes int

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	live      map[*Session]struct{}
	sessions  sync.WaitGroup
}

// NewServer constructs a server with its own registry.
func NewServer(options ...Option) *Server {
	s := &Server{
		registry:     NewRegistry(),
		log:          slog.Default(),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
		joinTimeout:  30 * time.Second,
		maxLineBytes: DefaultMaxLineBytes,
		listeners:    make(map[net.Listener]struct{}),
		live:         make(map[*Session]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(s)
		}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.router = newRouter(s.registry, s.metrics, s.log, s.now)
	return s
}

// Registry exposes the live identity table.
func (s *Server) Registry() *Registry { return s.registry }

// MaxLineBytes is the inbound line limit transports should apply.
func (s *Server) MaxLineBytes() int { return s.maxLineBytes }

// Serve accepts connections on listener until ctx is cancelled or Shutdown is
// called. It returns ctx.Err() or ErrServerClosed respectively.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if !s.trackListener(listener) {
		_ = listener.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(listener)
	defer listener.Close()

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("Listener close failed", "error", err)
			}
		case <-stop:
		}
	}()

	s.log.Info("Listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.log.Warn("Accept failed", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		s.metrics.connections.Inc()
		s.log.Info("Client connected", "remote", conn.RemoteAddr().String())
		go s.Handle(NewConnTransport(conn, s.maxLineBytes))
	}
}

// Handle runs one session on t until it closes. It is safe to call from any
// goroutine, for any transport.
func (s *Server) Handle(t Transport) {
	session := newSession(s, t)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.live[session] = struct{}{}
	s.sessions.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.live, session)
		s.mu.Unlock()
		s.sessions.Done()
		session.log.Info("Client disconnected", "user", session.identity)
	}()

	session.run()
}

// Shutdown stops every listener, tells joined peers the server is going away,
// closes all sessions and waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closing = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	live := make([]*Session, 0, len(s.live))
	for session := range s.live {
		live = append(live, session)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}

	s.log.Info("Shutting down", "sessions", len(live))
	s.router.fanout(protocol.System(protocol.BodyServerShutdown, "").Stamp(s.now()), s.registry.Sessions())
	for _, session := range live {
		session.close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
