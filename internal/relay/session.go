package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ledzpl/chatrelay/internal/protocol"
)

var (
	// ErrInvalidJoin indicates a first line that is not a usable join envelope.
	ErrInvalidJoin = errors.New("relay: invalid join")
	// ErrUsernameTaken indicates a join for an identity that is already online.
	ErrUsernameTaken = errors.New("relay: username taken")
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingJoin
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingJoin:
		return "awaiting_join"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session owns one peer transport and its bound identity.
type Session struct {
	id        string
	server    *Server
	transport Transport
	writer    *sessionWriter
	log       *slog.Logger

	// identity is written once before the session enters the registry.
	identity   string
	registered bool

	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once
	cleanup   sync.Once
}

func newSession(server *Server, transport Transport) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		server:    server,
		transport: transport,
		log:       server.log.With("session", id, "remote", transport.RemoteAddr()),
	}
	s.writer = newSessionWriter(transport, server.writeTimeout, s.close)
	return s
}

// ID is a random identifier used for log correlation.
func (s *Session) ID() string { return s.id }

// Identity returns the joined name, empty before the handshake succeeds.
func (s *Session) Identity() string { return s.identity }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(state State) { s.state.Store(int32(state)) }

func (s *Session) run() {
	defer s.terminate()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Session panicked", "panic", r)
		}
	}()

	s.setState(StateAwaitingJoin)
	if err := s.handshake(); err != nil {
		s.log.Info("Join rejected", "error", err)
		return
	}

	s.setState(StateActive)
	s.log.Info("Client joined", "user", s.identity)
	s.server.router.announceJoin(s.identity)

	if err := s.readLoop(); err != nil {
		s.log.Warn("Read loop ended", "user", s.identity, "error", err)
	}
}

func (s *Session) handshake() error {
	expired := s.armJoinTimeout()
	line, err := s.transport.ReadLine()
	if expired() {
		return fmt.Errorf("%w: no join before deadline", ErrInvalidJoin)
	}
	if err != nil {
		if isTimeout(err) {
			s.reject(protocol.BodyInvalidJoin, reasonInvalidJoin)
			return fmt.Errorf("%w: no join before deadline", ErrInvalidJoin)
		}
		return fmt.Errorf("read join: %w", err)
	}
	_ = s.transport.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(line)
	if err != nil {
		s.reject(protocol.BodyInvalidJoin, reasonInvalidJoin)
		return fmt.Errorf("%w: %v", ErrInvalidJoin, err)
	}
	if env.Kind != protocol.KindJoin {
		s.reject(protocol.BodyInvalidJoin, reasonInvalidJoin)
		return fmt.Errorf("%w: first envelope is %q", ErrInvalidJoin, env.Kind)
	}

	name := strings.TrimSpace(env.From)
	s.identity = name
	if !s.server.registry.TryAdd(name, s) {
		s.identity = ""
		s.reject(protocol.BodyUsernameTaken, reasonUsernameTaken)
		return fmt.Errorf("%w: %q", ErrUsernameTaken, name)
	}
	s.registered = true
	s.server.metrics.activeSessions.Inc()
	return nil
}

// armJoinTimeout bounds the wait for the join line. A transport without
// deadlines gets a timer that rejects the peer and closes it; expired reports
// whether that timer fired.
func (s *Session) armJoinTimeout() (expired func() bool) {
	timeout := s.server.joinTimeout
	if timeout <= 0 {
		return func() bool { return false }
	}
	err := s.transport.SetReadDeadline(time.Now().Add(timeout))
	if !errors.Is(err, ErrNoDeadline) {
		return func() bool { return false }
	}

	timer := time.AfterFunc(timeout, func() {
		s.reject(protocol.BodyInvalidJoin, reasonInvalidJoin)
		s.close()
	})
	return func() bool { return !timer.Stop() }
}

func (s *Session) reject(body, reason string) {
	s.server.metrics.violation(reason)
	_ = s.Send(protocol.System(body, "").Stamp(s.server.now()))
}

func (s *Session) readLoop() error {
	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return nil
			}
			return err
		}

		env, err := protocol.Decode(line)
		if err != nil {
			reason := reasonInvalid
			if errors.Is(err, protocol.ErrMalformed) {
				reason = reasonMalformed
			}
			s.server.metrics.violation(reason)
			s.log.Warn("Discarding envelope", "user", s.identity, "error", err)
			continue
		}

		env.From = s.identity
		if leave := s.server.router.Route(s, env.Stamp(s.server.now())); leave {
			return nil
		}
	}
}

// terminate runs the Closing path exactly once, whatever ended the session.
func (s *Session) terminate() {
	s.cleanup.Do(func() {
		s.setState(StateClosing)
		if s.registered {
			s.server.registry.Remove(s.identity)
			s.server.metrics.activeSessions.Dec()
			s.log.Info("Client left", "user", s.identity)
			// Peers of a closing server are being closed too.
			if !s.server.isClosing() {
				s.server.router.announceLeave(s.identity)
			}
		}
		s.close()
		s.setState(StateClosed)
	})
}

// close shuts the transport, which unblocks the read loop.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.transport.Close()
	})
}

// Send encodes env and writes it to the peer.
func (s *Session) Send(env protocol.Envelope) error {
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.sendLine(line)
}

func (s *Session) sendLine(line []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	return s.writer.writeLine(line)
}

// sessionWriter serializes writes coming from concurrent fan-outs.
type sessionWriter struct {
	mu      sync.Mutex
	t       Transport
	timeout time.Duration
	stall   func()
}

// newSessionWriter bounds each write by timeout. stall is called when a write
// outlives the timeout on a transport without deadlines; it must close t.
func newSessionWriter(t Transport, timeout time.Duration, stall func()) *sessionWriter {
	return &sessionWriter{t: t, timeout: timeout, stall: stall}
}

func (w *sessionWriter) writeLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timeout > 0 {
		err := w.t.SetWriteDeadline(time.Now().Add(w.timeout))
		switch {
		case errors.Is(err, ErrNoDeadline):
			timer := time.AfterFunc(w.timeout, w.stall)
			defer timer.Stop()
		case err != nil:
			return err
		}
	}
	return w.t.WriteLine(line)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
