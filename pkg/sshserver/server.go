package sshserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	acceptBackoff    = 50 * time.Millisecond
	handshakeTimeout = 10 * time.Second
)

// SessionHandler handles an accepted SSH "session" channel.
type SessionHandler func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request)

// Server wraps the SSH listener lifecycle.
type Server struct {
	Config *ssh.ServerConfig

	logger *slog.Logger
}

// New creates a Server with the provided host signer. Clients are not
// authenticated; the chat identity is claimed inside the channel.
func New(signer ssh.Signer, logger *slog.Logger) *Server {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Config: cfg,
		logger: logger.With("transport", "ssh"),
	}
}

// Serve accepts SSH connections on listener until the context is cancelled.
// Open connections are closed with it.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler SessionHandler) error {
	if handler == nil {
		_ = listener.Close()
		return errors.New("sshserver: session handler required")
	}
	defer listener.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Listener close failed", "error", err)
		}
	})
	defer stop()

	s.logger.Info("Listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("Accept failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(acceptBackoff):
			}
			continue
		}

		go s.serveConn(ctx, conn, handler)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler SessionHandler) {
	sshConn, chans, reqs, err := s.handshake(conn)
	if err != nil {
		s.logger.Info("Handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	log := s.logger.With("remote", sshConn.RemoteAddr().String(), "user", sshConn.User())
	log.Info("Client connected", "client", string(sshConn.ClientVersion()))

	stop := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer stop()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	// chans is closed once the connection goes away.
	for newChannel := range chans {
		if kind := newChannel.ChannelType(); kind != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			log.Debug("Channel rejected", "type", kind)
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn("Channel accept failed", "error", err)
			continue
		}
		go handler(sshConn, channel, requests)
	}
	log.Info("Client disconnected")
}

// handshake runs the SSH key exchange within handshakeTimeout.
func (s *Server) handshake(conn net.Conn) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return sshConn, chans, reqs, nil
}
