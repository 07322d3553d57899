package sshserver

import (
	"errors"
	"io"

	"golang.org/x/crypto/ssh"
)

// Stream joins a session channel to its connection. Closing the stream closes
// both, which also releases writes blocked on a peer that stopped reading.
func Stream(conn *ssh.ServerConn, channel ssh.Channel) io.ReadWriteCloser {
	return &stream{Channel: channel, conn: conn}
}

type stream struct {
	ssh.Channel
	conn *ssh.ServerConn
}

func (s *stream) Close() error {
	return errors.Join(s.Channel.Close(), s.conn.Close())
}
