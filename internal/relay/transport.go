//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

package relay

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxLineBytes bounds a single inbound envelope.
const DefaultMaxLineBytes = 64 * 1024

// ErrNoDeadline is returned by deadline setters of streams that cannot honour
// them, such as SSH channels. Sessions then bound reads and writes with timers.
var ErrNoDeadline = errors.New("relay: transport has no deadlines")

// Transport carries framed envelope lines for one peer.
// ReadLine is only called from the owning session goroutine; the returned
// slice is valid until the next call.
type Transport interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamTransport frames newline-delimited lines over a byte stream.
type streamTransport struct {
	rwc     io.ReadWriteCloser
	scanner *bufio.Scanner
	remote  string
}

// NewStreamTransport wraps any byte stream, such as an SSH channel.
// Deadlines are honoured only when rwc supports them; otherwise the setters
// return ErrNoDeadline.
func NewStreamTransport(rwc io.ReadWriteCloser, remote string, maxLineBytes int) Transport {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(rwc)
	scanner.Buffer(make([]byte, 0, min(4096, maxLineBytes)), maxLineBytes)

	return &streamTransport{
		rwc:     rwc,
		scanner: scanner,
		remote:  remote,
	}
}

// NewConnTransport wraps an accepted network connection.
func NewConnTransport(conn net.Conn, maxLineBytes int) Transport {
	return NewStreamTransport(conn, conn.RemoteAddr().String(), maxLineBytes)
}

func (t *streamTransport) ReadLine() ([]byte, error) {
	if t.scanner.Scan() {
		return t.scanner.Bytes(), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *streamTransport) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.rwc.Write(buf)
	return err
}

func (t *streamTransport) SetReadDeadline(deadline time.Time) error {
	if d, ok := t.rwc.(deadliner); ok {
		return d.SetReadDeadline(deadline)
	}
	return ErrNoDeadline
}

func (t *streamTransport) SetWriteDeadline(deadline time.Time) error {
	if d, ok := t.rwc.(deadliner); ok {
		return d.SetWriteDeadline(deadline)
	}
	return ErrNoDeadline
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

func (t *streamTransport) RemoteAddr() string {
	return t.remote
}
