package relay

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ledzpl/chatrelay/internal/protocol"
	"github.com/ledzpl/chatrelay/internal/relay/mocks"
)

var fixedNow = time.Unix(1700000000, 0)

func fixedClock() time.Time { return fixedNow }

func newTestServer(options ...Option) *Server {
	base := []Option{
		WithLogger(logs.GetLoggerFromLevel(slog.LevelDebug)),
		WithClock(fixedClock),
	}
	return NewServer(append(base, options...)...)
}

// inbox records the envelopes written to a mock transport.
type inbox struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
}

func (in *inbox) record(t *testing.T) func([]byte) error {
	return func(line []byte) error {
		env, err := protocol.Decode(line)
		require.NoError(t, err)
		in.mu.Lock()
		in.envelopes = append(in.envelopes, env)
		in.mu.Unlock()
		return nil
	}
}

func (in *inbox) all() []protocol.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]protocol.Envelope(nil), in.envelopes...)
}

// newMockTransport allows the calls every session makes regardless of scenario.
func newMockTransport(ctrl *gomock.Controller) *mocks.MockTransport {
	tr := mocks.NewMockTransport(ctrl)
	tr.EXPECT().RemoteAddr().Return("mock").AnyTimes()
	tr.EXPECT().SetReadDeadline(gomock.Any()).Return(nil).AnyTimes()
	tr.EXPECT().SetWriteDeadline(gomock.Any()).Return(nil).AnyTimes()
	return tr
}

// joinedSession registers name on srv without running a read loop.
func joinedSession(t *testing.T, srv *Server, tr Transport, name string) *Session {
	s := newSession(srv, tr)
	s.identity = name
	s.registered = true
	s.setState(StateActive)
	require.True(t, srv.Registry().TryAdd(name, s))
	return s
}

func line(t *testing.T, env protocol.Envelope) []byte {
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	return data
}
