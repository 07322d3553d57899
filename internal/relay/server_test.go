package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ledzpl/chatrelay/internal/protocol"
)

const readTimeout = 2 * time.Second

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T, options ...Option) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := newTestServer(options...)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, listener) }()

	t.Cleanup(func() {
		cancel()
		err := <-served
		require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrServerClosed), "serve returned %v", err)
		shutdownCtx, stop := context.WithTimeout(context.Background(), readTimeout)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	})
	return srv, listener.Addr().String()
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// join connects name and consumes its own join notice and presence list.
func join(t *testing.T, addr, name string, online ...string) *testClient {
	t.Helper()
	c := dial(t, addr)
	c.send(protocol.Envelope{Kind: protocol.KindJoin, From: name})
	require.Equal(t, protocol.Joined(name).Stamp(fixedNow), c.next())
	require.Equal(t, online, c.next().Participants)
	return c
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *testClient) next() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	raw, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)
	env, err := protocol.Decode(raw)
	require.NoError(c.t, err)
	return env
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, err := c.reader.ReadBytes('\n')
	require.ErrorIs(c.t, err, io.EOF)
}

func TestServerJoinLeaveScenario(t *testing.T) {
	req := require.New(t)
	srv, addr := startServer(t)

	alice := join(t, addr, "alice", "alice")
	bob := join(t, addr, "bob", "alice", "bob")

	req.Equal(protocol.Joined("bob").Stamp(fixedNow), alice.next())
	req.Equal([]string{"alice", "bob"}, alice.next().Participants)

	// abrupt disconnect
	req.NoError(bob.conn.Close())

	req.Equal(protocol.Left("bob").Stamp(fixedNow), alice.next())
	req.Equal(protocol.Presence([]string{"alice"}).Stamp(fixedNow), alice.next())
	req.Equal([]string{"alice"}, srv.Registry().Snapshot())
}

func TestServerCleanLeave(t *testing.T) {
	req := require.New(t)
	srv, addr := startServer(t)

	alice := join(t, addr, "alice", "alice")
	bob := join(t, addr, "bob", "alice", "bob")
	alice.next()
	alice.next()

	bob.send(protocol.Envelope{Kind: protocol.KindLeave, From: "bob"})
	bob.expectClosed()

	req.Equal(protocol.Left("bob").Stamp(fixedNow), alice.next())
	req.Equal([]string{"alice"}, alice.next().Participants)
	req.Eventually(func() bool { return srv.Registry().Len() == 1 }, readTimeout, 10*time.Millisecond)
}

func TestServerBroadcastEchoesWithServerTimestamp(t *testing.T) {
	req := require.New(t)
	_, addr := startServer(t)

	alice := join(t, addr, "alice", "alice")
	bob := join(t, addr, "bob", "alice", "bob")
	alice.next()
	alice.next()

	alice.send(protocol.Envelope{Kind: protocol.KindBroadcast, From: "alice", Body: "hello", Timestamp: 1})

	want := protocol.Envelope{Kind: protocol.KindBroadcast, From: "alice", Body: "hello", Timestamp: fixedNow.Unix()}
	req.Equal(want, alice.next())
	req.Equal(want, bob.next())
}

func TestServerPrivateMessages(t *testing.T) {
	req := require.New(t)
	_, addr := startServer(t)

	alice := join(t, addr, "alice", "alice")
	bob := join(t, addr, "bob", "alice", "bob")
	alice.next()
	alice.next()
	carol := join(t, addr, "carol", "alice", "bob", "carol")
	for _, c := range []*testClient{alice, bob} {
		c.next()
		c.next()
	}

	alice.send(protocol.Envelope{Kind: protocol.KindPrivate, From: "alice", To: "ghost", Body: "anyone?"})
	req.Equal(protocol.NotFound("ghost").Stamp(fixedNow), alice.next())

	alice.send(protocol.Envelope{Kind: protocol.KindPrivate, From: "alice", To: "bob", Body: "psst"})
	pm := protocol.Envelope{Kind: protocol.KindPrivate, From: "alice", To: "bob", Body: "psst", Timestamp: fixedNow.Unix()}
	req.Equal(pm, bob.next())
	req.Equal(pm, alice.next())

	// carol got neither the miss nor the private message
	alice.send(protocol.Envelope{Kind: protocol.KindBroadcast, From: "alice", Body: "all"})
	req.Equal("all", carol.next().Body)
}

func TestServerTypingSkipsSender(t *testing.T) {
	req := require.New(t)
	_, addr := startServer(t)

	alice := join(t, addr, "alice", "alice")
	bob := join(t, addr, "bob", "alice", "bob")
	alice.next()
	alice.next()

	alice.send(protocol.Typing("alice", true))
	req.Equal(protocol.Typing("alice", true).Stamp(fixedNow), bob.next())

	alice.send(protocol.Envelope{Kind: protocol.KindBroadcast, From: "alice", Body: "done"})
	req.Equal(protocol.KindBroadcast, alice.next().Kind, "sender never sees its own typing state")
}

func TestServerProtocolViolations(t *testing.T) {
	req := require.New(t)
	srv, addr := startServer(t)

	bad := dial(t, addr)
	bad.sendRaw("definitely not json")
	req.Equal(protocol.System(protocol.BodyInvalidJoin, "").Stamp(fixedNow), bad.next())
	bad.expectClosed()

	alice := join(t, addr, "alice", "alice")
	taken := dial(t, addr)
	taken.send(protocol.Envelope{Kind: protocol.KindJoin, From: "alice"})
	req.Equal(protocol.BodyUsernameTaken, taken.next().Body)
	taken.expectClosed()

	// a malformed line after the join is dropped, the session survives
	alice.sendRaw("{broken")
	alice.send(protocol.Envelope{Kind: protocol.KindBroadcast, From: "alice", Body: "still here"})
	req.Equal("still here", alice.next().Body)
	req.Equal([]string{"alice"}, srv.Registry().Snapshot())
}

func TestServerConcurrentDistinctJoins(t *testing.T) {
	srv, addr := startServer(t)
	const n = 16

	var wg sync.WaitGroup
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("user-%02d", i)
		want = append(want, name)

		c := dial(t, addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.send(protocol.Envelope{Kind: protocol.KindJoin, From: name})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return srv.Registry().Len() == n }, readTimeout, 10*time.Millisecond)
	require.Equal(t, want, srv.Registry().Snapshot())
}

func TestServerConcurrentSameNameJoins(t *testing.T) {
	req := require.New(t)
	srv, addr := startServer(t)

	first, second := dial(t, addr), dial(t, addr)
	var wg sync.WaitGroup
	for _, c := range []*testClient{first, second} {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			c.send(protocol.Envelope{Kind: protocol.KindJoin, From: "alice"})
		}(c)
	}
	wg.Wait()

	bodies := []string{first.next().Body, second.next().Body}
	req.ElementsMatch([]string{"alice has joined.", protocol.BodyUsernameTaken}, bodies)
	req.Equal([]string{"alice"}, srv.Registry().Snapshot())
}

func TestServerShutdownClosesSessions(t *testing.T) {
	req := require.New(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	srv := newTestServer()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), listener) }()

	alice := join(t, listener.Addr().String(), "alice", "alice")
	bob := join(t, listener.Addr().String(), "bob", "alice", "bob")
	alice.next()
	alice.next()

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	req.NoError(srv.Shutdown(ctx))

	// no leave notices follow the shutdown notice
	notice := protocol.System(protocol.BodyServerShutdown, "").Stamp(fixedNow)
	req.Equal(notice, alice.next())
	req.Equal(notice, bob.next())
	alice.expectClosed()
	bob.expectClosed()
	req.Zero(testutil.ToFloat64(srv.metrics.deliveryFailures))
	req.ErrorIs(<-served, ErrServerClosed)
	req.Zero(srv.Registry().Len())
	req.ErrorIs(srv.Shutdown(ctx), ErrServerClosed)

	_, err = net.Dial("tcp", listener.Addr().String())
	req.Error(err, "listener is closed")
}

// noDeadlines hides the deadline methods of a stream, as an SSH channel does.
type noDeadlines struct{ io.ReadWriteCloser }

// pipeJoin runs a session for name over an in-memory stream without deadlines.
func pipeJoin(t *testing.T, srv *Server, name string) *bufio.Reader {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	go srv.Handle(NewStreamTransport(noDeadlines{server}, name, 0))

	data, err := protocol.Encode(protocol.Envelope{Kind: protocol.KindJoin, From: name})
	require.NoError(t, err)
	go func() { _, _ = client.Write(append(data, '\n')) }()
	return bufio.NewReader(client)
}

func collect(r *bufio.Reader) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope, 64)
	go func() {
		defer close(out)
		for {
			raw, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			if env, err := protocol.Decode(raw); err == nil {
				out <- env
			}
		}
	}()
	return out
}

func TestServerCutsOffStalledPeerWithoutDeadlines(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(WithWriteTimeout(200 * time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	collect(pipeJoin(t, srv, "a"))
	req.Eventually(func() bool { return srv.Registry().Len() == 1 }, readTimeout, 10*time.Millisecond)

	// stall reads its own join notice and presence list, then stops reading
	stallReader := pipeJoin(t, srv, "stall")
	for range 2 {
		_, err := stallReader.ReadBytes('\n')
		req.NoError(err)
	}

	cInbox := collect(pipeJoin(t, srv, "c"))
	req.Eventually(func() bool {
		_, ok := srv.Registry().Get("c")
		return ok
	}, readTimeout, 10*time.Millisecond)

	a, ok := srv.Registry().Get("a")
	req.True(ok)
	go func() {
		for _, text := range []string{"one", "two"} {
			env := protocol.Envelope{Kind: protocol.KindBroadcast, From: "a", Body: text}.Stamp(fixedNow)
			srv.router.Route(a, env)
		}
	}()

	var texts []string
	deadline := time.After(3 * time.Second)
	for len(texts) < 2 {
		select {
		case env, ok := <-cInbox:
			req.True(ok, "c was disconnected")
			if env.Kind == protocol.KindBroadcast {
				texts = append(texts, env.Body)
			}
		case <-deadline:
			t.Fatalf("c received %v", texts)
		}
	}
	req.Equal([]string{"one", "two"}, texts)

	req.Eventually(func() bool {
		_, ok := srv.Registry().Get("stall")
		return !ok
	}, readTimeout, 10*time.Millisecond, "the stalled peer is removed")
	req.Positive(testutil.ToFloat64(srv.metrics.deliveryFailures))
}
