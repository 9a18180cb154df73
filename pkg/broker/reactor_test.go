package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/pubsubd/pkg/websocket"
)

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// Read. Writes are recorded.
type fakeConn struct {
	id string
	in chan []byte

	mu        sync.Mutex
	out       []string
	writeErr  error
	closeCode websocket.CloseCode
	closed    bool
	aborted   bool

	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:       id,
		in:       make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closedCh:
		return nil, websocket.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.out = append(c.out, string(data))
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(code websocket.CloseCode, _ string) error {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) Abort() error {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) deliver(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.frames()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d frames on %s", n, c.id)
	return c.frames()
}

// startReactor attaches conn to s and runs its reactor in the background.
func startReactor(t *testing.T, s *Server, conn *fakeConn) *Reactor {
	t.Helper()
	r, err := s.Attach(context.Background(), conn)
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(func() {
		r.Shutdown()
		<-r.Done()
	})
	return r
}

// subscribe sends a subscribe frame and waits for its acknowledgement.
func subscribe(t *testing.T, conn *fakeConn, channel string) {
	t.Helper()
	n := len(conn.frames())
	conn.deliver(`{"client_action":"subscribe","channel":"` + channel + `"}`)
	conn.waitFrames(t, n+1)
}

func TestReactor_StartSubscriber(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	r := newReactor(context.Background(), s, conn)

	msg := Message{KeyAction: "subscribe", KeyChannel: "X"}
	require.NoError(t, r.StartSubscriber(context.Background(), "X", msg))

	assert.Equal(t, []string{"X"}, r.Channels())
	entries := s.Registry().SubscribersOf("X")
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].Subscriber.ID())
	assert.Equal(t, map[string]any(msg), entries[0].Context)
}

func TestReactor_BlankChannelIsNoop(t *testing.T) {
	s := NewServer(Config{})
	r := newReactor(context.Background(), s, newFakeConn("r1"))

	assert.NoError(t, r.StartSubscriber(context.Background(), "", Message{}))
	assert.NoError(t, r.StartSubscriber(context.Background(), "   ", Message{}))
	assert.Nil(t, r.Unsubscribe(""))
	assert.Equal(t, 0, r.PublishEvent(context.Background(), "", []byte("1")))

	assert.Empty(t, s.Registry().KnownChannels())
	assert.Empty(t, r.Channels())
	assert.Equal(t, StateActive, r.State())
}

func TestReactor_AcknowledgementRoundTrip(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	startReactor(t, s, conn)

	conn.deliver(`{"client_action":"subscribe","channel":"X","extra":1}`)
	frames := conn.waitFrames(t, 1)
	assert.JSONEq(t, `{"client_action":"successful_subscription","channel":"X","extra":1}`, frames[0])
}

func TestReactor_DuplicateSubscribeDeliversOnce(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	r := startReactor(t, s, conn)

	subscribe(t, conn, "X")
	subscribe(t, conn, "X")
	assert.Equal(t, []string{"X"}, r.Channels())
	assert.Equal(t, 1, s.Registry().Len("X"))

	conn.deliver(`{"client_action":"publish","channel":"X","data":"hi"}`)
	frames := conn.waitFrames(t, 3)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.frames(), 3)
	assert.Equal(t, `"hi"`, frames[2])
}

func TestReactor_PublishFanOut(t *testing.T) {
	s := NewServer(Config{})
	c1, c2, pub := newFakeConn("r1"), newFakeConn("r2"), newFakeConn("pub")
	startReactor(t, s, c1)
	startReactor(t, s, c2)
	startReactor(t, s, pub)

	subscribe(t, c1, "X")
	subscribe(t, c2, "X")
	subscribe(t, pub, "Y")

	pub.deliver(`{"client_action":"publish","channel":"X","data":{"k":1}}`)

	assert.Equal(t, `{"k":1}`, c1.waitFrames(t, 2)[1])
	assert.Equal(t, `{"k":1}`, c2.waitFrames(t, 2)[1])
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.frames(), 1, "publisher is not subscribed to X")
}

func TestReactor_PublishMissingDataSendsNull(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	startReactor(t, s, conn)

	subscribe(t, conn, "X")
	conn.deliver(`{"client_action":"publish","channel":"X"}`)
	assert.Equal(t, "null", conn.waitFrames(t, 2)[1])
}

func TestReactor_MalformedFrameGoesToDispatchHook(t *testing.T) {
	got := make(chan Payload, 1)
	s := NewServer(Config{}, WithDispatchHandler(func(_ context.Context, _ *Reactor, p Payload) {
		got <- p
	}))
	conn := newFakeConn("r1")
	r := startReactor(t, s, conn)

	conn.deliver("not json")
	select {
	case p := <-got:
		assert.False(t, p.IsObject())
		assert.Equal(t, "not json", string(p.Raw))
	case <-time.After(time.Second):
		t.Fatal("dispatch hook not called")
	}
	assert.Equal(t, StateActive, r.State())

	// The reactor keeps processing frames.
	subscribe(t, conn, "X")
}

func TestReactor_UnknownActionGoesToDispatchHook(t *testing.T) {
	got := make(chan Payload, 2)
	s := NewServer(Config{}, WithDispatchHandler(func(_ context.Context, _ *Reactor, p Payload) {
		got <- p
	}))
	conn := newFakeConn("r1")
	startReactor(t, s, conn)

	conn.deliver(`{"client_action":"dance","channel":"X"}`)
	conn.deliver(`{"channel":"X"}`)

	for _, want := range []string{`{"client_action":"dance","channel":"X"}`, `{"channel":"X"}`} {
		select {
		case p := <-got:
			require.True(t, p.IsObject())
			assert.Equal(t, want, string(p.Raw))
		case <-time.After(time.Second):
			t.Fatal("dispatch hook not called")
		}
	}
	assert.Empty(t, s.Registry().KnownChannels())
}

func TestReactor_UnsubscribeAllLeavesOtherChannels(t *testing.T) {
	s := NewServer(Config{})
	r := newReactor(context.Background(), s, newFakeConn("r"))
	other := newReactor(context.Background(), s, newFakeConn("other"))
	ctx := context.Background()

	require.NoError(t, r.StartSubscriber(ctx, "A", Message{}))
	require.NoError(t, r.StartSubscriber(ctx, "B", Message{}))
	require.NoError(t, other.StartSubscriber(ctx, "C", Message{}))
	require.NoError(t, other.StartSubscriber(ctx, "A", Message{}))

	r.UnsubscribeAll()

	reg := s.Registry()
	assert.False(t, reg.Has("A", "r"))
	assert.False(t, reg.Has("B", "r"))
	assert.True(t, reg.Has("A", "other"))
	assert.True(t, reg.Has("C", "other"))
	assert.Equal(t, 1, reg.Len("C"))
	assert.Empty(t, r.Channels())
	assert.Equal(t, StateActive, r.State(), "unsubscribe_all keeps the connection")
}

func TestReactor_UnsubscribeAllDropsEmptyChannels(t *testing.T) {
	s := NewServer(Config{})
	r := newReactor(context.Background(), s, newFakeConn("r"))
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 50; i++ {
			require.NoError(t, r.StartSubscriber(ctx, fmt.Sprintf("room-%d-%d", round, i), Message{}))
		}
		assert.Len(t, s.Registry().KnownChannels(), 50)

		r.UnsubscribeAll()
		assert.Empty(t, s.Registry().KnownChannels())
		assert.Zero(t, s.Stats(ctx).Channels)
	}
}

func TestReactor_UnsubscribeReturnsRemaining(t *testing.T) {
	s := NewServer(Config{})
	r := newReactor(context.Background(), s, newFakeConn("r"))
	ctx := context.Background()

	require.NoError(t, r.StartSubscriber(ctx, "A", Message{}))
	require.NoError(t, r.StartSubscriber(ctx, "B", Message{}))

	assert.Equal(t, []string{"B"}, r.Unsubscribe("A"))
	assert.False(t, s.Registry().Has("A", "r"))
	assert.Equal(t, StateActive, r.State())

	remaining := r.Unsubscribe("B")
	assert.NotNil(t, remaining)
	assert.Empty(t, remaining)
	assert.Equal(t, StateClosing, r.State(), "removing the last channel closes")
}

func TestReactor_UnsubscribeWithoutSubscriptionsCloses(t *testing.T) {
	s := NewServer(Config{})
	r := newReactor(context.Background(), s, newFakeConn("r"))

	assert.Empty(t, r.Unsubscribe("never-subscribed"))
	assert.Equal(t, StateClosing, r.State())
}

func TestReactor_UnsubscribeLastChannelClosesConnection(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	r := startReactor(t, s, conn)

	subscribe(t, conn, "X")
	conn.deliver(`{"client_action":"unsubscribe","channel":"X"}`)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop")
	}
	assert.Equal(t, StateTerminated, r.State())
	conn.mu.Lock()
	assert.True(t, conn.closed)
	assert.Equal(t, websocket.CloseNormalClosure, conn.closeCode)
	conn.mu.Unlock()
	assert.Equal(t, 0, s.Registry().Len("X"))
	assert.Equal(t, 0, s.ReactorCount())
}

func TestReactor_ConnectionCloseUnsubscribesEverywhere(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	r := startReactor(t, s, conn)

	subscribe(t, conn, "A")
	subscribe(t, conn, "B")
	close(conn.in)

	<-r.Done()
	assert.Equal(t, StateTerminated, r.State())
	assert.False(t, s.Registry().Has("A", "r1"))
	assert.False(t, s.Registry().Has("B", "r1"))
	assert.Equal(t, 0, s.ReactorCount())
}

func TestReactor_ShutdownLeavesEntriesForDeliveryCleanup(t *testing.T) {
	s := NewServer(Config{})
	dead, alive := newFakeConn("dead"), newFakeConn("alive")
	rd := startReactor(t, s, dead)
	startReactor(t, s, alive)

	subscribe(t, dead, "X")
	subscribe(t, alive, "X")

	rd.Shutdown()
	<-rd.Done()
	dead.mu.Lock()
	assert.True(t, dead.aborted)
	dead.mu.Unlock()
	assert.True(t, s.Registry().Has("X", "dead"), "shutdown does not unsubscribe")

	n := s.Adapter().Publish(context.Background(), "X", []byte("1"))
	assert.Equal(t, 1, n)
	assert.False(t, s.Registry().Has("X", "dead"), "dangling entry removed on delivery")
	assert.Equal(t, 1, s.Adapter().Publish(context.Background(), "X", []byte("2")))
	assert.Equal(t, []string{"1", "2"}, alive.waitFrames(t, 3)[1:])
}

func TestReactor_SlowConsumerIsClosed(t *testing.T) {
	s := NewServer(Config{SendBuffer: 1})
	r := newReactor(context.Background(), s, newFakeConn("slow"))

	// No writer is running, so the queue fills after one frame.
	require.NoError(t, r.Send([]byte("1")))
	assert.ErrorIs(t, r.Send([]byte("2")), ErrSlowConsumer)
	assert.Equal(t, StateClosing, r.State())
	assert.ErrorIs(t, r.Send([]byte("3")), ErrReactorClosed)
}

func TestReactor_WriteFailureStopsReactor(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	conn.writeErr = errors.New("broken pipe")
	r := startReactor(t, s, conn)

	conn.deliver(`{"client_action":"subscribe","channel":"X"}`)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop after write failure")
	}
	assert.False(t, s.Registry().Has("X", "r1"))
}

func TestReactor_FramesProcessedInOrder(t *testing.T) {
	s := NewServer(Config{})
	conn := newFakeConn("r1")
	startReactor(t, s, conn)

	conn.deliver(`{"client_action":"subscribe","channel":"X"}`)
	for _, d := range []string{"1", "2", "3", "4", "5"} {
		conn.deliver(`{"client_action":"publish","channel":"X","data":` + d + `}`)
	}
	frames := conn.waitFrames(t, 6)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, frames[1:])
}

func TestReactor_DebugLogsInboundFrames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewServer(Config{Debug: true}, WithLogger(logger))
	r := newReactor(context.Background(), s, newFakeConn("r1"))

	r.HandleInboundFrame(context.Background(), []byte(`{"client_action":"dance"}`))
	assert.Contains(t, buf.String(), "inbound frame")
	assert.Contains(t, buf.String(), "dance")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(9).String())
}
