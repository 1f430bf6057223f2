package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/peer/peertest"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []protocol.Message
	err      error
	done     chan struct{}
	once     sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) Deliver(msg protocol.Message) bool {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	if msg.EventID == graph.EventClose || msg.EventID == graph.EventError {
		h.once.Do(func() { close(h.done) })
		return true
	}
	return false
}

func (h *recordingHandler) Fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not completed")
	}
}

func (h *recordingHandler) result() ([]protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.messages...), h.err
}

func startBackend(t *testing.T, handle peertest.HandleFunc) *peertest.Backend {
	t.Helper()
	b, err := peertest.NewBackend(handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connect(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case err := <-p.Connect(context.Background()):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not complete")
	}
}

func TestPeer_InvokeConnected(t *testing.T) {
	backend := startBackend(t, peertest.Echo)
	p := New("p1", []string{backend.Endpoint}, false)
	connect(t, p)
	defer p.Disconnect()

	require.Equal(t, Connected, p.State())

	h := newRecordingHandler()
	handle, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("ping")), h))
	require.NoError(t, err)
	assert.False(t, handle.Queued(), "connected peer writes at once")
	assert.Equal(t, "p1", handle.Peer)
	assert.NotZero(t, handle.Channel)

	h.wait(t)
	messages, err := h.result()
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "ping", string(messages[0].Args))
	assert.Equal(t, graph.EventClose, messages[1].EventID)
	assert.Eventually(t, func() bool { return p.Inflight() == 0 }, time.Second, 5*time.Millisecond,
		"finished channel is released")
}

func TestPeer_QueuedInvocationsFlushInOrder(t *testing.T) {
	const n = 20
	backend := startBackend(t, peertest.Silent)
	p := New("p1", []string{backend.Endpoint}, false)

	for i := 0; i < n; i++ {
		handle, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte(fmt.Sprint(i))), newRecordingHandler()))
		require.NoError(t, err)
		assert.True(t, handle.Queued())
	}
	assert.Equal(t, n, p.Queued())

	connect(t, p)
	defer p.Disconnect()

	require.Eventually(t, func() bool { return len(backend.Received()) == n }, 5*time.Second, 5*time.Millisecond)
	for i, frame := range backend.Received() {
		assert.Equal(t, fmt.Sprint(i), string(frame.Args), "frame %d out of order", i)
		assert.Equal(t, uint64(i+1), frame.Channel)
	}
	assert.Zero(t, p.Queued())
}

func TestPeer_FollowUpMessagesUseTheSameChannel(t *testing.T) {
	backend := startBackend(t, peertest.Silent)
	p := New("p1", []string{backend.Endpoint}, false)

	inv := NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("open")), newRecordingHandler())
	require.NoError(t, inv.Stream.Append(protocol.NewMessage(graph.EventWrite, []byte("chunk-1"))))
	_, err := p.Invoke(inv)
	require.NoError(t, err)
	require.NoError(t, inv.Stream.Append(protocol.NewMessage(graph.EventWrite, []byte("chunk-2"))))

	connect(t, p)
	defer p.Disconnect()
	require.NoError(t, inv.Stream.Append(protocol.NewMessage(graph.EventClose, nil)))

	require.Eventually(t, func() bool { return len(backend.Received()) == 4 }, 5*time.Second, 5*time.Millisecond)
	frames := backend.Received()
	channel, ok := inv.Channel()
	require.True(t, ok)
	want := []string{"open", "chunk-1", "chunk-2", ""}
	for i, frame := range frames {
		assert.Equal(t, channel, frame.Channel)
		assert.Equal(t, want[i], string(frame.Args))
	}
}

func TestPeer_ConnectionLossFailsInflight(t *testing.T) {
	backend := startBackend(t, peertest.Silent)

	var reported atomic.Value
	p := New("p1", []string{backend.Endpoint}, false, WithErrorFunc(func(_ *Peer, err error) {
		reported.Store(err)
	}))
	connect(t, p)

	h := newRecordingHandler()
	_, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(backend.Received()) == 1 }, time.Second, 5*time.Millisecond)

	backend.DropConnections()
	h.wait(t)

	_, err = h.result()
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrConnectionLost)
	assert.True(t, protocol.IsRecoverable(err))

	require.Eventually(t, func() bool { return reported.Load() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, p.State())
}

func startStalled(t *testing.T) *peertest.Stalled {
	t.Helper()
	s, err := peertest.NewStalled()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPeer_BlockedWriteDoesNotHoldPeer(t *testing.T) {
	stalled := startStalled(t)
	opts := transport.DefaultOptions()
	opts.WriteTimeout = 0
	p := New("p1", []string{stalled.Endpoint}, false, WithTransport(opts))
	connect(t, p)

	invoked := make(chan struct{})
	go func() {
		defer close(invoked)
		_, _ = p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("stuck")), newRecordingHandler()))
	}()
	require.Eventually(t, func() bool { return p.Inflight() == 1 }, time.Second, time.Millisecond)

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		assert.Equal(t, Connected, p.State())
		assert.Zero(t, p.Queued())
		_ = p.Info()
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("peer stayed locked while a write was blocked")
	}

	p.Disconnect()
	select {
	case <-invoked:
	case <-time.After(5 * time.Second):
		t.Fatal("invoke did not return after disconnect")
	}
}

func TestPeer_WriteTimeoutBreaksConnection(t *testing.T) {
	stalled := startStalled(t)
	opts := transport.DefaultOptions()
	opts.WriteTimeout = 30 * time.Millisecond

	var reported atomic.Value
	p := New("p1", []string{stalled.Endpoint}, false, WithTransport(opts), WithErrorFunc(func(_ *Peer, err error) {
		reported.Store(err)
	}))
	connect(t, p)

	h := newRecordingHandler()
	_, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("stuck")), h))
	require.NoError(t, err)
	h.wait(t)

	_, err = h.result()
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrConnectionLost)
	assert.True(t, protocol.IsRecoverable(err), "the call may move to another peer")

	require.Eventually(t, func() bool { return reported.Load() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, reported.Load().(error), protocol.ErrConnectionLost)
	assert.Equal(t, Disconnected, p.State())
}

func TestPeer_ConnectFailure(t *testing.T) {
	var calls atomic.Int32
	p := New("p1", []string{"memory://nobody-home"}, false, WithErrorFunc(func(*Peer, error) {
		calls.Add(1)
	}))

	err := <-p.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.ErrorCodeDialFailed, protocol.GetErrorCode(err))
	assert.Equal(t, Disconnected, p.State())
	assert.Equal(t, int32(1), calls.Load())

	err = <-New("p2", nil, false).Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestPeer_Frozen(t *testing.T) {
	backend := startBackend(t, peertest.Echo)
	now := time.Unix(1000, 0)
	p := New("p1", []string{backend.Endpoint}, false, WithClock(func() time.Time { return now }))
	connect(t, p)

	p.Freeze(now.Add(time.Second))
	assert.Equal(t, Frozen, p.State())
	assert.Equal(t, now.Add(time.Second), p.FrozenUntil())

	_, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), newRecordingHandler()))
	assert.ErrorIs(t, err, protocol.ErrPeerFrozen)
	assert.True(t, protocol.IsRecoverable(err))

	err = <-p.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrPeerFrozen)

	p.Unfreeze()
	assert.Equal(t, Disconnected, p.State())
	connect(t, p)
	p.Disconnect()
}

func TestPeer_AbsorbKeepsOrder(t *testing.T) {
	const n = 10
	backend := startBackend(t, peertest.Silent)

	removed := New("old", []string{"memory://gone"}, false)
	for i := 0; i < n; i++ {
		_, err := removed.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte(fmt.Sprint(i))), newRecordingHandler()))
		require.NoError(t, err)
	}

	target := New("new", []string{backend.Endpoint}, false)
	_, err := target.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("first")), newRecordingHandler()))
	require.NoError(t, err)

	assert.Equal(t, n, target.Absorb(removed))
	assert.Zero(t, removed.Queued())
	assert.Equal(t, n+1, target.Queued())

	connect(t, target)
	defer target.Disconnect()

	require.Eventually(t, func() bool { return len(backend.Received()) == n+1 }, 5*time.Second, 5*time.Millisecond)
	frames := backend.Received()
	assert.Equal(t, "first", string(frames[0].Args))
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), string(frames[i+1].Args))
	}
}

func TestPeer_RevokedInvocationIsSkipped(t *testing.T) {
	backend := startBackend(t, peertest.Silent)
	p := New("p1", []string{backend.Endpoint}, false)

	revoked := NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("revoked")), newRecordingHandler())
	kept := NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte("kept")), newRecordingHandler())
	_, err := p.Invoke(revoked)
	require.NoError(t, err)
	_, err = p.Invoke(kept)
	require.NoError(t, err)
	revoked.Revoke()

	connect(t, p)
	defer p.Disconnect()

	require.Eventually(t, func() bool { return len(backend.Received()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", string(backend.Received()[0].Args))
	assert.True(t, revoked.Revoked())
}

func TestPeer_DropFailsQueued(t *testing.T) {
	p := New("p1", []string{"memory://unused"}, false)
	h := newRecordingHandler()
	_, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)

	assert.Equal(t, 1, p.Drop(protocol.ErrServiceNotAvailable))
	h.wait(t)
	_, err = h.result()
	assert.ErrorIs(t, err, protocol.ErrServiceNotAvailable)
	assert.Zero(t, p.Queued())
}

func TestPeer_DisconnectInvalidatesGeneration(t *testing.T) {
	backend := startBackend(t, peertest.Echo)
	p := New("p1", []string{backend.Endpoint}, true)
	connect(t, p)
	before := p.Generation()

	p.Disconnect()
	assert.Equal(t, Disconnected, p.State())
	assert.Greater(t, p.Generation(), before)

	info := p.Info()
	assert.Equal(t, "disconnected", info.State)
	assert.True(t, info.Local)
	assert.Equal(t, []string{backend.Endpoint}, info.Endpoints)
}

func TestPeer_RetireRefusesWork(t *testing.T) {
	p := New("p1", []string{"memory://retired"}, false)
	h := newRecordingHandler()
	_, err := p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)

	p.Retire()
	_, err = p.Invoke(NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), newRecordingHandler()))
	assert.ErrorIs(t, err, protocol.ErrPeerRemoved)
	assert.True(t, protocol.IsRecoverable(err))

	p.Unfreeze()
	assert.Equal(t, Frozen, p.State(), "a retired peer stays out of service")
	assert.Equal(t, 1, p.Queued(), "queued work waits for Absorb or Drop")
}
