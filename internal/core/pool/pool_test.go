package pool

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/peer/peertest"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingHandler struct {
	once sync.Once
	err  chan error
}

func newFailingHandler() *failingHandler {
	return &failingHandler{err: make(chan error, 1)}
}

func (h *failingHandler) Deliver(protocol.Message) bool { return true }

func (h *failingHandler) Fail(err error) {
	h.once.Do(func() { h.err <- err })
}

func newPool(t *testing.T, cfg Config, opts ...Option) *Pool {
	t.Helper()
	bal, err := balancer.New(balancer.Config{}, log.NewNop())
	require.NoError(t, err)
	p, err := New("virtual::test", cfg, bal, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func startBackends(t *testing.T, n int, handle peertest.HandleFunc) []*peertest.Backend {
	t.Helper()
	out := make([]*peertest.Backend, n)
	for i := range out {
		b, err := peertest.NewBackend(handle)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		out[i] = b
	}
	return out
}

func enqueue(args string) *peer.Invocation {
	return peer.NewInvocation(protocol.NewMessage(graph.EventEnqueue, []byte(args)), newFailingHandler())
}

func liveCount(p *Pool) int {
	s := p.Stats()
	return s.Connected + s.Connecting
}

func TestNew_RejectsEmptyPool(t *testing.T) {
	bal, err := balancer.New(balancer.Config{}, nil)
	require.NoError(t, err)

	_, err = New("svc", Config{PoolSize: 0}, bal)
	assert.ErrorIs(t, err, protocol.ErrInvalidConfig)

	_, err = New("svc", DefaultConfig(), nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidConfig)
}

func TestPool_ConnectsUpToPoolSize(t *testing.T) {
	backends := startBackends(t, 4, peertest.Silent)
	p := newPool(t, Config{PoolSize: 2, FreezeTime: time.Second, ReconnectAge: time.Hour})

	for i, b := range backends {
		require.NoError(t, p.RegisterReal(fmt.Sprintf("p%d", i), []string{b.Endpoint}, false))
		assert.LessOrEqual(t, liveCount(p), 2)
	}

	require.Eventually(t, func() bool { return p.Stats().Connected == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, 2, p.Stats().Disconnected)
}

func TestPool_LiveNeverExceedsPoolSize(t *testing.T) {
	const poolSize = 2
	backends := startBackends(t, 6, peertest.Silent)
	p := newPool(t, Config{PoolSize: poolSize, FreezeTime: time.Second, ReconnectAge: time.Hour})

	var (
		stop     = make(chan struct{})
		sampler  sync.WaitGroup
		exceeded = make(chan int, 1)
	)
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := liveCount(p); n > poolSize {
				select {
				case exceeded <- n:
				default:
				}
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		idx := rng.IntN(len(backends))
		uuid := fmt.Sprintf("p%d", idx)
		if rng.IntN(3) == 0 {
			p.DeregisterReal(uuid)
		} else {
			require.NoError(t, p.RegisterReal(uuid, []string{backends[idx].Endpoint}, false))
		}
		assert.LessOrEqual(t, liveCount(p), poolSize, "step %d", i)
	}
	close(stop)
	sampler.Wait()

	select {
	case n := <-exceeded:
		t.Fatalf("observed %d live peers with pool size %d", n, poolSize)
	default:
	}
}

func TestPool_FreezeRespectsClock(t *testing.T) {
	backends := startBackends(t, 1, peertest.Silent)
	clock := newFakeClock()
	p := newPool(t, Config{PoolSize: 1, FreezeTime: 10 * time.Second, ReconnectAge: time.Hour}, WithClock(clock.Now))

	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, false))
	member, ok := p.Get("a")
	require.True(t, ok)
	require.Eventually(t, func() bool { return member.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)

	backends[0].DropConnections()
	require.Eventually(t, func() bool { return member.State() == peer.Frozen }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, clock.Now().Add(10*time.Second), member.FrozenUntil())

	clock.Advance(9 * time.Second)
	p.Rebalance()
	assert.Equal(t, peer.Frozen, member.State(), "freeze has not expired yet")
	_, err := member.Invoke(enqueue("refused"))
	assert.ErrorIs(t, err, protocol.ErrPeerFrozen)
	chosen, err := p.Choose(balancer.Request{})
	assert.ErrorIs(t, err, protocol.ErrServiceNotAvailable, "a frozen peer is never chosen")
	assert.Nil(t, chosen)

	clock.Advance(2 * time.Second)
	p.Rebalance()
	require.Eventually(t, func() bool { return member.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)
	chosen, err = p.Choose(balancer.Request{})
	require.NoError(t, err, "the peer is chosen again once frozen_until passed")
	assert.Same(t, member, chosen)
	assert.Eventually(t, func() bool { return backends[0].Accepted() == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestPool_RotatesOldConnections(t *testing.T) {
	backends := startBackends(t, 2, peertest.Silent)
	clock := newFakeClock()
	p := newPool(t, Config{PoolSize: 1, FreezeTime: time.Second, ReconnectAge: time.Minute}, WithClock(clock.Now))

	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, false))
	require.Eventually(t, func() bool { return p.Stats().Connected == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, p.RegisterReal("b", []string{backends[1].Endpoint}, false))

	a, _ := p.Get("a")
	b, _ := p.Get("b")
	assert.Equal(t, peer.Connected, a.State())
	assert.Equal(t, peer.Disconnected, b.State(), "pool is full")

	p.Rebalance()
	assert.Equal(t, peer.Connected, a.State(), "young connections are kept")

	clock.Advance(2 * time.Minute)
	p.Rebalance()
	require.Eventually(t, func() bool { return b.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, peer.Disconnected, a.State())
	assert.Equal(t, 1, liveCount(p))
}

func TestPool_DeregisterMovesQueuedWork(t *testing.T) {
	backends := startBackends(t, 3, peertest.Silent)
	p := newPool(t, Config{PoolSize: 2, FreezeTime: time.Second, ReconnectAge: time.Hour})

	for i, b := range backends {
		require.NoError(t, p.RegisterReal(fmt.Sprintf("p%d", i), []string{b.Endpoint}, false))
	}
	require.Eventually(t, func() bool { return p.Stats().Connected == 2 }, 5*time.Second, 5*time.Millisecond)

	var idle *peer.Peer
	for _, member := range p.Peers() {
		if member.State() == peer.Disconnected {
			idle = member
		}
	}
	require.NotNil(t, idle)

	handle, err := idle.Invoke(enqueue("hello"))
	require.NoError(t, err)
	require.True(t, handle.Queued())

	require.True(t, p.DeregisterReal(idle.UUID()))
	assert.False(t, p.DeregisterReal(idle.UUID()))

	require.Eventually(t, func() bool {
		for _, b := range backends {
			for _, frame := range b.Received() {
				if string(frame.Args) == "hello" {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "queued call reaches a remaining backend")
	assert.Zero(t, idle.Queued())
}

func TestPool_DeregisterWithoutTargetFailsQueuedWork(t *testing.T) {
	backends := startBackends(t, 2, peertest.Silent)
	p := newPool(t, Config{PoolSize: 1, FreezeTime: time.Hour, ReconnectAge: time.Hour})

	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, false))
	a, _ := p.Get("a")
	require.Eventually(t, func() bool { return a.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, p.RegisterReal("b", []string{backends[1].Endpoint}, false))
	b, _ := p.Get("b")
	require.Equal(t, peer.Disconnected, b.State())

	h := newFailingHandler()
	_, err := b.Invoke(peer.NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)

	// the only other member cannot take work
	a.Freeze(time.Now().Add(time.Hour))
	require.True(t, p.DeregisterReal("b"))

	select {
	case err := <-h.err:
		assert.ErrorIs(t, err, protocol.ErrServiceNotAvailable)
	case <-time.After(5 * time.Second):
		t.Fatal("queued call was dropped silently")
	}
	assert.Empty(t, backends[1].Received())
}

func TestPool_ReplaceEndpointsAbsorbsQueue(t *testing.T) {
	backends := startBackends(t, 3, peertest.Silent)
	p := newPool(t, Config{PoolSize: 1, FreezeTime: time.Hour, ReconnectAge: time.Hour})

	require.NoError(t, p.RegisterReal("x", []string{backends[0].Endpoint}, false))
	x, _ := p.Get("x")
	require.Eventually(t, func() bool { return x.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.RegisterReal("a", []string{backends[1].Endpoint}, false))
	old, _ := p.Get("a")
	handle, err := old.Invoke(enqueue("queued"))
	require.NoError(t, err)
	require.True(t, handle.Queued())

	require.NoError(t, p.RegisterReal("a", []string{backends[2].Endpoint}, false))
	fresh, _ := p.Get("a")
	require.NotSame(t, old, fresh)
	assert.Equal(t, 1, fresh.Queued(), "queued call follows the new record")
	assert.Zero(t, old.Queued())

	_, err = old.Invoke(enqueue("late"))
	assert.ErrorIs(t, err, protocol.ErrPeerRemoved)

	require.True(t, p.DeregisterReal("x"))
	require.Eventually(t, func() bool { return len(backends[2].Received()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "queued", string(backends[2].Received()[0].Args))
	assert.Empty(t, backends[1].Received())
	assert.Equal(t, []string{backends[2].Endpoint}, p.Endpoints())
}

func TestPool_SameRegistrationIsNoop(t *testing.T) {
	backends := startBackends(t, 1, peertest.Silent)
	p := newPool(t, DefaultConfig())

	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, true))
	first, _ := p.Get("a")
	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, true))
	second, _ := p.Get("a")
	assert.Same(t, first, second)

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 1)
	assert.True(t, snapshot[0].Local)
}

func TestPool_CloseFailsQueuedWork(t *testing.T) {
	bal, err := balancer.New(balancer.Config{}, nil)
	require.NoError(t, err)
	p, err := New("virtual::closing", Config{PoolSize: 1, FreezeTime: time.Hour, ReconnectAge: time.Hour}, bal)
	require.NoError(t, err)

	backends := startBackends(t, 2, peertest.Silent)
	require.NoError(t, p.RegisterReal("a", []string{backends[0].Endpoint}, false))
	require.NoError(t, p.RegisterReal("b", []string{backends[1].Endpoint}, false))

	var idle *peer.Peer
	require.Eventually(t, func() bool {
		for _, member := range p.Peers() {
			if member.State() == peer.Disconnected {
				idle = member
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	h := newFailingHandler()
	_, err = idle.Invoke(peer.NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)

	p.Close()
	select {
	case err := <-h.err:
		assert.ErrorIs(t, err, protocol.ErrServiceNotAvailable)
	case <-time.After(5 * time.Second):
		t.Fatal("queued call survived Close")
	}
	assert.Zero(t, p.Len())
	assert.ErrorIs(t, p.RegisterReal("c", []string{backends[0].Endpoint}, false), ErrClosed)
}

func TestPool_StalledBackendDoesNotBlockPool(t *testing.T) {
	stalled, err := peertest.NewStalled()
	require.NoError(t, err)
	t.Cleanup(func() { _ = stalled.Close() })
	backends := startBackends(t, 1, peertest.Silent)

	opts := transport.DefaultOptions()
	opts.WriteTimeout = 0
	p := newPool(t, Config{PoolSize: 2, FreezeTime: time.Second, ReconnectAge: time.Hour},
		WithPeerOptions(peer.WithTransport(opts)))

	require.NoError(t, p.RegisterReal("slow", []string{stalled.Endpoint}, false))
	slow, ok := p.Get("slow")
	require.True(t, ok)
	require.Eventually(t, func() bool { return slow.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)

	go func() { _, _ = slow.Invoke(enqueue("stuck")) }()
	require.Eventually(t, func() bool { return slow.Inflight() == 1 }, 5*time.Second, time.Millisecond)

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		assert.NoError(t, p.RegisterReal("fast", []string{backends[0].Endpoint}, false))
		assert.Equal(t, 2, p.Stats().Total)
		assert.Equal(t, peer.Connected, slow.State())
		p.Rebalance()
	}()
	select {
	case <-answered:
	case <-time.After(2 * time.Second):
		t.Fatal("pool blocked behind a backend that stopped reading")
	}
}

func TestPool_WriteTimeoutFreezesPeer(t *testing.T) {
	stalled, err := peertest.NewStalled()
	require.NoError(t, err)
	t.Cleanup(func() { _ = stalled.Close() })

	opts := transport.DefaultOptions()
	opts.WriteTimeout = 30 * time.Millisecond
	p := newPool(t, Config{PoolSize: 1, FreezeTime: time.Hour, ReconnectAge: time.Hour},
		WithPeerOptions(peer.WithTransport(opts)))

	require.NoError(t, p.RegisterReal("slow", []string{stalled.Endpoint}, false))
	slow, _ := p.Get("slow")
	require.Eventually(t, func() bool { return slow.State() == peer.Connected }, 5*time.Second, 5*time.Millisecond)

	h := newFailingHandler()
	_, err = slow.Invoke(peer.NewInvocation(protocol.NewMessage(graph.EventEnqueue, nil), h))
	require.NoError(t, err)

	select {
	case err := <-h.err:
		assert.ErrorIs(t, err, protocol.ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("write to a stalled backend never failed")
	}
	require.Eventually(t, func() bool { return slow.State() == peer.Frozen }, 5*time.Second, 5*time.Millisecond)
}
