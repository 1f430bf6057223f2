package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/peer/peertest"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

type client struct {
	conn   transport.Conn
	reader *protocol.FrameReader
}

func dialService(t *testing.T, g *Gateway, app string) *client {
	t.Helper()
	res, err := g.Resolve(app)
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)

	conn, err := transport.Dial(context.Background(), res.Endpoints[0], transport.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, reader: protocol.NewFrameReader(conn, 0)}
}

func (c *client) send(t *testing.T, channel uint64, msg protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(c.conn, protocol.Frame{Channel: channel, Message: msg}))
}

func (c *client) read(t *testing.T) protocol.Frame {
	t.Helper()
	type result struct {
		frame protocol.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := c.reader.ReadFrame()
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.frame
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from gateway")
		return protocol.Frame{}
	}
}

func TestAcceptor_RoundTrip(t *testing.T) {
	g := newGateway(t, transport.SchemeMemory)
	backend := startBackend(t, peertest.Echo)
	require.NoError(t, g.Consume("u1", "echo", 1, []string{backend.Endpoint}, graph.App(), nil))

	c := dialService(t, g, "echo")
	c.send(t, 7, protocol.NewMessage(graph.EventEnqueue, []byte("ping")))

	first := c.read(t)
	assert.Equal(t, uint64(7), first.Channel)
	assert.Equal(t, graph.EventWrite, first.EventID)
	assert.Equal(t, "ping", string(first.Args))

	last := c.read(t)
	assert.Equal(t, uint64(7), last.Channel)
	assert.Equal(t, graph.EventClose, last.EventID)
}

func TestAcceptor_ConcurrentChannels(t *testing.T) {
	g := newGateway(t, transport.SchemeMemory)
	backend := startBackend(t, peertest.Echo)
	require.NoError(t, g.Consume("u1", "echo", 1, []string{backend.Endpoint}, graph.App(), nil))

	c := dialService(t, g, "echo")
	for ch := uint64(1); ch <= 3; ch++ {
		c.send(t, ch, protocol.NewMessage(graph.EventEnqueue, []byte{byte('a' + ch)}))
	}

	got := make(map[uint64][]protocol.Message)
	for range 6 {
		f := c.read(t)
		got[f.Channel] = append(got[f.Channel], f.Message)
	}
	for ch := uint64(1); ch <= 3; ch++ {
		require.Len(t, got[ch], 2, "channel %d", ch)
		assert.Equal(t, []byte{byte('a' + ch)}, got[ch][0].Args)
		assert.Equal(t, graph.EventClose, got[ch][1].EventID)
	}
}

func TestAcceptor_UnknownEventGetsErrorFrame(t *testing.T) {
	g := newGateway(t, transport.SchemeMemory)
	backend := startBackend(t, peertest.Echo)
	require.NoError(t, g.Consume("u1", "echo", 1, []string{backend.Endpoint}, graph.App(), nil))

	c := dialService(t, g, "echo")
	c.send(t, 3, protocol.NewMessage(42, nil))

	f := c.read(t)
	assert.Equal(t, uint64(3), f.Channel)
	assert.Equal(t, graph.EventError, f.EventID)
	assert.Equal(t, protocol.ErrorCodeSlotNotFound, protocol.ErrorFromArgs(f.Args).Code)
	assert.Empty(t, backend.Received())
}

func TestAcceptor_BackendErrorIsForwardedUnchanged(t *testing.T) {
	g := newGateway(t, transport.SchemeMemory)
	backend := startBackend(t, peertest.FailWith(protocol.ErrorCodeInternal))
	require.NoError(t, g.Consume("u1", "broken", 1, []string{backend.Endpoint}, graph.App(), nil))

	c := dialService(t, g, "broken")
	c.send(t, 1, protocol.NewMessage(graph.EventEnqueue, nil))

	f := c.read(t)
	assert.Equal(t, graph.EventError, f.EventID)
	assert.Equal(t, protocol.EncodeErrorArgs(protocol.ErrorCodeInternal, protocol.ErrorCodeInternal.String()), f.Args)
}

func TestAcceptor_ClientDisconnectDiscardsCalls(t *testing.T) {
	g := newGateway(t, transport.SchemeMemory)
	backend := startBackend(t, peertest.Silent)
	require.NoError(t, g.Consume("u1", "slow", 1, []string{backend.Endpoint}, graph.App(), nil))
	px, ok := g.Proxy("slow")
	require.True(t, ok)

	c := dialService(t, g, "slow")
	c.send(t, 1, protocol.NewMessage(graph.EventEnqueue, nil))
	require.Eventually(t, func() bool { return px.Active() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return px.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestAcceptor_TCPEndpointIsAdvertised(t *testing.T) {
	cfg := testConfig(transport.SchemeTCP)
	cfg.Advertise = "gw.internal"
	g := New(cfg, nil)
	t.Cleanup(func() { _ = g.Close() })
	backend := startBackend(t, peertest.Silent)
	require.NoError(t, g.Consume("u1", "orders", 1, []string{backend.Endpoint}, graph.App(), nil))

	res, err := g.Resolve("orders")
	require.NoError(t, err)
	require.Len(t, res.Endpoints, 1)

	scheme, addr, err := transport.SplitEndpoint(res.Endpoints[0])
	require.NoError(t, err)
	assert.Equal(t, transport.SchemeTCP, scheme)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "gw.internal", host)
	assert.NotEqual(t, "0", port)
}

func TestErrorEvent(t *testing.T) {
	assert.Equal(t, graph.EventError, errorEvent(graph.App()))

	custom := graph.Graph{Name: "custom", Root: &graph.Node{Events: map[uint64]graph.Edge{
		10: {Name: "call", Forward: graph.TerminalNode(), Backward: &graph.Node{Events: map[uint64]graph.Edge{
			20: {Name: "reply", Forward: graph.TerminalNode(), Backward: graph.TerminalNode()},
			21: {Name: graph.ErrorEdge, Forward: graph.TerminalNode(), Backward: graph.TerminalNode()},
		}}},
	}}}
	assert.Equal(t, uint64(21), errorEvent(custom))
}
