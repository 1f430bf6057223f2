package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/proxy"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// acceptor serves the clients of one proxy.
type acceptor struct {
	proxy      *proxy.Proxy
	listener   transport.Listener
	endpoint   string
	maxFrame   int
	errorEvent uint64
	logger     log.Log

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func startAcceptor(px *proxy.Proxy, listen, advertise string, opts transport.Options, maxFrame int, logger log.Log) (*acceptor, error) {
	l, err := transport.Listen(listen, opts)
	if err != nil {
		return nil, err
	}
	endpoint, err := advertised(listen, advertise, l.Addr(), opts.Path)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	a := &acceptor{
		proxy:      px,
		listener:   l,
		endpoint:   endpoint,
		maxFrame:   maxFrame,
		errorEvent: errorEvent(px.Graph()),
		logger:     logger.With(log.String("endpoint", endpoint)),
		conns:      make(map[*clientConn]struct{}),
	}
	a.wg.Add(1)
	go a.acceptLoop()
	a.logger.Info("Acceptor listening")
	return a, nil
}

// advertised builds the endpoint clients should dial. The port comes from
// the bound listener so ":0" listens resolve to something reachable.
func advertised(listen, host string, addr net.Addr, path string) (string, error) {
	scheme, _, err := transport.SplitEndpoint(listen)
	if err != nil {
		return "", err
	}
	if scheme == transport.SchemeMemory {
		return listen, nil
	}
	bound, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	if host == "" {
		host = bound
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port))
	if scheme == transport.SchemeWebSocket && path != "" && path != "/" {
		endpoint += path
	}
	return endpoint, nil
}

// errorEvent finds the id of the first error edge reachable from the root.
func errorEvent(g graph.Graph) uint64 {
	seen := make(map[*graph.Node]bool)
	queue := []*graph.Node{g.Root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == nil || seen[node] {
			continue
		}
		seen[node] = true
		if id, ok := node.EventByName(graph.ErrorEdge); ok {
			return id
		}
		for _, edge := range node.Events {
			queue = append(queue, edge.Forward, edge.Backward)
		}
	}
	return graph.EventError
}

func (a *acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.logger.Warn("Acceptor stopped", log.Error(err))
			}
			return
		}

		cc := &clientConn{
			acceptor: a,
			conn:     conn,
			calls:    make(map[uint64]*proxy.Call),
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.conns[cc] = struct{}{}
		a.wg.Add(1)
		a.mu.Unlock()

		go cc.serve()
	}
}

// Clients is the number of connected clients.
func (a *acceptor) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *acceptor) close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conns := make([]*clientConn, 0, len(a.conns))
	for cc := range a.conns {
		conns = append(conns, cc)
	}
	a.mu.Unlock()

	err := a.listener.Close()
	for _, cc := range conns {
		_ = cc.conn.Close()
	}
	a.wg.Wait()
	return err
}

// clientConn maps the channels of one client connection to calls.
type clientConn struct {
	acceptor *acceptor
	conn     transport.Conn

	writeMu sync.Mutex
	buf     []byte

	mu    sync.Mutex
	calls map[uint64]*proxy.Call
}

func (cc *clientConn) serve() {
	a := cc.acceptor
	defer a.wg.Done()
	defer cc.shutdown()

	reader := protocol.NewFrameReader(cc.conn, a.maxFrame)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if protocol.GetErrorCode(err) == protocol.ErrorCodeFrameTooLarge {
				a.logger.Warn("Client sent an oversized frame", log.Error(err))
			}
			return
		}
		cc.handle(frame)
	}
}

func (cc *clientConn) handle(frame protocol.Frame) {
	cc.mu.Lock()
	call, open := cc.calls[frame.Channel]
	if !open {
		// reserved until Invoke returns; the sink may close it earlier
		cc.calls[frame.Channel] = nil
	}
	cc.mu.Unlock()

	if open {
		if call == nil {
			return
		}
		if err := call.Process(frame.Message); err != nil {
			cc.forget(frame.Channel)
			if !errors.Is(err, proxy.ErrCallFinished) {
				cc.writeError(frame.Channel, err)
			}
		}
		return
	}

	sink := &channelSink{conn: cc, channel: frame.Channel}
	call, err := cc.acceptor.proxy.Invoke(frame.Message, sink)
	if err != nil {
		cc.forget(frame.Channel)
		cc.writeError(frame.Channel, err)
		return
	}

	cc.mu.Lock()
	if _, reserved := cc.calls[frame.Channel]; reserved && !sink.isClosed() {
		cc.calls[frame.Channel] = call
	}
	cc.mu.Unlock()
}

func (cc *clientConn) forget(channel uint64) {
	cc.mu.Lock()
	delete(cc.calls, channel)
	cc.mu.Unlock()
}

func (cc *clientConn) write(frame protocol.Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()

	var err error
	cc.buf, err = protocol.AppendFrame(cc.buf[:0], frame)
	if err != nil {
		return err
	}
	_, err = cc.conn.Write(cc.buf)
	return err
}

// writeError reports err on channel as an error edge.
func (cc *clientConn) writeError(channel uint64, err error) {
	code := protocol.GetErrorCode(err)
	frame := protocol.Frame{
		Channel: channel,
		Message: protocol.NewMessage(cc.acceptor.errorEvent, protocol.EncodeErrorArgs(code, err.Error())),
	}
	if werr := cc.write(frame); werr != nil {
		cc.acceptor.logger.Debug("Failed to report error to client",
			log.Uint64("channel", channel),
			log.Error(werr))
	}
}

// shutdown discards every call of a client that went away.
func (cc *clientConn) shutdown() {
	_ = cc.conn.Close()

	cc.mu.Lock()
	calls := cc.calls
	cc.calls = make(map[uint64]*proxy.Call)
	cc.mu.Unlock()

	for _, call := range calls {
		if call != nil {
			call.Discard()
		}
	}

	a := cc.acceptor
	a.mu.Lock()
	delete(a.conns, cc)
	a.mu.Unlock()
}

type channelSink struct {
	conn    *clientConn
	channel uint64

	mu     sync.Mutex
	closed bool
}

func (s *channelSink) Send(msg protocol.Message) error {
	return s.conn.write(protocol.Frame{Channel: s.channel, Message: msg})
}

func (s *channelSink) Close(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.conn.forget(s.channel)
	if err != nil {
		s.conn.writeError(s.channel, err)
	}
}

func (s *channelSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
