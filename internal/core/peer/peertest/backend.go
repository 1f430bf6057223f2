// Package peertest provides an in-process backend speaking the frame
// protocol, for tests of code that talks to peers.
package peertest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// Reply writes a frame back on the channel being handled.
type Reply func(msg protocol.Message) error

// HandleFunc is called for every frame a backend receives. first is true
// for the opening message of a channel.
type HandleFunc func(reply Reply, msg protocol.Message, first bool)

// Echo answers the opening message with a write carrying the same args,
// followed by close.
func Echo(reply Reply, msg protocol.Message, first bool) {
	if !first {
		return
	}
	_ = reply(protocol.NewMessage(graph.EventWrite, msg.Args))
	_ = reply(protocol.NewMessage(graph.EventClose, nil))
}

// FailWith answers every opening message with an error edge.
func FailWith(code protocol.ErrorCode) HandleFunc {
	return func(reply Reply, _ protocol.Message, first bool) {
		if first {
			_ = reply(protocol.NewMessage(graph.EventError, protocol.EncodeErrorArgs(code, code.String())))
		}
	}
}

// Silent records frames and never answers.
func Silent(Reply, protocol.Message, bool) {}

var sequence atomic.Uint64

// Backend is a fake replica listening on a memory:// endpoint.
type Backend struct {
	Endpoint string

	listener transport.Listener
	handle   atomic.Value

	mu       sync.Mutex
	received []protocol.Frame
	conns    []transport.Conn
	accepted int
	closed   bool
}

// NewBackend listens on a fresh memory endpoint.
func NewBackend(handle HandleFunc) (*Backend, error) {
	endpoint := fmt.Sprintf("%s://backend-%d", transport.SchemeMemory, sequence.Add(1))
	return NewBackendAt(endpoint, handle)
}

// NewBackendAt listens on endpoint, which may use any registered scheme.
func NewBackendAt(endpoint string, handle HandleFunc) (*Backend, error) {
	l, err := transport.Listen(endpoint, transport.DefaultOptions())
	if err != nil {
		return nil, err
	}
	b := &Backend{Endpoint: endpoint, listener: l}
	b.handle.Store(handle)
	go b.acceptLoop()
	return b, nil
}

// SetHandler swaps the handler used for frames received from now on.
func (b *Backend) SetHandler(handle HandleFunc) {
	b.handle.Store(handle)
}

// Received returns a copy of every frame seen so far.
func (b *Backend) Received() []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Frame, len(b.received))
	copy(out, b.received)
	return out
}

// Accepted is the number of connections accepted so far.
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Open is the number of connections still open.
func (b *Backend) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DropConnections closes every accepted connection but keeps listening.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close stops listening and drops every connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	err := b.listener.Close()
	b.DropConnections()
	return err
}

func (b *Backend) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.accepted++
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *Backend) serve(conn transport.Conn) {
	defer b.forget(conn)

	var writeMu sync.Mutex
	seen := make(map[uint64]bool)
	reader := protocol.NewFrameReader(conn, 0)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, frame)
		b.mu.Unlock()

		first := !seen[frame.Channel]
		seen[frame.Channel] = true

		channel := frame.Channel
		reply := func(msg protocol.Message) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return protocol.WriteFrame(conn, protocol.Frame{Channel: channel, Message: msg})
		}
		// replies run off the reader so a synchronous pipe cannot deadlock
		go b.handle.Load().(HandleFunc)(reply, frame.Message, first)
	}
}

func (b *Backend) forget(conn transport.Conn) {
	_ = conn.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.conns {
		if c == conn {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}
