// Package proxy places client calls of one virtual service on backends and
// walks both halves of each conversation through the protocol graph.
package proxy

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/pool"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

// Prefix of every proxy name; the rest is the application name.
const VirtualPrefix = "virtual::"

var ErrCallFinished = errors.New("call is already finished")

// Name returns the proxy name of an application.
func Name(app string) string {
	return VirtualPrefix + app
}

// ServiceName strips VirtualPrefix from a proxy name.
func ServiceName(name string) string {
	return strings.TrimPrefix(name, VirtualPrefix)
}

// Sink is the client side of a call.
type Sink interface {
	// Send forwards one backend message to the client.
	Send(msg protocol.Message) error
	// Close is called once when the call ends. err is nil when the
	// conversation reached a terminal edge.
	Close(err error)
}

type Option func(*Proxy)

func WithLogger(logger log.Log) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithAccessLog sets the logger receiving one line per finished call.
func WithAccessLog(logger log.Log) Option {
	return func(p *Proxy) { p.access = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

// Proxy dispatches calls for one virtual service.
type Proxy struct {
	name     string
	graph    graph.Graph
	pool     *pool.Pool
	balancer balancer.Balancer
	logger   log.Log
	access   log.Log
	now      func() time.Time

	total atomic.Uint64

	mu     sync.Mutex
	calls  map[*Call]struct{}
	closed bool
}

func New(name string, g graph.Graph, p *pool.Pool, opts ...Option) (*Proxy, error) {
	if err := g.Validate(); err != nil {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidConfig, "invalid protocol graph", err)
	}
	px := &Proxy{
		name:     name,
		graph:    g,
		pool:     p,
		balancer: p.Balancer(),
		logger:   log.NewNop(),
		now:      time.Now,
		calls:    make(map[*Call]struct{}),
	}
	for _, opt := range opts {
		opt(px)
	}
	px.logger = px.logger.With(log.String("proxy", name))
	if px.access == nil {
		px.access = px.logger
	}
	px.access = px.access.With(log.String("service", name))
	return px, nil
}

func (p *Proxy) Name() string { return p.name }

func (p *Proxy) Graph() graph.Graph { return p.graph }

func (p *Proxy) Version() int { return p.graph.Version }

func (p *Proxy) Pool() *pool.Pool { return p.pool }

// Active is the number of calls in progress.
func (p *Proxy) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Total is the number of calls started since creation.
func (p *Proxy) Total() uint64 {
	return p.total.Load()
}

// Invoke starts a call with its opening message. The returned error is
// the reason the call could not start; sink is not used in that case.
// Later failures are reported through sink.Close.
func (p *Proxy) Invoke(msg protocol.Message, sink Sink) (*Call, error) {
	if graph.Advance(p.graph.Root, msg.EventID, graph.Forward).Kind == graph.UnknownEvent {
		return nil, protocol.NewError(protocol.ErrorCodeSlotNotFound, "slot not found", protocol.ErrSlotNotFound).
			WithContext("event_id", msg.EventID)
	}

	call := newCall(p, msg, sink)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrorCodeServiceNotAvailable, "service not available", protocol.ErrServiceNotAvailable)
	}
	p.calls[call] = struct{}{}
	p.mu.Unlock()
	p.total.Add(1)

	if err := call.start(); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *Proxy) forget(c *Call) {
	p.mu.Lock()
	delete(p.calls, c)
	p.mu.Unlock()
}

// Close ends every active call with ServiceNotAvailable and refuses new ones.
func (p *Proxy) Close() {
	p.mu.Lock()
	p.closed = true
	calls := make([]*Call, 0, len(p.calls))
	for c := range p.calls {
		calls = append(calls, c)
	}
	p.mu.Unlock()

	for _, c := range calls {
		c.abort(protocol.NewError(protocol.ErrorCodeServiceNotAvailable, "service is going away", protocol.ErrServiceNotAvailable))
	}
}
