// Package peer is a single backend replica: its endpoints, connection state
// and the queue of invocations waiting for a connection.
package peer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/queue"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// State of a peer connection.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Frozen
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Frozen:
		return "frozen"
	default:
		return "disconnected"
	}
}

var (
	ErrNoEndpoints       = errors.New("peer has no endpoints")
	ErrConnectInProgress = errors.New("peer is already connecting")
	ErrStaleConnect      = errors.New("connect superseded by a newer state change")
)

// ErrorFunc is called when a live connection of p breaks or a connect
// attempt fails. It never runs with the peer lock held.
type ErrorFunc func(p *Peer, err error)

// Option configures a Peer.
type Option func(*Peer)

func WithLogger(logger log.Log) Option {
	return func(p *Peer) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Peer) { p.now = now }
}

func WithErrorFunc(fn ErrorFunc) Option {
	return func(p *Peer) { p.onError = fn }
}

func WithTransport(opts transport.Options) Option {
	return func(p *Peer) { p.transport = opts }
}

func WithMaxFrameSize(size int) Option {
	return func(p *Peer) { p.maxFrameSize = size }
}

// Peer is safe for concurrent use.
type Peer struct {
	uuid      string
	endpoints []string
	local     bool

	logger       log.Log
	now          func() time.Time
	onError      ErrorFunc
	transport    transport.Options
	maxFrameSize int

	queue *queue.Send[*Invocation]

	mu          sync.Mutex
	state       State
	generation  uint64
	session     *Session
	frozenUntil time.Time
	lastUsed    time.Time
	connectedAt time.Time
	retired     bool
}

func New(uuid string, endpoints []string, local bool, opts ...Option) *Peer {
	p := &Peer{
		uuid:      uuid,
		endpoints: slices.Clone(endpoints),
		local:     local,
		logger:    log.NewNop(),
		now:       time.Now,
		transport: transport.DefaultOptions(),
		queue:     queue.NewSend[*Invocation](),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.String("peer", uuid))
	return p
}

func (p *Peer) UUID() string { return p.uuid }

func (p *Peer) Endpoints() []string { return slices.Clone(p.endpoints) }

func (p *Peer) Local() bool { return p.local }

// SameEndpoints reports whether endpoints match the peer's, order included.
func (p *Peer) SameEndpoints(endpoints []string) bool {
	return slices.Equal(p.endpoints, endpoints)
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Peer) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// ConnectedAt is when the current connection was established.
func (p *Peer) ConnectedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedAt
}

func (p *Peer) FrozenUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frozenUntil
}

// Queued is the number of invocations waiting for a connection.
func (p *Peer) Queued() int {
	return p.queue.Len()
}

// Connect dials the endpoints in order and delivers the outcome on the
// returned channel. A connected peer reports nil at once.
func (p *Peer) Connect(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	p.mu.Lock()
	switch {
	case p.state == Connected:
		p.mu.Unlock()
		done <- nil
		return done
	case p.state == Connecting:
		p.mu.Unlock()
		done <- ErrConnectInProgress
		return done
	case p.state == Frozen:
		p.mu.Unlock()
		done <- protocol.NewError(protocol.ErrorCodePeerFrozen, "peer "+p.uuid+" is frozen", protocol.ErrPeerFrozen)
		return done
	case len(p.endpoints) == 0:
		p.mu.Unlock()
		done <- ErrNoEndpoints
		return done
	}
	p.generation++
	generation := p.generation
	p.state = Connecting
	p.mu.Unlock()

	go func() {
		conn, err := p.dial(ctx)
		done <- p.finishConnect(generation, conn, err)
	}()
	return done
}

func (p *Peer) dial(ctx context.Context) (transport.Conn, error) {
	var errs []error
	for _, endpoint := range p.endpoints {
		conn, err := transport.Dial(ctx, endpoint, p.transport)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (p *Peer) finishConnect(generation uint64, conn transport.Conn, err error) error {
	p.mu.Lock()
	if p.generation != generation {
		p.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrStaleConnect
	}
	if err != nil {
		p.state = Disconnected
		p.mu.Unlock()

		p.logger.Warn("Failed to connect to peer", log.Error(err))
		if p.onError != nil {
			p.onError(p, err)
		}
		return err
	}

	session := NewSession(conn, p.maxFrameSize, p.transport.WriteTimeout, p.logger, func(cause error) {
		p.sessionLost(generation, cause)
	})
	p.session = session
	p.state = Connected
	p.connectedAt = p.now()
	p.mu.Unlock()

	session.Start()
	p.logger.Debug("Connected to peer", log.String("remote", conn.RemoteAddr().String()))

	if err := p.queue.Attach(session); err != nil {
		p.failFlushed(err)
	}
	return nil
}

func (p *Peer) sessionLost(generation uint64, cause error) {
	p.mu.Lock()
	if p.generation != generation || p.state != Connected {
		p.mu.Unlock()
		return
	}
	p.state = Disconnected
	p.session = nil
	p.mu.Unlock()

	p.queue.Detach()
	if p.onError != nil {
		p.onError(p, cause)
	}
}

// Invoke sends inv over the live connection or queues it until the next
// connect. A frozen peer refuses with a recoverable ErrPeerFrozen.
func (p *Peer) Invoke(inv *Invocation) (Handle, error) {
	p.mu.Lock()
	if p.retired {
		p.mu.Unlock()
		return Handle{}, protocol.NewError(protocol.ErrorCodePeerRemoved, "peer "+p.uuid+" was removed", protocol.ErrPeerRemoved)
	}
	if p.state == Frozen {
		p.mu.Unlock()
		return Handle{}, protocol.NewError(protocol.ErrorCodePeerFrozen, "peer "+p.uuid+" is frozen", protocol.ErrPeerFrozen)
	}
	p.lastUsed = p.now()
	handle := Handle{Peer: p.uuid, Generation: p.generation}

	// buffered under the lock so Freeze and Retire see every queued entry;
	// the write itself happens outside it
	sender := p.queue.Push(inv)
	p.mu.Unlock()
	if sender != nil {
		if err := sender.Send(inv); err != nil {
			return Handle{}, err
		}
	}
	handle.Channel, handle.Sent = inv.Channel()
	return handle, nil
}

// Retire disconnects the peer for good. Later invocations fail with the
// recoverable ErrPeerRemoved; queued ones stay queued for Absorb or Drop.
func (p *Peer) Retire() {
	p.mu.Lock()
	session := p.disconnectLocked()
	p.state = Frozen
	p.retired = true
	p.mu.Unlock()

	p.closeSession(session)
}

// Absorb moves the queued invocations of other into this peer, keeping their
// order. It returns how many were moved.
func (p *Peer) Absorb(other *Peer) int {
	if other == nil || other == p {
		return 0
	}
	moved, err := p.queue.Absorb(other.queue)
	if err != nil {
		p.failFlushed(err)
	}
	return moved
}

// Disconnect closes the connection; queued invocations stay queued.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	session := p.disconnectLocked()
	if p.state != Frozen {
		p.state = Disconnected
	}
	p.mu.Unlock()

	p.closeSession(session)
}

// Freeze disconnects and refuses work until Unfreeze.
func (p *Peer) Freeze(until time.Time) {
	p.mu.Lock()
	session := p.disconnectLocked()
	p.state = Frozen
	p.frozenUntil = until
	p.mu.Unlock()

	p.closeSession(session)
}

// Unfreeze makes a frozen peer eligible for connect again.
func (p *Peer) Unfreeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Frozen && !p.retired {
		p.state = Disconnected
		p.frozenUntil = time.Time{}
	}
}

// Drop fails every queued invocation with err without sending it.
func (p *Peer) Drop(err error) int {
	entries := p.queue.Drop()
	for _, inv := range entries {
		inv.fail(err)
	}
	return len(entries)
}

// Inflight is the number of channels open on the live connection.
func (p *Peer) Inflight() int {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return 0
	}
	return session.Inflight()
}

// Info is a point-in-time view of a peer.
type Info struct {
	UUID        string    `json:"uuid"`
	Endpoints   []string  `json:"endpoints"`
	Local       bool      `json:"local"`
	State       string    `json:"state"`
	Generation  uint64    `json:"generation"`
	FrozenUntil time.Time `json:"frozen_until,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	Queued      int       `json:"queued"`
	Inflight    int       `json:"inflight"`
}

func (p *Peer) Info() Info {
	p.mu.Lock()
	info := Info{
		UUID:        p.uuid,
		Endpoints:   slices.Clone(p.endpoints),
		Local:       p.local,
		State:       p.state.String(),
		Generation:  p.generation,
		FrozenUntil: p.frozenUntil,
		LastUsed:    p.lastUsed,
	}
	session := p.session
	p.mu.Unlock()

	info.Queued = p.queue.Len()
	if session != nil {
		info.Inflight = session.Inflight()
	}
	return info
}

func (p *Peer) disconnectLocked() *Session {
	// invalidates pending connects and callbacks of the old session
	p.generation++
	session := p.session
	p.session = nil
	return session
}

func (p *Peer) closeSession(session *Session) {
	p.queue.Detach()
	if session != nil {
		_ = session.Close()
	}
}

func (p *Peer) failFlushed(err error) {
	var flushErr *queue.FlushError[*Invocation]
	if errors.As(err, &flushErr) {
		flushErr.Entry.fail(protocol.WrapError(flushErr.Err, "failed to send queued invocation"))
	}
}

// Handle identifies where an invocation went. Channel is valid when Sent.
type Handle struct {
	Peer       string
	Generation uint64
	Channel    uint64
	Sent       bool
}

// Queued reports whether the invocation is waiting for a connection.
func (h Handle) Queued() bool {
	return !h.Sent
}
