// Package pool keeps the replicas of one virtual service and decides which
// of them hold a connection.
package pool

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/observability/metrics"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

var ErrClosed = errors.New("pool is closed")

// Config bounds the number of live connections and sets the reconnect
// cadence.
type Config struct {
	PoolSize     int
	FreezeTime   time.Duration
	ReconnectAge time.Duration
}

const DefaultPoolSize = 3

func DefaultConfig() Config {
	return Config{
		PoolSize:     DefaultPoolSize,
		FreezeTime:   time.Second,
		ReconnectAge: 15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return protocol.NewError(protocol.ErrorCodeInvalidConfig, "pool_size must be positive", protocol.ErrInvalidConfig)
	}
	if c.FreezeTime < 0 || c.ReconnectAge < 0 {
		return protocol.NewError(protocol.ErrorCodeInvalidConfig, "durations must not be negative", protocol.ErrInvalidConfig)
	}
	return nil
}

type Option func(*Pool)

// WithClock replaces time.Now for freeze and eviction decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(logger log.Log) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithPeerOptions are applied to every peer the pool creates.
func WithPeerOptions(opts ...peer.Option) Option {
	return func(p *Pool) { p.peerOpts = append(p.peerOpts, opts...) }
}

// Pool is the membership of one service. The map lock covers map edits and
// peer state reads only; connects and disconnects run after it is released.
type Pool struct {
	name     string
	cfg      Config
	balancer balancer.Balancer
	logger   log.Log
	now      func() time.Time
	peerOpts []peer.Option

	ctx    context.Context
	cancel context.CancelFunc

	// serializes rebalances so concurrent passes cannot overshoot PoolSize
	rebalanceMu sync.Mutex

	mu     sync.Mutex
	peers  map[string]*peer.Peer
	closed bool
}

func New(name string, cfg Config, bal balancer.Balancer, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidConfig, "pool needs a balancer", protocol.ErrInvalidConfig)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		cfg:      cfg,
		balancer: bal,
		logger:   log.NewNop(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*peer.Peer),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.String("service", name))
	return p, nil
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) Balancer() balancer.Balancer { return p.balancer }

// RegisterReal adds a replica or updates it. A replica whose endpoints
// changed is replaced and its queued work moves to the new record.
func (p *Pool) RegisterReal(uuid string, endpoints []string, local bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	old := p.peers[uuid]
	if old != nil && old.SameEndpoints(endpoints) && old.Local() == local {
		p.mu.Unlock()
		return nil
	}
	fresh := p.newPeer(uuid, endpoints, local)
	p.peers[uuid] = fresh
	p.mu.Unlock()

	if old != nil {
		old.Retire()
		moved := fresh.Absorb(old)
		p.logger.Info("Replaced backend with new endpoints",
			log.String("peer", uuid),
			log.Strings("endpoints", endpoints),
			log.Int("absorbed", moved))
	} else {
		p.logger.Info("Registered backend",
			log.String("peer", uuid),
			log.Strings("endpoints", endpoints),
			log.Bool("local", local))
	}

	p.Rebalance()
	return nil
}

// DeregisterReal removes a replica. Its queued work is taken over by the
// intercept peer or failed with ServiceNotAvailable, never dropped silently.
func (p *Pool) DeregisterReal(uuid string) bool {
	p.mu.Lock()
	old, ok := p.peers[uuid]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.peers, uuid)
	rest := p.snapshotLocked()
	p.mu.Unlock()

	old.Retire()
	p.intercept(old, rest, true)
	p.logger.Info("Deregistered backend", log.String("peer", uuid))

	p.Rebalance()
	return true
}

// intercept moves the queued work of from to a peer chosen by the balancer.
// Without a target the work is failed when drop is set and kept otherwise.
func (p *Pool) intercept(from *peer.Peer, candidates balancer.Peers, drop bool) {
	if from.Queued() == 0 {
		return
	}
	target, err := p.balancer.ChooseInterceptPeer(candidates)
	if err != nil {
		if !drop {
			return
		}
		dropped := from.Drop(protocol.NewError(protocol.ErrorCodeServiceNotAvailable,
			"service not available", protocol.ErrServiceNotAvailable))
		metrics.Dropped.WithLabelValues(p.name).Add(float64(dropped))
		p.logger.Warn("No backend can take queued calls",
			log.String("peer", from.UUID()),
			log.Int("dropped", dropped))
		return
	}
	moved := target.Absorb(from)
	metrics.Absorbed.WithLabelValues(p.name).Add(float64(moved))
	p.logger.Debug("Moved queued calls",
		log.String("from", from.UUID()),
		log.String("to", target.UUID()),
		log.Int("count", moved))
}

// Rebalance unfreezes expired peers, rotates one idle connection when the
// pool is full and connects peers until PoolSize are live.
func (p *Pool) Rebalance() {
	p.rebalanceMu.Lock()
	defer p.rebalanceMu.Unlock()

	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var (
		live      int
		eligible  int
		connected []*peer.Peer
		idle      []*peer.Peer
	)
	for _, member := range p.peers {
		if member.State() == peer.Frozen && !member.FrozenUntil().After(now) {
			member.Unfreeze()
		}
		switch member.State() {
		case peer.Connected:
			live++
			eligible++
			connected = append(connected, member)
		case peer.Connecting:
			live++
			eligible++
		case peer.Disconnected:
			eligible++
			idle = append(idle, member)
		}
	}
	sortByLastUsed(idle)

	var evict *peer.Peer
	if live >= p.cfg.PoolSize && len(idle) > 0 {
		sortByLastUsed(connected)
		for _, member := range connected {
			if now.Sub(member.ConnectedAt()) > p.cfg.ReconnectAge {
				evict = member
				live--
				break
			}
		}
	}

	var toConnect []*peer.Peer
	target := min(p.cfg.PoolSize, eligible)
	for _, member := range idle {
		if live >= target {
			break
		}
		toConnect = append(toConnect, member)
		live++
	}
	p.mu.Unlock()

	if evict != nil {
		p.logger.Debug("Rotating idle connection", log.String("peer", evict.UUID()))
		evict.Disconnect()
	}
	for _, member := range toConnect {
		member.Connect(p.ctx)
	}
	p.publish()
}

func sortByLastUsed(peers []*peer.Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].LastUsed().Before(peers[j].LastUsed())
	})
}

func (p *Pool) onPeerError(member *peer.Peer, err error) {
	p.mu.Lock()
	current, ok := p.peers[member.UUID()]
	if p.closed || !ok || current != member {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	until := p.now().Add(p.cfg.FreezeTime)
	member.Freeze(until)
	metrics.PeerErrors.WithLabelValues(p.name).Inc()
	p.logger.Warn("Backend frozen after error",
		log.String("peer", member.UUID()),
		log.Time("until", until),
		log.Error(err))

	if member.Queued() > 0 {
		p.intercept(member, p.eligible(member), false)
	}
	p.balancer.OnError(member, err)

	p.Rebalance()
	if p.cfg.FreezeTime > 0 {
		time.AfterFunc(p.cfg.FreezeTime, p.Rebalance)
	}
}

// eligible lists peers that may take work, except skip.
func (p *Pool) eligible(skip *peer.Peer) balancer.Peers {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(balancer.Peers, 0, len(p.peers))
	for _, member := range p.peers {
		if member != skip && member.State() != peer.Frozen {
			out = append(out, member)
		}
	}
	return out
}

// Run rebalances every ReconnectAge until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.ReconnectAge
	if interval <= 0 {
		interval = DefaultConfig().ReconnectAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Rebalance()
		}
	}
}

// Choose asks the balancer for a peer for req.
func (p *Pool) Choose(req balancer.Request) (*peer.Peer, error) {
	return p.balancer.ChoosePeer(req, p.Peers())
}

// Peers is a snapshot of every member.
func (p *Pool) Peers() balancer.Peers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() balancer.Peers {
	out := make(balancer.Peers, 0, len(p.peers))
	for _, member := range p.peers {
		out = append(out, member)
	}
	return out
}

// Get returns the member registered under uuid.
func (p *Pool) Get(uuid string) (*peer.Peer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	member, ok := p.peers[uuid]
	return member, ok
}

// Len is the number of registered replicas.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Endpoints lists the endpoints of every member, sorted.
func (p *Pool) Endpoints() []string {
	var out []string
	for _, member := range p.Peers() {
		out = append(out, member.Endpoints()...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Snapshot describes every member, ordered by uuid.
func (p *Pool) Snapshot() []peer.Info {
	members := p.Peers()
	out := make([]peer.Info, 0, len(members))
	for _, member := range members {
		out = append(out, member.Info())
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].UUID, out[j].UUID) < 0 })
	return out
}

// Stats counts members per state.
type Stats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	Disconnected int `json:"disconnected"`
	Frozen       int `json:"frozen"`
	Queued       int `json:"queued"`
}

func (p *Pool) Stats() Stats {
	var s Stats
	for _, member := range p.Peers() {
		s.Total++
		s.Queued += member.Queued()
		switch member.State() {
		case peer.Connected:
			s.Connected++
		case peer.Connecting:
			s.Connecting++
		case peer.Frozen:
			s.Frozen++
		default:
			s.Disconnected++
		}
	}
	return s
}

func (p *Pool) publish() {
	s := p.Stats()
	metrics.SetPeers(p.name, metrics.PeerStates{
		Connected:    s.Connected,
		Connecting:   s.Connecting,
		Disconnected: s.Disconnected,
		Frozen:       s.Frozen,
	})
}

// Close stops reconnects, fails queued work and disconnects every member.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	members := p.snapshotLocked()
	p.peers = make(map[string]*peer.Peer)
	p.mu.Unlock()

	p.cancel()
	for _, member := range members {
		member.Retire()
		member.Drop(protocol.NewError(protocol.ErrorCodeServiceNotAvailable, "service is shutting down", protocol.ErrServiceNotAvailable))
	}
	p.logger.Debug("Pool closed", log.Int("peers", len(members)))
}

func (p *Pool) newPeer(uuid string, endpoints []string, local bool) *peer.Peer {
	opts := make([]peer.Option, 0, len(p.peerOpts)+3)
	opts = append(opts, p.peerOpts...)
	opts = append(opts,
		peer.WithClock(p.now),
		peer.WithLogger(p.logger),
		peer.WithErrorFunc(p.onPeerError),
	)
	return peer.New(uuid, endpoints, local, opts...)
}
