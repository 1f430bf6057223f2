// Package gateway owns the virtual services: one proxy, pool and client
// acceptor per application name, created and destroyed by backend
// registrations.
package gateway

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/observability/metrics"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/pool"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/proxy"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// ExtraLocal marks a replica running on the gateway host.
const ExtraLocal = "local"

// Gateway is safe for concurrent use.
type Gateway struct {
	id     string
	config Config
	logger log.Log
	access log.Log

	ctx    context.Context
	cancel context.CancelFunc

	closed int32 // atomic bool

	mu       sync.RWMutex
	services map[string]*service
	index    *index
}

// service is everything the gateway keeps for one application.
type service struct {
	app      string
	version  int
	graph    graph.Graph
	pool     *pool.Pool
	proxy    *proxy.Proxy
	acceptor *acceptor
	stop     context.CancelFunc
}

// Resolution tells clients how to reach a service.
type Resolution struct {
	// Endpoints are the acceptor endpoints, or the backend endpoints when
	// acceptors are disabled.
	Endpoints []string    `json:"endpoints"`
	Backends  []string    `json:"backends"`
	Graph     graph.Graph `json:"protocol"`
	Version   int         `json:"version"`
}

// AppInfo describes one service.
type AppInfo struct {
	Name      string      `json:"name"`
	Proxy     string      `json:"proxy"`
	Version   int         `json:"version"`
	Protocol  string      `json:"protocol"`
	Endpoints []string    `json:"endpoints"`
	Stats     pool.Stats  `json:"stats"`
	Active    int         `json:"active_calls"`
	Total     uint64      `json:"total_calls"`
	Peers     []peer.Info `json:"peers"`
}

// PeerInfo lists the apps a backend uuid serves.
type PeerInfo struct {
	UUID string   `json:"uuid"`
	Apps []string `json:"apps"`
}

func New(config Config, logger log.Log) *Gateway {
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		id:       uuid.NewString(),
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*service),
		index:    newIndex(),
	}
	g.logger = logger.With(log.String("component", "gateway"), log.String("gateway_id", g.id))
	g.access = logger.With(log.String("component", "access"))

	g.logger.Info("Gateway created",
		log.String("balancer", config.Balancer.Type),
		log.Int("pool_size", config.Pool.PoolSize),
		log.String("accept_scheme", config.AcceptScheme))
	return g
}

// ID is the uuid of this gateway instance.
func (g *Gateway) ID() string { return g.id }

// Consume registers one replica of app. The first replica of an app
// creates its proxy, pool and acceptor.
func (g *Gateway) Consume(uuid, app string, version int, endpoints []string, protocolGraph graph.Graph, extra map[string]string) error {
	switch {
	case atomic.LoadInt32(&g.closed) == 1:
		return ErrGatewayClosed
	case uuid == "":
		return ErrInvalidUUID
	case app == "":
		return ErrInvalidName
	case len(endpoints) == 0:
		return ErrNoEndpoints
	}
	if err := protocolGraph.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	svc, ok := g.services[app]
	if !ok {
		var err error
		if svc, err = g.startService(app, version, protocolGraph); err != nil {
			return err
		}
		g.services[app] = svc
	} else if svc.version != version {
		g.logger.Warn("Rejected registration with another version",
			log.String("app", app),
			log.String("peer", uuid),
			log.Int("version", version),
			log.Int("serving", svc.version))
		return fmt.Errorf("%w: %s serves version %d", ErrVersionMismatch, app, svc.version)
	}

	if err := svc.pool.RegisterReal(uuid, endpoints, extra[ExtraLocal] == "true"); err != nil {
		if svc.pool.Len() == 0 {
			delete(g.services, app)
			go g.stopService(svc)
		}
		return err
	}
	g.index.add(uuid, app)
	return nil
}

func (g *Gateway) startService(app string, version int, protocolGraph graph.Graph) (*service, error) {
	name := proxy.Name(app)
	logger := g.logger.With(log.String("service", name))

	bal, err := balancer.New(g.config.Balancer, logger)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(name, g.config.Pool, bal,
		pool.WithLogger(logger),
		pool.WithPeerOptions(
			peer.WithTransport(g.config.Transport),
			peer.WithMaxFrameSize(g.config.MaxFrameSize),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []proxy.Option{proxy.WithLogger(logger)}
	if g.config.AccessLog {
		opts = append(opts, proxy.WithAccessLog(g.access))
	}
	px, err := proxy.New(name, protocolGraph, p, opts...)
	if err != nil {
		p.Close()
		return nil, err
	}

	svc := &service{
		app:     app,
		version: version,
		graph:   protocolGraph,
		pool:    p,
		proxy:   px,
	}

	if g.config.AcceptScheme != "" {
		svc.acceptor, err = startAcceptor(px, g.listenEndpoint(app), g.config.Advertise,
			g.config.Transport, g.config.MaxFrameSize, logger)
		if err != nil {
			px.Close()
			p.Close()
			return nil, fmt.Errorf("%w: %w", ErrAcceptorFailed, err)
		}
	}

	ctx, stop := context.WithCancel(g.ctx)
	svc.stop = stop
	go p.Run(ctx)

	g.logger.Info("Service created",
		log.String("service", name),
		log.Int("version", version),
		log.String("protocol", protocolGraph.Name))
	return svc, nil
}

func (g *Gateway) listenEndpoint(app string) string {
	scheme := g.config.AcceptScheme
	if scheme == transport.SchemeMemory {
		return fmt.Sprintf("%s://vicodyn-%s-%s", scheme, g.id[:8], app)
	}
	endpoint := fmt.Sprintf("%s://%s:0", scheme, g.config.AcceptHost)
	if scheme == transport.SchemeWebSocket && g.config.Transport.Path != "" {
		endpoint += g.config.Transport.Path
	}
	return endpoint
}

// Cleanup deregisters uuid from app. A service left without replicas is
// torn down. It reports whether uuid was registered.
func (g *Gateway) Cleanup(uuid, app string) bool {
	g.mu.Lock()
	svc, ok := g.services[app]
	if !ok {
		g.mu.Unlock()
		return false
	}
	removed := svc.pool.DeregisterReal(uuid)
	g.index.remove(uuid, app)
	empty := svc.pool.Len() == 0
	if empty {
		delete(g.services, app)
	}
	g.mu.Unlock()

	if empty {
		g.stopService(svc)
	}
	return removed
}

// CleanupAll deregisters uuid from every app and returns how many
// registrations were removed.
func (g *Gateway) CleanupAll(uuid string) int {
	removed := 0
	for _, app := range g.index.appsOf(uuid) {
		if g.Cleanup(uuid, app) {
			removed++
		}
	}
	return removed
}

func (g *Gateway) stopService(svc *service) {
	svc.stop()
	if svc.acceptor != nil {
		if err := svc.acceptor.close(); err != nil {
			g.logger.Debug("Acceptor close", log.String("app", svc.app), log.Error(err))
		}
	}
	svc.proxy.Close()
	svc.pool.Close()
	metrics.ForgetService(svc.proxy.Name())

	g.logger.Info("Service destroyed", log.String("service", svc.proxy.Name()))
}

func (g *Gateway) lookup(app string) (*service, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	svc, ok := g.services[app]
	return svc, ok
}

// Resolve describes how to reach app. It works before any call was made.
func (g *Gateway) Resolve(app string) (Resolution, error) {
	svc, ok := g.lookup(app)
	if !ok {
		return Resolution{}, protocol.NewError(protocol.ErrorCodeServiceNotAvailable,
			"service not available", protocol.ErrServiceNotAvailable).WithContext("app", app)
	}
	backends := svc.pool.Endpoints()
	res := Resolution{
		Endpoints: backends,
		Backends:  backends,
		Graph:     svc.graph,
		Version:   svc.version,
	}
	if svc.acceptor != nil {
		res.Endpoints = []string{svc.acceptor.endpoint}
	}
	return res, nil
}

// TotalCount is the number of replicas registered for app.
func (g *Gateway) TotalCount(app string) int {
	svc, ok := g.lookup(app)
	if !ok {
		return 0
	}
	return svc.pool.Len()
}

// Proxy returns the proxy serving app.
func (g *Gateway) Proxy(app string) (*proxy.Proxy, bool) {
	svc, ok := g.lookup(app)
	if !ok {
		return nil, false
	}
	return svc.proxy, true
}

// Apps describes every service, or only app when it is not empty.
func (g *Gateway) Apps(app string) ([]AppInfo, error) {
	g.mu.RLock()
	services := make([]*service, 0, len(g.services))
	for name, svc := range g.services {
		if app == "" || name == app {
			services = append(services, svc)
		}
	}
	g.mu.RUnlock()

	if app != "" && len(services) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, app)
	}

	out := make([]AppInfo, 0, len(services))
	for _, svc := range services {
		info := AppInfo{
			Name:     svc.app,
			Proxy:    svc.proxy.Name(),
			Version:  svc.version,
			Protocol: svc.graph.Name,
			Stats:    svc.pool.Stats(),
			Active:   svc.proxy.Active(),
			Total:    svc.proxy.Total(),
			Peers:    svc.pool.Snapshot(),
		}
		if svc.acceptor != nil {
			info.Endpoints = []string{svc.acceptor.endpoint}
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b AppInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

// Peers lists the registered backend uuids with their apps, or only uuid
// when it is not empty.
func (g *Gateway) Peers(uuid string) ([]PeerInfo, error) {
	uuids := g.index.uuids()
	if uuid != "" {
		if !slices.Contains(uuids, uuid) {
			return nil, fmt.Errorf("%w: %s", ErrPeerNotRegistered, uuid)
		}
		uuids = []string{uuid}
	}
	out := make([]PeerInfo, 0, len(uuids))
	for _, id := range uuids {
		out = append(out, PeerInfo{UUID: id, Apps: g.index.appsOf(id)})
	}
	return out, nil
}

// Close tears every service down. Queued calls fail with
// ServiceNotAvailable.
func (g *Gateway) Close() error {
	if !atomic.CompareAndSwapInt32(&g.closed, 0, 1) {
		return nil
	}

	g.mu.Lock()
	services := make([]*service, 0, len(g.services))
	for _, svc := range g.services {
		services = append(services, svc)
	}
	g.services = make(map[string]*service)
	g.mu.Unlock()

	var eg errgroup.Group
	for _, svc := range services {
		eg.Go(func() error {
			g.stopService(svc)
			return nil
		})
	}
	err := eg.Wait()
	g.cancel()

	g.logger.Info("Gateway closed", log.Int("services", len(services)))
	return err
}

// Run blocks until ctx is done and then closes the gateway.
func (g *Gateway) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-g.ctx.Done():
	}
	return g.Close()
}
