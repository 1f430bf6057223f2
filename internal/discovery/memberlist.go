package discovery

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
)

const leaveTimeout = 5 * time.Second

// Memberlist joins a gossip cluster and registers the announcements other
// members carry in their node metadata.
type Memberlist struct {
	cfg    config.MemberlistConfig
	logger log.Log
	// announced by this node, usually nothing on a gateway
	local []Announcement
}

func NewMemberlist(cfg config.MemberlistConfig, logger log.Log, local ...Announcement) *Memberlist {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Memberlist{
		cfg:    cfg,
		logger: logger.With(log.Component("discovery.memberlist")),
		local:  local,
	}
}

func (m *Memberlist) Run(ctx context.Context, sink Sink) error {
	var meta []byte
	if len(m.local) > 0 {
		var err error
		if meta, err = json.Marshal(m.local); err != nil {
			return err
		}
	}

	events := newGossip(sink, m.logger)
	mlCfg := memberlist.DefaultLANConfig()
	if m.cfg.Name != "" {
		mlCfg.Name = m.cfg.Name
	}
	mlCfg.BindAddr = m.cfg.BindAddr
	mlCfg.BindPort = m.cfg.BindPort
	mlCfg.AdvertisePort = m.cfg.BindPort
	mlCfg.Events = events
	mlCfg.Delegate = &metaDelegate{meta: meta}
	mlCfg.LogOutput = io.Discard

	list, err := memberlist.Create(mlCfg)
	if err != nil {
		return err
	}
	if len(m.cfg.Join) > 0 {
		joined, err := list.Join(m.cfg.Join)
		if err != nil {
			m.logger.Warn("Failed to join cluster", log.Strings("seeds", m.cfg.Join), log.Error(err))
		} else {
			m.logger.Info("Joined cluster", log.Int("contacted", joined))
		}
	}

	<-ctx.Done()

	if err := list.Leave(leaveTimeout); err != nil {
		m.logger.Debug("Leave", log.Error(err))
	}
	err = list.Shutdown()
	events.cleanupAll()
	return err
}

// gossip turns membership events into registrations.
type gossip struct {
	sink   Sink
	logger log.Log

	mu    sync.Mutex
	nodes map[string][]Announcement
}

func newGossip(sink Sink, logger log.Log) *gossip {
	return &gossip{sink: sink, logger: logger, nodes: make(map[string][]Announcement)}
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.sync(node)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.sync(node)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	g.mu.Lock()
	prev := g.nodes[node.Name]
	delete(g.nodes, node.Name)
	g.mu.Unlock()

	for _, a := range prev {
		g.sink.Cleanup(a.UUID, a.Name)
	}
	if len(prev) > 0 {
		g.logger.Info("Peer left cluster", log.String("node", node.Name), log.Int("services", len(prev)))
	}
}

// sync registers what node announces now and drops what it stopped
// announcing.
func (g *gossip) sync(node *memberlist.Node) {
	var current []Announcement
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &current); err != nil {
			g.logger.Warn("Skipping node metadata", log.String("node", node.Name), log.Error(err))
			return
		}
	}

	kept := current[:0]
	for _, a := range current {
		if a.UUID == "" {
			a.UUID = node.Name
		}
		if err := apply(g.sink, a); err != nil {
			g.logger.Warn("Registration refused",
				log.String("node", node.Name),
				log.String("app", a.Name),
				log.Error(err))
			continue
		}
		kept = append(kept, a)
	}

	g.mu.Lock()
	prev := g.nodes[node.Name]
	if len(kept) > 0 {
		g.nodes[node.Name] = kept
	} else {
		delete(g.nodes, node.Name)
	}
	g.mu.Unlock()

	for _, old := range prev {
		if !containsKey(kept, old.Key()) {
			g.sink.Cleanup(old.UUID, old.Name)
		}
	}
}

func (g *gossip) cleanupAll() {
	g.mu.Lock()
	nodes := g.nodes
	g.nodes = make(map[string][]Announcement)
	g.mu.Unlock()

	for _, announced := range nodes {
		for _, a := range announced {
			g.sink.Cleanup(a.UUID, a.Name)
		}
	}
}

func containsKey(list []Announcement, key string) bool {
	for _, a := range list {
		if a.Key() == key {
			return true
		}
	}
	return false
}

// metaDelegate publishes the local announcements as node metadata.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte) {}

func (d *metaDelegate) GetBroadcasts(int, int) [][]byte { return nil }

func (d *metaDelegate) LocalState(bool) []byte { return nil }

func (d *metaDelegate) MergeRemoteState([]byte, bool) {}
