// Package balancer decides which peer of a pool serves a call.
package balancer

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/peer"
	"github.com/zeusync/vicodyn/internal/core/protocol"
)

// Peers is a snapshot of a pool's members.
type Peers []*peer.Peer

// Request is what a balancer knows about the call being placed.
type Request struct {
	EventID uint64
	Headers protocol.Headers
	// Tried lists the uuids of peers already attempted by this call.
	Tried []string
}

func (r Request) HasTried(uuid string) bool {
	return slices.Contains(r.Tried, uuid)
}

// Balancer is stateless per call; implementations must be safe for
// concurrent use.
type Balancer interface {
	ChoosePeer(req Request, peers Peers) (*peer.Peer, error)
	// ChooseInterceptPeer picks the peer that takes over queued work of a
	// removed peer. The removed peer is never part of peers.
	ChooseInterceptPeer(peers Peers) (*peer.Peer, error)
	RetryCount() int
	IsRecoverable(err error) bool
	OnError(p *peer.Peer, err error)
}

// Config selects a policy. Args are policy specific.
type Config struct {
	Type       string         `json:"type" yaml:"type"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	RetryCount int            `json:"-" yaml:"-"`
}

const DefaultType = "simple"

// Factory builds a policy from its config.
type Factory func(cfg Config, logger log.Log) (Balancer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"simple": NewSimple,
		"hash":   NewHash,
	}
)

// Register adds or replaces a policy.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Names lists registered policies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a policy is registered under name.
func Has(name string) bool {
	if name == "" {
		name = DefaultType
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// New resolves cfg.Type in the registry and builds the policy.
func New(cfg Config, logger log.Log) (Balancer, error) {
	if cfg.Type == "" {
		cfg.Type = DefaultType
	}
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidConfig,
			fmt.Sprintf("unknown balancer %q", cfg.Type), protocol.ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return factory(cfg, logger.With(log.String("balancer", cfg.Type)))
}

func boolArg(args map[string]any, key string, def bool) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return def, protocol.Errorf(protocol.ErrorCodeInvalidConfig, "balancer arg %q must be a bool, got %T", key, raw)
	}
	return v, nil
}

func stringArg(args map[string]any, key string, def string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return def, nil
	}
	v, ok := raw.(string)
	if !ok || v == "" {
		return def, protocol.Errorf(protocol.ErrorCodeInvalidConfig, "balancer arg %q must be a non-empty string", key)
	}
	return v, nil
}
