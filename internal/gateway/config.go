package gateway

import (
	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/pool"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// Config holds gateway configuration
type Config struct {
	// Per-service settings
	Pool     pool.Config
	Balancer balancer.Config

	// Backend connections
	Transport    transport.Options
	MaxFrameSize int

	// Client acceptors. An empty AcceptScheme disables them and Resolve
	// only reports backend endpoints.
	AcceptScheme string
	AcceptHost   string
	Advertise    string

	// AccessLog turns the per-call log line on.
	AccessLog bool
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		Pool:         pool.DefaultConfig(),
		Balancer:     balancer.Config{Type: balancer.DefaultType, RetryCount: balancer.DefaultRetryCount},
		Transport:    transport.DefaultOptions(),
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		AcceptScheme: transport.SchemeTCP,
		AcceptHost:   "127.0.0.1",
		AccessLog:    true,
	}
}

// NewConfig derives the gateway settings from a loaded file.
func NewConfig(c *config.Config) Config {
	return Config{
		Pool:         c.PoolConfig(),
		Balancer:     c.BalancerConfig(),
		Transport:    c.TransportOptions(),
		MaxFrameSize: c.MaxFrameSize,
		AcceptScheme: c.Acceptor.Scheme,
		AcceptHost:   c.Acceptor.Host,
		Advertise:    c.Acceptor.Advertise,
		AccessLog:    c.Log.AccessLog,
	}
}
