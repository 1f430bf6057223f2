// Package config holds the gateway configuration and its YAML/JSON loaders.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/vicodyn/internal/core/balancer"
	"github.com/zeusync/vicodyn/internal/core/graph"
	"github.com/zeusync/vicodyn/internal/core/pool"
	"github.com/zeusync/vicodyn/internal/core/protocol"
	"github.com/zeusync/vicodyn/internal/core/transport"
)

// Discovery types.
const (
	DiscoveryStatic     = "static"
	DiscoveryEtcd       = "etcd"
	DiscoveryMemberlist = "memberlist"
)

type Config struct {
	PoolSize       int             `json:"pool_size" yaml:"pool_size"`
	RetryCount     int             `json:"retry_count" yaml:"retry_count"`
	FreezeTimeMS   int             `json:"freeze_time_ms" yaml:"freeze_time_ms"`
	ReconnectAgeMS int             `json:"reconnect_age_ms" yaml:"reconnect_age_ms"`
	Balancer       balancer.Config `json:"balancer" yaml:"balancer"`

	// MaxFrameSize bounds frames on client and backend connections.
	MaxFrameSize   int `json:"max_frame_size" yaml:"max_frame_size"`
	DialTimeoutMS  int `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	// WriteTimeoutMS bounds one frame write; a backend that stops reading
	// loses its connection after it.
	WriteTimeoutMS int `json:"write_timeout_ms" yaml:"write_timeout_ms"`

	Acceptor  AcceptorConfig  `json:"acceptor" yaml:"acceptor"`
	Control   ControlConfig   `json:"control" yaml:"control"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// AcceptorConfig describes where client acceptors listen. Every proxy gets
// its own listener on Host; memory acceptors are named after the app.
type AcceptorConfig struct {
	Scheme string `json:"scheme" yaml:"scheme"`
	Host   string `json:"host" yaml:"host"`
	// Advertise replaces the listener host in resolved endpoints.
	Advertise string `json:"advertise,omitempty" yaml:"advertise,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

type ControlConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

type DiscoveryConfig struct {
	Type       string           `json:"type" yaml:"type"`
	Static     []StaticService  `json:"static,omitempty" yaml:"static,omitempty"`
	Etcd       EtcdConfig       `json:"etcd" yaml:"etcd"`
	Memberlist MemberlistConfig `json:"memberlist" yaml:"memberlist"`
}

// StaticService is one backend replica known at start-up.
type StaticService struct {
	UUID      string   `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Name      string   `json:"name" yaml:"name"`
	Version   int      `json:"version" yaml:"version"`
	Protocol  string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
	Local     bool     `json:"local,omitempty" yaml:"local,omitempty"`
}

type EtcdConfig struct {
	Endpoints     []string `json:"endpoints" yaml:"endpoints"`
	Prefix        string   `json:"prefix" yaml:"prefix"`
	DialTimeoutMS int      `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	LeaseTTL      int64    `json:"lease_ttl" yaml:"lease_ttl"`
}

type MemberlistConfig struct {
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	BindAddr string   `json:"bind_addr" yaml:"bind_addr"`
	BindPort int      `json:"bind_port" yaml:"bind_port"`
	Join     []string `json:"join,omitempty" yaml:"join,omitempty"`
}

type LogConfig struct {
	Level     string `json:"level" yaml:"level"`
	AccessLog bool   `json:"access_log" yaml:"access_log"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		PoolSize:       pool.DefaultPoolSize,
		RetryCount:     balancer.DefaultRetryCount,
		FreezeTimeMS:   1000,
		ReconnectAgeMS: 15_000,
		Balancer:       balancer.Config{Type: balancer.DefaultType},
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		DialTimeoutMS:  5000,
		WriteTimeoutMS: 10_000,
		Acceptor: AcceptorConfig{
			Scheme: transport.SchemeTCP,
			Host:   "127.0.0.1",
			Path:   "/",
		},
		Control: ControlConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7480",
		},
		Discovery: DiscoveryConfig{
			Type: DiscoveryStatic,
			Etcd: EtcdConfig{
				Prefix:        "/vicodyn/services/",
				DialTimeoutMS: 3000,
				LeaseTTL:      10,
			},
			Memberlist: MemberlistConfig{
				BindAddr: "0.0.0.0",
				BindPort: 7946,
			},
		},
		Log: LogConfig{
			Level:     "info",
			AccessLog: true,
		},
	}
}

// LoadJSON decodes r over Default.
func LoadJSON(r io.Reader) (*Config, error) {
	c := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidConfig, "failed to decode json config", err)
	}
	return &c, nil
}

// LoadYAML decodes r over Default.
func LoadYAML(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidConfig, "failed to decode yaml config", err)
	}
	return &c, nil
}

// LoadFile picks the decoder from the file extension and validates the result.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		c, err = LoadJSON(f)
	case ".yaml", ".yml":
		c, err = LoadYAML(f)
	default:
		return nil, protocol.Errorf(protocol.ErrorCodeInvalidConfig, "unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.PoolSize <= 0:
		return invalid("pool_size must be positive")
	case c.RetryCount < 0:
		return invalid("retry_count must not be negative")
	case c.FreezeTimeMS < 0 || c.ReconnectAgeMS < 0 || c.DialTimeoutMS < 0 || c.WriteTimeoutMS < 0:
		return invalid("durations must not be negative")
	case c.MaxFrameSize < 0:
		return invalid("max_frame_size must not be negative")
	}

	if t := c.Balancer.Type; t != "" && !balancer.Has(t) {
		return invalid(fmt.Sprintf("unknown balancer %q", t))
	}
	if !transport.Has(c.Acceptor.Scheme) {
		return invalid(fmt.Sprintf("unknown acceptor scheme %q", c.Acceptor.Scheme))
	}
	if c.Control.Enabled && c.Control.Listen == "" {
		return invalid("control.listen is required when control is enabled")
	}

	switch c.Discovery.Type {
	case DiscoveryStatic:
		for i, svc := range c.Discovery.Static {
			if svc.Name == "" || len(svc.Endpoints) == 0 {
				return invalid(fmt.Sprintf("discovery.static[%d] needs a name and endpoints", i))
			}
			if _, ok := graph.Lookup(svc.Protocol); !ok {
				return invalid(fmt.Sprintf("discovery.static[%d]: unknown protocol %q", i, svc.Protocol))
			}
		}
	case DiscoveryEtcd:
		if len(c.Discovery.Etcd.Endpoints) == 0 {
			return invalid("discovery.etcd.endpoints is required")
		}
	case DiscoveryMemberlist:
		if c.Discovery.Memberlist.BindPort < 0 {
			return invalid("discovery.memberlist.bind_port must not be negative")
		}
	default:
		return invalid(fmt.Sprintf("unknown discovery type %q", c.Discovery.Type))
	}
	return nil
}

func invalid(msg string) error {
	return protocol.NewError(protocol.ErrorCodeInvalidConfig, msg, protocol.ErrInvalidConfig)
}

func (c *Config) FreezeTime() time.Duration {
	return time.Duration(c.FreezeTimeMS) * time.Millisecond
}

func (c *Config) ReconnectAge() time.Duration {
	return time.Duration(c.ReconnectAgeMS) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// PoolConfig is the per-service pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		PoolSize:     c.PoolSize,
		FreezeTime:   c.FreezeTime(),
		ReconnectAge: c.ReconnectAge(),
	}
}

// BalancerConfig carries retry_count into the balancer settings.
func (c *Config) BalancerConfig() balancer.Config {
	cfg := c.Balancer
	cfg.RetryCount = c.RetryCount
	return cfg
}

// TransportOptions are used for backend dials and client acceptors.
func (c *Config) TransportOptions() transport.Options {
	opts := transport.DefaultOptions()
	if c.DialTimeoutMS > 0 {
		opts.DialTimeout = c.DialTimeout()
	}
	if c.WriteTimeoutMS > 0 {
		opts.WriteTimeout = c.WriteTimeout()
	}
	if c.Acceptor.Path != "" {
		opts.Path = c.Acceptor.Path
	}
	return opts
}
