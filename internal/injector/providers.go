package injector

import (
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/control"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/discovery"
	"github.com/zeusync/vicodyn/internal/gateway"
)

var _ discovery.Sink = (*gateway.Gateway)(nil)

// ConfigPath is the file handed to -config. Empty means defaults.
type ConfigPath string

// LogLevel overrides the configured level when not empty.
type LogLevel string

// App is everything cmd/vicodyn runs.
type App struct {
	Config  *config.Config
	Logger  *log.Logger
	Gateway *gateway.Gateway
	Source  discovery.Source
	// Control is nil when the control endpoint is disabled.
	Control *control.Server
}

var ProviderSet = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideGateway,
	wire.Bind(new(control.Gateway), new(*gateway.Gateway)),
	ProvideSource,
	ProvideControl,
	wire.Struct(new(App), "*"),
)

func ProvideConfig(path ConfigPath) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, cfg.Validate()
	}
	return config.LoadFile(string(path))
}

func ProvideLogger(cfg *config.Config, level LogLevel) *log.Logger {
	if level != "" {
		return log.New(log.ParseLevel(string(level)))
	}
	return log.New(log.ParseLevel(cfg.Log.Level))
}

// ProvideGateway returns a gateway that is closed by the cleanup func.
func ProvideGateway(cfg *config.Config, logger log.Log) (*gateway.Gateway, func()) {
	gw := gateway.New(gateway.NewConfig(cfg), logger)
	return gw, func() { _ = gw.Close() }
}

// ProvideSource builds the discovery source selected by the configuration.
func ProvideSource(cfg *config.Config, logger log.Log) (discovery.Source, func(), error) {
	switch cfg.Discovery.Type {
	case config.DiscoveryStatic, "":
		return discovery.NewStatic(cfg.Discovery.Static, logger), func() {}, nil
	case config.DiscoveryEtcd:
		cli, err := discovery.NewEtcdClient(cfg.Discovery.Etcd)
		if err != nil {
			return nil, nil, err
		}
		return discovery.NewEtcd(cli, cfg.Discovery.Etcd.Prefix, logger), func() { _ = cli.Close() }, nil
	case config.DiscoveryMemberlist:
		return discovery.NewMemberlist(cfg.Discovery.Memberlist, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown discovery type %q", cfg.Discovery.Type)
	}
}

func ProvideControl(cfg *config.Config, gw control.Gateway, logger log.Log) (*control.Server, error) {
	if !cfg.Control.Enabled {
		return nil, nil
	}
	ccfg := control.DefaultConfig()
	ccfg.ListenAddr = cfg.Control.Listen
	return control.New(ccfg, gw, logger)
}
