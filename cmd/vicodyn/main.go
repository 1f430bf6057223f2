package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/observability/metrics"
	"github.com/zeusync/vicodyn/internal/injector"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a yaml or json configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "vicodyn:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	app, cleanup, err := injector.InitializeApp(injector.ConfigPath(configPath), injector.LogLevel(logLevel))
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = app.Logger.Sync() }()

	metrics.SetBuildInfo(version)
	app.Logger.Info("Starting gateway",
		log.String("id", app.Gateway.ID()),
		log.String("version", version),
		log.String("discovery", app.Config.Discovery.Type))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return app.Gateway.Run(ctx)
	})
	eg.Go(func() error {
		err := app.Source.Run(ctx, app.Gateway)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if app.Control != nil {
		eg.Go(func() error {
			return app.Control.Run(ctx)
		})
	}

	err = eg.Wait()
	app.Logger.Info("Gateway stopped", log.Error(err))
	return err
}
