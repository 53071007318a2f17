package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tributary/internal/api"
	"github.com/ajitpratap0/tributary/internal/scheduler"
	"github.com/ajitpratap0/tributary/internal/worker"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/observability"
)

const healthInterval = 30 * time.Second

func newServeCmd(configFile *string) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configFile, skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending database migrations on start")
	return cmd
}

func serve(ctx context.Context, configFile string, skipMigrations bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	if !skipMigrations {
		if err := a.db.RunMigrations(a.log); err != nil {
			return err
		}
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	health := api.NewHealthChecker(healthInterval, a.clock)
	health.Register("database", a.db.Ping)
	health.Register("object_store", a.objectStoreReachable)

	server := api.NewServer(cfg.API, cfg.Metrics, api.Deps{
		Streams:    a.streams,
		Catalog:    a.catalog,
		Stager:     a.stager,
		Dispatcher: a.pool,
		Pairing:    a.auth.Pairing(),
		Devices:    a.auth.Devices(),
		Sources:    a.connect,
		Health:     health,
		Clock:      a.clock,
	})
	sched := scheduler.New(a.streams, a.catalog, a.pool, a.ledger, cfg.Scheduler.Interval, a.clock)
	maintenance := worker.NewMaintenance(a.pool, cfg.Worker.TokenRefreshInterval, cfg.Worker.CleanupInterval, a.clock)

	a.log.Info("starting tributary",
		zap.String("version", version),
		zap.Int("streams", a.catalog.Len()),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Strings("syncs", registry.GetRegistry().ListSyncs()),
		zap.Strings("health_checks", health.Names()))

	a.pool.Start(ctx)
	defer a.pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		maintenance.Run(gctx)
		return nil
	})
	g.Go(func() error {
		health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()
	a.log.Info("shutting down")
	return err
}
