package app

import (
	"context"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/data/db"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/scheduler"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type App struct {
	Log        *logger.Logger
	DB         *gorm.DB
	Cfg        Config
	Repos      Repos
	Clients    Clients
	Services   Services
	Transports Transports
	Metrics    *observability.Metrics

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Log: log, Cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	log, cfg := a.Log, a.Cfg

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	var metricsHandler nethttp.Handler
	if cfg.MetricsEnabled {
		m, h, err := observability.NewMetrics(ctx)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		a.Metrics, metricsHandler = m, h
	}

	pg, err := db.NewPostgresService(log, db.PostgresDSN())
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pg = pg
	a.DB = pg.DB()
	if err := db.AutoMigrateAll(a.DB); err != nil {
		return fmt.Errorf("postgres automigrate: %w", err)
	}
	if err := db.EnsureJobIndexes(a.DB); err != nil {
		return fmt.Errorf("postgres indexes: %w", err)
	}

	a.Repos = wireRepos(a.DB, log)
	if err := a.Metrics.ObserveJobStates(func(ctx context.Context) (map[string]int64, error) {
		return a.Repos.Jobs.CountByState(dbctx.Of(ctx))
	}); err != nil {
		return fmt.Errorf("register job state gauge: %w", err)
	}

	a.Clients, err = wireClients(ctx, log, cfg)
	if err != nil {
		return err
	}
	a.Services, err = wireServices(a.DB, log, cfg, a.Repos, a.Clients, a.Metrics)
	if err != nil {
		return err
	}
	a.Transports = wireTransports(a.DB, log, cfg, a.Clients, a.Services, a.Metrics, metricsHandler)
	return nil
}

// Run starts every enabled component and blocks until ctx is done or one of
// them fails; the first failure stops the rest.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.DB == nil {
		return fmt.Errorf("app not initialized")
	}
	cfg := a.Cfg

	var grpcLis net.Listener
	if cfg.EnableAPI {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcLis = lis
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableAPI {
		g.Go(func() error {
			a.Log.Info("http server listening", "port", cfg.Port)
			return a.Transports.HTTP.Run(gctx)
		})
		g.Go(func() error { return a.Transports.GRPC.Serve(gctx, grpcLis) })
	}

	if cfg.EnableScheduler {
		g.Go(func() error { return a.Services.Scheduler.MainLoop().Run(gctx) })
		g.Go(func() error { return a.Services.Scheduler.RevertLoop().Run(gctx) })
		outboxLoop := scheduler.NewLoop("outbox", cfg.OutboxInterval, cfg.CycleTimeout, a.Services.Relay.Cycle, a.Log, a.Metrics)
		g.Go(func() error { return outboxLoop.Run(gctx) })
	}

	if cfg.EnableConsumers {
		g.Go(func() error { return a.Services.Consumers.Run(gctx) })
	}

	if a.Services.Worker != nil {
		g.Go(func() error { return a.Services.Worker.Run(gctx) })
	}

	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Metrics.Shutdown(ctx); err != nil {
		a.Log.Warn("metrics shutdown failed", "error", err)
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Clients.close()
	if a.pg != nil {
		a.pg.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
