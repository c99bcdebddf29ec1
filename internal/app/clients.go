package app

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/jobs-orchestrator/internal/clients/credits"
	"github.com/yungbote/jobs-orchestrator/internal/clients/redis"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
	"github.com/yungbote/jobs-orchestrator/internal/temporalx"
)

type Clients struct {
	Bus         events.Bus
	BusPing     func(ctx context.Context) error
	Temporal    temporalsdkclient.Client
	TemporalCfg temporalx.Config
	Engine      gateway.Engine
	Ledger      credits.Ledger
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Redis
	redisCfg := redis.LoadConfig()
	if redisCfg.Addr != "" {
		bus, err := redis.NewStreamBus(log, redisCfg)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis stream bus: %w", err)
		}
		out.Bus = bus
		out.BusPing = bus.Ping
	} else if cfg.AllowMemoryBackends {
		log.Warn("REDIS_ADDR not set; using in-process event bus")
		out.Bus = events.NewMemoryBus()
	} else {
		return Clients{}, fmt.Errorf("REDIS_ADDR is required")
	}

	// Temporal
	out.TemporalCfg = temporalx.LoadConfig()
	tc, err := temporalx.NewClient(ctx, out.TemporalCfg, log)
	if err != nil {
		out.close()
		return Clients{}, fmt.Errorf("init temporal client: %w", err)
	}
	switch {
	case tc != nil:
		out.Temporal = tc
		out.Engine = temporalx.NewEngine(tc, out.TemporalCfg, log)
	case cfg.AllowMemoryBackends:
		log.Warn("TEMPORAL_ADDRESS not set; using in-process execution engine")
		out.Engine = gateway.NewMemoryEngine()
	default:
		out.close()
		return Clients{}, fmt.Errorf("TEMPORAL_ADDRESS is required")
	}

	// Credits
	creditsCfg := credits.ConfigFromEnv()
	switch {
	case creditsCfg.BaseURL != "":
		ledger, err := credits.New(log, creditsCfg)
		if err != nil {
			out.close()
			return Clients{}, fmt.Errorf("init credits client: %w", err)
		}
		out.Ledger = ledger
	case cfg.AllowMemoryBackends:
		log.Warn("CREDITS_SERVICE_URL not set; using in-process credits ledger")
		out.Ledger = credits.NewMemoryLedger()
	default:
		log.Warn("CREDITS_SERVICE_URL not set; submissions with cost requests will be refused")
	}

	return out, nil
}

func (c Clients) close() {
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
}
