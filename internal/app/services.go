package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/data/db"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/consumer"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/cost"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/outbox"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/progress"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/scheduler"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
	"github.com/yungbote/jobs-orchestrator/internal/services"
	"github.com/yungbote/jobs-orchestrator/internal/temporalx/temporalworker"
)

type Services struct {
	Templates *templates.Registry
	Machine   *statemachine.Machine
	Gateway   *gateway.Gateway
	Scheduler *scheduler.Scheduler
	Relay     *outbox.Relay
	Consumers *consumer.Router
	Jobs      services.JobService

	// Worker is nil when no Temporal client is configured.
	Worker *temporalworker.Runner
}

func wireServices(theDB *gorm.DB, log *logger.Logger, cfg Config, repos Repos, clients Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	registry, err := templates.Load(cfg.TemplatesPath)
	if err != nil {
		return Services{}, fmt.Errorf("load workflow templates: %w", err)
	}
	log.Info("workflow templates loaded", "types", registry.Types())

	tx := db.NewGormTxRunner(theDB)
	sm := statemachine.New(repos.Jobs, repos.Outbox, tx, log,
		statemachine.WithLockTTL(cfg.LockTTL),
		statemachine.WithMetrics(metrics),
	)
	gw := gateway.New(clients.Engine, log, metrics)

	sched := scheduler.New(sm, gw, registry, scheduler.Config{
		Owner:            cfg.SchedulerOwner,
		PollInterval:     cfg.PollInterval,
		CycleTimeout:     cfg.CycleTimeout,
		MaxRevertRetries: cfg.RevertMaxRetries,
	}, log, metrics)

	relay := outbox.NewRelay(repos.Outbox, tx, clients.Bus, outbox.Config{
		BatchSize:     cfg.OutboxBatchSize,
		Retention:     cfg.OutboxRetention,
		PurgeInterval: cfg.OutboxRetention / 24,
	}, log, metrics)

	jobService := services.NewJobService(log, repos.Jobs, sm, registry, clients.Ledger, gw, metrics)

	handler := progress.NewHandler(sm, registry, log)
	finalizer := cost.NewFinalizer(sm, repos.Outbox, clients.Ledger, log, metrics)
	consumers := consumer.NewRouter(clients.Bus, handler, finalizer, jobService, log, metrics)

	var runner *temporalworker.Runner
	if clients.Temporal != nil && cfg.EnableTemporalWorker {
		runner, err = temporalworker.NewRunner(log, clients.Temporal, clients.TemporalCfg, clients.Bus)
		if err != nil {
			return Services{}, fmt.Errorf("init temporal worker: %w", err)
		}
	}

	return Services{
		Templates: registry,
		Machine:   sm,
		Gateway:   gw,
		Scheduler: sched,
		Relay:     relay,
		Consumers: consumers,
		Jobs:      jobService,
		Worker:    runner,
	}, nil
}
