package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
	"github.com/yungbote/jobs-orchestrator/internal/temporalx"
)

// Runner hosts the report activities on the service's own task queue.
type Runner struct {
	log  *logger.Logger
	tc   temporalsdkclient.Client
	cfg  temporalx.Config
	acts *Activities
}

func NewRunner(baseLog *logger.Logger, tc temporalsdkclient.Client, cfg temporalx.Config, pub events.Publisher) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if pub == nil {
		return nil, fmt.Errorf("temporal worker needs an event publisher")
	}
	log := baseLog.With("component", "TemporalWorker")
	return &Runner{
		log:  log,
		tc:   tc,
		cfg:  cfg,
		acts: &Activities{Publisher: pub, Log: log},
	}, nil
}

// Run starts the worker, retrying while the frontend is still coming up, and
// blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	maxWait := envutil.Duration("TEMPORAL_WORKER_START_MAX_WAIT", 60*time.Second)
	deadline := time.Now().Add(maxWait)
	bo := temporalx.NewBackOff(r.cfg)
	r.log.Info("starting temporal worker", "namespace", r.cfg.Namespace, "task_queue", r.cfg.TaskQueue)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		w := r.newWorker()
		startErr := w.Start()
		if startErr == nil {
			r.log.Info("temporal worker started", "task_queue", r.cfg.TaskQueue, "attempts", attempt)
			<-ctx.Done()
			w.Stop()
			return nil
		}
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && r.cfg.AutoRegisterNamespace {
			if err := temporalx.EnsureNamespace(ctx, r.cfg, r.log); err != nil {
				r.log.Warn("namespace ensure failed", "namespace", r.cfg.Namespace, "error", err)
			}
		}
		if time.Now().After(deadline) {
			if errors.As(startErr, &nfe) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", r.cfg.Namespace, startErr)
			}
			return startErr
		}
		r.log.Warn("temporal worker failed to start; retrying", "attempt", attempt, "error", startErr)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (r *Runner) newWorker() worker.Worker {
	concurrency := r.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(r.tc, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	w.RegisterActivityWithOptions(r.acts.ReportEvent, activity.RegisterOptions{Name: ActivityReportEvent})
	w.RegisterActivityWithOptions(r.acts.ReportStep, activity.RegisterOptions{Name: ActivityReportStep})
	w.RegisterActivityWithOptions(r.acts.ReportJobUpdate, activity.RegisterOptions{Name: ActivityReportJobUpdate})
	return w
}
