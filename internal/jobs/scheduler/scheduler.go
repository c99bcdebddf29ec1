package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type Config struct {
	// Owner identifies this process in claimed rows.
	Owner            string
	PollInterval     time.Duration
	CycleTimeout     time.Duration
	MaxRevertRetries int
}

// Scheduler starts main and revert executions for claimed jobs. Instances
// share nothing in memory; the store's claim picks one winner per job.
type Scheduler struct {
	sm        *statemachine.Machine
	gw        *gateway.Gateway
	templates *templates.Registry
	cfg       Config
	baseLog   *logger.Logger
	log       *logger.Logger
	metrics   *observability.Metrics
}

func New(sm *statemachine.Machine, gw *gateway.Gateway, registry *templates.Registry, cfg Config, baseLog *logger.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.MaxRevertRetries <= 0 {
		cfg.MaxRevertRetries = 3
	}
	if cfg.Owner == "" {
		cfg.Owner = "scheduler"
	}
	return &Scheduler{
		sm:        sm,
		gw:        gw,
		templates: registry,
		cfg:       cfg,
		baseLog:   baseLog,
		log:       baseLog.With("component", "Scheduler", "owner", cfg.Owner),
		metrics:   metrics,
	}
}

func (s *Scheduler) MainLoop() *Loop {
	return NewLoop("main", s.cfg.PollInterval, s.cfg.CycleTimeout, s.RunMainCycle, s.baseLog, s.metrics)
}

func (s *Scheduler) RevertLoop() *Loop {
	return NewLoop("revert", s.cfg.PollInterval, s.cfg.CycleTimeout, s.RunRevertCycle, s.baseLog, s.metrics)
}

func payloadOf(job *jobs.Job) json.RawMessage {
	if len(job.Payload) == 0 {
		return nil
	}
	return json.RawMessage(job.Payload)
}

// RunMainCycle claims one SUBMITTED job and starts its main execution.
func (s *Scheduler) RunMainCycle(ctx context.Context) (bool, error) {
	job, err := s.sm.FindAndLockJobForScheduling(ctx, s.cfg.Owner)
	if err != nil || job == nil {
		return false, err
	}
	ctx, span := observability.Tracer().Start(ctx, "scheduler.main_cycle")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID.String()), attribute.String("job.type", string(job.Type)))
	log := s.log.With("job_id", job.ID, "job_type", job.Type)

	if job.Cancellation.Data().IsCancelled {
		log.Info("job cancelled before start")
		_, err := s.sm.SetAndPublishCancelledState(ctx, job.ID)
		return true, err
	}

	tpl, ok := s.templates.Resolve(job.Type)
	if !ok {
		// The claim is kept; the job is retried once its lock expires.
		log.Error("no workflow template for job type")
		return true, nil
	}

	attempt := job.Executions.Data().Main.RetryCount
	name := gateway.ExecutionName(job.ID, jobs.ExecutionMain, attempt)
	res := s.gw.StartExecution(ctx, job, tpl.Main, jobs.ExecutionMain, name, attempt, payloadOf(job))
	if res.Outcome == gateway.Rejected {
		log.Warn("main execution rejected; will retry", "execution", name, "error", res.Err)
		_, err := s.sm.ResetMainScheduling(ctx, job.ID)
		return true, err
	}

	if _, err := s.sm.SetScheduledState(ctx, job.ID, res.Execution); err != nil {
		return true, err
	}
	log.Info("main execution scheduled", "execution", name, "outcome", res.Outcome)

	// A cancel request that arrived while the claim was held only set the flag.
	cur, err := s.sm.GetByID(ctx, job.ID)
	if err == nil && cur != nil && cur.Cancellation.Data().IsCancelled && !cur.State.Terminal() {
		_ = s.gw.Cancel(ctx, name)
	}
	return true, nil
}

// RunRevertCycle claims one READY_FOR_REVERT job and starts its revert
// execution, or settles it when there is nothing (left) to try.
func (s *Scheduler) RunRevertCycle(ctx context.Context) (bool, error) {
	job, err := s.sm.FindAndLockJobForReverting(ctx, s.cfg.Owner)
	if err != nil || job == nil {
		return false, err
	}
	ctx, span := observability.Tracer().Start(ctx, "scheduler.revert_cycle")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID.String()), attribute.String("job.type", string(job.Type)))
	log := s.log.With("job_id", job.ID, "job_type", job.Type)

	retries := 0
	if rev := job.Executions.Data().Revert; rev != nil {
		retries = rev.RetryCount
	}
	if retries >= s.cfg.MaxRevertRetries {
		log.Warn("revert retries exhausted", "retries", retries)
		return true, s.settle(ctx, job)
	}

	wf := s.templates.ResolveRevert(job.Type)
	if wf == nil {
		log.Info("no revert workflow; settling job")
		return true, s.settle(ctx, job)
	}

	name := gateway.ExecutionName(job.ID, jobs.ExecutionRevert, retries)
	res := s.gw.StartExecution(ctx, job, *wf, jobs.ExecutionRevert, name, retries, payloadOf(job))
	if res.Outcome == gateway.Rejected {
		n, err := s.sm.ResetRevertSchedulingJob(ctx, job.ID)
		if err != nil {
			return true, err
		}
		if n >= s.cfg.MaxRevertRetries {
			log.Warn("revert retries exhausted", "retries", n, "error", res.Err)
			return true, s.settle(ctx, job)
		}
		log.Warn("revert execution rejected; will retry", "execution", name, "retries", n, "error", res.Err)
		return true, nil
	}

	if _, err := s.sm.SetRevertScheduledState(ctx, job.ID, res.Execution); err != nil {
		return true, err
	}
	log.Info("revert execution scheduled", "execution", name, "outcome", res.Outcome)
	return true, nil
}

// settle ends the revert pipeline with CANCELLED or FAILED.
func (s *Scheduler) settle(ctx context.Context, job *jobs.Job) error {
	_, err := s.sm.SetAndPublishRevertOutcome(ctx, job.ID)
	return err
}
