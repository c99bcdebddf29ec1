package cost

import (
	"context"

	"github.com/yungbote/jobs-orchestrator/internal/clients/credits"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Report actions, also used as metric labels.
const (
	ActionNone        = "none"
	ActionDuplicate   = "duplicate"
	ActionMetered     = "metered"
	ActionLeaseCancel = "lease_cancelled"
	ActionCancelError = "lease_cancel_failed"
)

// Finalizer settles a job's lease once the job is terminal.
type Finalizer struct {
	sm      *statemachine.Machine
	outbox  jobrepo.OutboxRepo
	ledger  credits.Ledger
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewFinalizer(sm *statemachine.Machine, outbox jobrepo.OutboxRepo, ledger credits.Ledger, baseLog *logger.Logger, metrics *observability.Metrics) *Finalizer {
	return &Finalizer{
		sm:      sm,
		outbox:  outbox,
		ledger:  ledger,
		log:     baseLog.With("component", "CostFinalizer"),
		metrics: metrics,
	}
}

func terminalEvent(kind string) bool {
	switch kind {
	case jobs.EventJobFinished, jobs.EventJobFailed, jobs.EventJobCancelled:
		return true
	default:
		return false
	}
}

// HandleLifecycle releases the GPU and reports cost for a terminal job.
// cost_reported is flipped before any ledger call, so a redelivered event
// finds it set and does nothing. The metering event is queued in the same
// transaction as the flip.
func (f *Finalizer) HandleLifecycle(ctx context.Context, ev jobs.LifecycleEvent) (string, error) {
	if !terminalEvent(ev.Event) {
		return ActionNone, nil
	}
	job, err := f.sm.GetByID(ctx, ev.JobID)
	if err != nil {
		return "", err
	}
	if job == nil || !job.State.Terminal() {
		f.log.Warn("lifecycle event for a job that is not terminal", "job_id", ev.JobID, "event", ev.Event)
		return ActionNone, nil
	}
	if _, err := f.sm.SetGPUStateReleased(ctx, ev.JobID); err != nil {
		return "", err
	}
	if job.Cost.Data() == nil {
		f.metrics.RecordCostReport(ctx, ActionNone)
		return ActionNone, nil
	}

	action := ActionNone
	leaseID := ""
	applied, _, err := f.sm.SetCostReported(ctx, ev.JobID, func(dbc dbctx.Context, j *jobs.Job) error {
		c := j.Cost.Data()
		if c == nil {
			return nil
		}
		leaseID = c.LeaseID
		if len(c.Consumed) == 0 {
			action = ActionLeaseCancel
			return nil
		}
		action = ActionMetered
		_, err := f.outbox.Append(dbc, j.ID, jobs.TopicMetering, jobs.EventMetering, jobs.MeteringEvent{
			JobID:          j.ID,
			LeaseID:        c.LeaseID,
			OrganizationID: j.OrganizationID,
			WorkspaceID:    j.WorkspaceID,
			ProjectID:      j.ProjectID,
			Consumed:       c.Consumed,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if !applied {
		f.metrics.RecordCostReport(ctx, ActionDuplicate)
		return ActionDuplicate, nil
	}

	if action == ActionLeaseCancel {
		if f.ledger == nil {
			f.log.Error("no credits ledger to cancel lease", "job_id", ev.JobID, "lease_id", leaseID)
			action = ActionCancelError
		} else if err := f.ledger.CancelLease(ctx, leaseID); err != nil {
			// The flag is already set; the ledger expires unreleased leases.
			f.log.Error("lease cancel failed after cost was marked reported", "job_id", ev.JobID, "lease_id", leaseID, "error", err)
			action = ActionCancelError
		}
	}
	f.log.Info("job cost reported", "job_id", ev.JobID, "action", action)
	f.metrics.RecordCostReport(ctx, action)
	return action, nil
}
