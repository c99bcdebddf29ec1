package statemachine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Machine is the only writer of a job's lifecycle columns. Every operation is
// guarded by the job's current state, so replaying it (or losing a race to a
// competing operation) is a no-op reported as applied=false, never an error.
type Machine struct {
	jobs    jobrepo.JobRepo
	outbox  jobrepo.OutboxRepo
	tx      db.TxRunner
	log     *logger.Logger
	metrics *observability.Metrics
	lockTTL time.Duration
	now     func() time.Time
}

type Option func(*Machine)

func WithLockTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func New(jobRepo jobrepo.JobRepo, outbox jobrepo.OutboxRepo, tx db.TxRunner, baseLog *logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		jobs:    jobRepo,
		outbox:  outbox,
		tx:      tx,
		log:     baseLog.With("component", "StateMachine"),
		lockTTL: 5 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) LockTTL() time.Duration { return m.lockTTL }

// change is what a guarded operation decided to do with the locked row.
type change struct {
	to      jobs.State
	updates map[string]interface{}
	publish string
}

// apply runs decide against the row-locked job and, when it returns a change,
// writes it and appends the matching lifecycle event in one transaction.
func (m *Machine) apply(ctx context.Context, op string, id uuid.UUID, decide func(job *jobs.Job) (*change, error)) (bool, *jobs.Job, error) {
	var (
		applied bool
		after   jobs.Job
		c       *change
	)
	err := m.tx.InTx(ctx, func(dbc dbctx.Context) error {
		ok, err := m.jobs.Mutate(dbc, id, func(job *jobs.Job) (map[string]interface{}, error) {
			var derr error
			c, derr = decide(job)
			if derr != nil || c == nil {
				return nil, derr
			}
			if c.updates == nil {
				c.updates = map[string]interface{}{}
			}
			if c.to != "" {
				c.updates["state"] = c.to
				if c.to.Terminal() {
					c.updates["live_key"] = nil
					m.releaseLock(c.updates)
					ci := job.Cancellation.Data()
					ci.Cancellable = false
					if _, set := c.updates["cancellation_info"]; !set {
						c.updates["cancellation_info"] = datatypes.NewJSONType(ci)
					}
				}
			}
			after = *job
			if ci, ok := c.updates["cancellation_info"].(datatypes.JSONType[jobs.CancellationInfo]); ok {
				after.Cancellation = ci
			}
			if c.to != "" {
				after.State = c.to
				after.StateGroup = c.to.Group()
			}
			return c.updates, nil
		})
		if err != nil {
			return err
		}
		applied = ok
		if !ok || c == nil || c.publish == "" {
			return nil
		}
		_, err = m.outbox.Append(dbc, id, jobs.TopicLifecycle, c.publish, lifecycleEvent(&after, c.publish, m.now()))
		return err
	})
	if err != nil {
		m.log.Error("state machine operation failed", "op", op, "job_id", id, "error", err)
		return false, nil, err
	}
	if c != nil && c.to != "" {
		m.metrics.RecordTransition(ctx, string(c.to), applied)
	}
	if !applied {
		m.log.Debug("state machine operation skipped by guard", "op", op, "job_id", id)
		return false, nil, nil
	}
	return true, &after, nil
}

func (m *Machine) releaseLock(updates map[string]interface{}) {
	updates["locked_by"] = ""
	updates["locked_until"] = nil
}

func in(s jobs.State, allowed ...jobs.State) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func lifecycleEvent(job *jobs.Job, kind string, at time.Time) jobs.LifecycleEvent {
	return jobs.LifecycleEvent{
		Event:       kind,
		JobID:       job.ID,
		JobType:     job.Type,
		WorkspaceID: job.WorkspaceID,
		ProjectID:   job.ProjectID,
		Author:      job.Author,
		State:       job.State,
		Time:        at,
	}
}

func (m *Machine) claimed(ctx context.Context, loop string, job *jobs.Job, err error) (*jobs.Job, error) {
	switch {
	case err != nil:
		m.metrics.RecordClaim(ctx, loop, "error")
		return nil, err
	case job == nil:
		m.metrics.RecordClaim(ctx, loop, "empty")
	default:
		m.metrics.RecordClaim(ctx, loop, "claimed")
	}
	return job, nil
}

// FindAndLockJobForScheduling claims one SUBMITTED job for owner, or returns nil.
func (m *Machine) FindAndLockJobForScheduling(ctx context.Context, owner string) (*jobs.Job, error) {
	job, err := m.jobs.ClaimByState(dbctx.Of(ctx), jobs.StateSubmitted, owner, m.lockTTL)
	return m.claimed(ctx, "main", job, err)
}

// FindAndLockJobForReverting claims one READY_FOR_REVERT job for owner, or returns nil.
func (m *Machine) FindAndLockJobForReverting(ctx context.Context, owner string) (*jobs.Job, error) {
	job, err := m.jobs.ClaimByState(dbctx.Of(ctx), jobs.StateReadyForRevert, owner, m.lockTTL)
	return m.claimed(ctx, "revert", job, err)
}

// SetScheduledState records the main execution handle and releases the claim.
// A progress event may already have moved the job past SUBMITTED; the handle
// is still recorded then, but the state is left alone.
func (m *Machine) SetScheduledState(ctx context.Context, id uuid.UUID, exec jobs.Execution) (bool, error) {
	applied, _, err := m.apply(ctx, "scheduled", id, func(job *jobs.Job) (*change, error) {
		execs := job.Executions.Data()
		if execs.Main.Name != "" && execs.Main.Name != exec.Name {
			return nil, nil
		}
		if job.State.Terminal() {
			return nil, nil
		}
		execs.Main = exec
		c := &change{updates: map[string]interface{}{"executions": datatypes.NewJSONType(execs)}}
		switch job.State {
		case jobs.StateSubmitted:
			c.to = jobs.StateScheduled
			m.releaseLock(c.updates)
		case jobs.StateScheduled, jobs.StateRunning:
			m.releaseLock(c.updates)
		}
		return c, nil
	})
	return applied, err
}

// ResetMainScheduling releases a SUBMITTED job after a rejected start so the
// next poll retries it with the next attempt number.
func (m *Machine) ResetMainScheduling(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "reset_main", id, func(job *jobs.Job) (*change, error) {
		if job.State != jobs.StateSubmitted {
			return nil, nil
		}
		execs := job.Executions.Data()
		execs.Main.RetryCount++
		execs.Main.Name = ""
		execs.Main.RunID = ""
		c := &change{updates: map[string]interface{}{"executions": datatypes.NewJSONType(execs)}}
		m.releaseLock(c.updates)
		return c, nil
	})
	return applied, err
}

func (m *Machine) SetRunningState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "running", id, func(job *jobs.Job) (*change, error) {
		if !in(job.State, jobs.StateSubmitted, jobs.StateScheduled) {
			return nil, nil
		}
		c := &change{to: jobs.StateRunning, updates: map[string]interface{}{}}
		if gpu := job.GPURequest.Data(); gpu.Amount > 0 && gpu.State != jobs.GPUReleased {
			gpu.State = jobs.GPUAcquired
			c.updates["gpu_request"] = datatypes.NewJSONType(gpu)
		}
		return c, nil
	})
	return applied, err
}

func (m *Machine) SetAndPublishFinishedState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "finished", id, func(job *jobs.Job) (*change, error) {
		if !in(job.State, jobs.StateScheduled, jobs.StateRunning) {
			return nil, nil
		}
		return &change{to: jobs.StateFinished, publish: jobs.EventJobFinished}, nil
	})
	return applied, err
}

func (m *Machine) SetReadyForRevertState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "ready_for_revert", id, func(job *jobs.Job) (*change, error) {
		if !in(job.State, jobs.StateScheduled, jobs.StateRunning) {
			return nil, nil
		}
		c := &change{to: jobs.StateReadyForRevert, updates: map[string]interface{}{}}
		m.releaseLock(c.updates)
		return c, nil
	})
	return applied, err
}

func (m *Machine) SetRevertScheduledState(ctx context.Context, id uuid.UUID, exec jobs.Execution) (bool, error) {
	applied, _, err := m.apply(ctx, "revert_scheduled", id, func(job *jobs.Job) (*change, error) {
		if job.State != jobs.StateReadyForRevert {
			return nil, nil
		}
		execs := job.Executions.Data()
		execs.Revert = &exec
		c := &change{to: jobs.StateRevertScheduled, updates: map[string]interface{}{"executions": datatypes.NewJSONType(execs)}}
		m.releaseLock(c.updates)
		return c, nil
	})
	return applied, err
}

func (m *Machine) SetRevertRunningState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "revert_running", id, func(job *jobs.Job) (*change, error) {
		if job.State != jobs.StateRevertScheduled {
			return nil, nil
		}
		return &change{to: jobs.StateRevertRunning}, nil
	})
	return applied, err
}

func (m *Machine) SetAndPublishCancelledState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "cancelled", id, func(job *jobs.Job) (*change, error) {
		if !in(job.State, jobs.StateSubmitted, jobs.StateReadyForRevert, jobs.StateRevertScheduled, jobs.StateRevertRunning) {
			return nil, nil
		}
		return m.cancelChange(job, nil), nil
	})
	return applied, err
}

func (m *Machine) cancelChange(job *jobs.Job, ci *jobs.CancellationInfo) *change {
	if ci == nil {
		cur := job.Cancellation.Data()
		ci = &cur
	}
	now := m.now()
	ci.IsCancelled = true
	ci.Cancellable = false
	if ci.CancelTime == nil {
		ci.CancelTime = &now
	}
	return &change{
		to:      jobs.StateCancelled,
		publish: jobs.EventJobCancelled,
		updates: map[string]interface{}{"cancellation_info": datatypes.NewJSONType(*ci)},
	}
}

func (m *Machine) SetAndPublishFailedState(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "failed", id, func(job *jobs.Job) (*change, error) {
		if !reverting(job.State) {
			return nil, nil
		}
		return failedChange(), nil
	})
	return applied, err
}

func reverting(s jobs.State) bool {
	return in(s, jobs.StateReadyForRevert, jobs.StateRevertScheduled, jobs.StateRevertRunning)
}

func failedChange() *change {
	return &change{to: jobs.StateFailed, publish: jobs.EventJobFailed}
}

// SetAndPublishRevertOutcome ends the revert pipeline: CANCELLED when the user
// asked for cancellation, FAILED otherwise. The flag is read from the locked
// row so a cancel racing the revert is never lost.
func (m *Machine) SetAndPublishRevertOutcome(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "revert_outcome", id, func(job *jobs.Job) (*change, error) {
		if !reverting(job.State) {
			return nil, nil
		}
		if job.Cancellation.Data().IsCancelled {
			return m.cancelChange(job, nil), nil
		}
		return failedChange(), nil
	})
	return applied, err
}

// ResetRevertSchedulingJob releases a claimed READY_FOR_REVERT job after a
// rejected revert start and bumps the revert retry counter. The state does not
// change. It returns the new counter.
func (m *Machine) ResetRevertSchedulingJob(ctx context.Context, id uuid.UUID) (int, error) {
	retries := 0
	_, _, err := m.apply(ctx, "reset_revert", id, func(job *jobs.Job) (*change, error) {
		if job.State != jobs.StateReadyForRevert {
			return nil, nil
		}
		execs := job.Executions.Data()
		rev := jobs.Execution{}
		if execs.Revert != nil {
			rev = *execs.Revert
		}
		rev.RetryCount++
		rev.Name = ""
		rev.RunID = ""
		execs.Revert = &rev
		retries = rev.RetryCount
		c := &change{updates: map[string]interface{}{"executions": datatypes.NewJSONType(execs)}}
		m.releaseLock(c.updates)
		return c, nil
	})
	return retries, err
}

func (m *Machine) FindJobsIDsByProjectID(ctx context.Context, projectID string) ([]uuid.UUID, error) {
	return m.jobs.FindIDsByProjectID(dbctx.Of(ctx), projectID)
}

func (m *Machine) GetByID(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	return m.jobs.GetByID(dbctx.Of(ctx), id)
}
