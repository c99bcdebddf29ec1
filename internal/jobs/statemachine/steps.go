package statemachine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
)

// SetStepDetails upserts steps by task id. A step never moves to a lower rank
// (a late RUNNING cannot undo FINISHED) and SKIPPED is final; within the same
// rank the newest event wins.
func (m *Machine) SetStepDetails(ctx context.Context, id uuid.UUID, updates ...jobs.StepDetail) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	applied, _, err := m.apply(ctx, "step_details", id, func(job *jobs.Job) (*change, error) {
		steps, changed := mergeSteps(job.StepDetails.Data(), updates)
		if !changed {
			return nil, nil
		}
		return &change{updates: map[string]interface{}{"step_details": datatypes.NewJSONType(steps)}}, nil
	})
	return applied, err
}

func mergeSteps(current []jobs.StepDetail, updates []jobs.StepDetail) ([]jobs.StepDetail, bool) {
	out := make([]jobs.StepDetail, len(current))
	copy(out, current)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.TaskID] = i
	}
	changed := false
	for _, u := range updates {
		if u.TaskID == "" || u.State.Rank() == 0 {
			continue
		}
		i, ok := index[u.TaskID]
		if !ok {
			index[u.TaskID] = len(out)
			out = append(out, u)
			changed = true
			continue
		}
		cur := out[i]
		if cur.State == jobs.StepSkipped || u.State.Rank() < cur.State.Rank() {
			continue
		}
		if u.StartTime == nil {
			u.StartTime = cur.StartTime
		}
		if u.StepName == "" {
			u.StepName = cur.StepName
		}
		if len(u.Branches) == 0 {
			u.Branches = cur.Branches
		}
		out[i] = u
		changed = true
	}
	return out, changed
}

// UpdateMetadata replaces the opaque metadata object.
func (m *Machine) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata json.RawMessage) (bool, error) {
	if !jobs.IsMetadataObject(metadata) {
		return false, jobs.ErrInvalidMetadata
	}
	applied, _, err := m.apply(ctx, "metadata", id, func(job *jobs.Job) (*change, error) {
		return &change{updates: map[string]interface{}{"metadata": datatypes.JSON(metadata)}}, nil
	})
	return applied, err
}

// UpdateCostConsumed replaces the consumed list of a billed job. It is ignored
// once the cost has been reported or when the job carries no cost block.
func (m *Machine) UpdateCostConsumed(ctx context.Context, id uuid.UUID, consumed []jobs.CostConsumed) (bool, error) {
	applied, _, err := m.apply(ctx, "cost_consumed", id, func(job *jobs.Job) (*change, error) {
		cost := job.Cost.Data()
		if cost == nil || job.CostReported {
			return nil, nil
		}
		next := *cost
		next.Consumed = append([]jobs.CostConsumed{}, consumed...)
		return &change{updates: map[string]interface{}{"cost": datatypes.NewJSONType(&next)}}, nil
	})
	return applied, err
}

func (m *Machine) SetGPUStateReleased(ctx context.Context, id uuid.UUID) (bool, error) {
	applied, _, err := m.apply(ctx, "gpu_released", id, func(job *jobs.Job) (*change, error) {
		gpu := job.GPURequest.Data()
		if gpu.Amount <= 0 || gpu.State == jobs.GPUReleased {
			return nil, nil
		}
		gpu.State = jobs.GPUReleased
		return &change{updates: map[string]interface{}{"gpu_request": datatypes.NewJSONType(gpu)}}, nil
	})
	return applied, err
}

// SetCostReported flips cost_reported on a terminal job. Only the caller that
// flips it gets applied=true, and within runs in the same transaction so any
// record of the report commits together with the flag.
func (m *Machine) SetCostReported(ctx context.Context, id uuid.UUID, within func(dbc dbctx.Context, job *jobs.Job) error) (bool, *jobs.Job, error) {
	var (
		applied bool
		job     *jobs.Job
	)
	err := m.tx.InTx(ctx, func(dbc dbctx.Context) error {
		ok, err := m.jobs.UpdateFieldsWhere(dbc, id,
			"cost_reported = ? AND state IN ?",
			[]interface{}{false, []jobs.State{jobs.StateFinished, jobs.StateFailed, jobs.StateCancelled}},
			map[string]interface{}{"cost_reported": true},
		)
		if err != nil || !ok {
			return err
		}
		job, err = m.jobs.GetByID(dbc, id)
		if err != nil {
			return err
		}
		if within != nil && job != nil {
			if err := within(dbc, job); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return applied, job, nil
}

// RequestCancellation records a user's cancel request. A SUBMITTED job nobody
// has claimed is cancelled on the spot; otherwise only the flag is set and the
// running execution is expected to observe it.
func (m *Machine) RequestCancellation(ctx context.Context, id uuid.UUID, userUID string) (*jobs.Job, bool, error) {
	var notCancellable bool
	cancelledNow := false
	_, after, err := m.apply(ctx, "request_cancel", id, func(job *jobs.Job) (*change, error) {
		ci := job.Cancellation.Data()
		if job.State.Terminal() || !ci.Cancellable {
			notCancellable = true
			return nil, nil
		}
		now := m.now()
		ci.IsCancelled = true
		ci.UserUID = userUID
		if ci.RequestTime == nil {
			ci.RequestTime = &now
		}
		if job.State == jobs.StateSubmitted && !m.lockHeld(job) {
			cancelledNow = true
			return m.cancelChange(job, &ci), nil
		}
		return &change{updates: map[string]interface{}{"cancellation_info": datatypes.NewJSONType(ci)}}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if notCancellable {
		return nil, false, jobs.ErrNotCancellable
	}
	return after, cancelledNow, nil
}

func (m *Machine) lockHeld(job *jobs.Job) bool {
	return job.LockedUntil != nil && job.LockedUntil.After(m.now())
}

// MarkCancelledAndDeleted flags a job for deletion after cancellation. It
// ignores the cancellable flag: it serves project deletion, not users.
func (m *Machine) MarkCancelledAndDeleted(ctx context.Context, id uuid.UUID) (*jobs.Job, bool, error) {
	cancelledNow := false
	applied, after, err := m.apply(ctx, "cancel_and_delete", id, func(job *jobs.Job) (*change, error) {
		ci := job.Cancellation.Data()
		if ci.DeleteJob && (ci.IsCancelled || job.State.Terminal()) {
			return nil, nil
		}
		ci.DeleteJob = true
		if job.State.Terminal() {
			return &change{updates: map[string]interface{}{"cancellation_info": datatypes.NewJSONType(ci)}}, nil
		}
		now := m.now()
		ci.IsCancelled = true
		if ci.RequestTime == nil {
			ci.RequestTime = &now
		}
		if job.State == jobs.StateSubmitted && !m.lockHeld(job) {
			cancelledNow = true
			return m.cancelChange(job, &ci), nil
		}
		return &change{updates: map[string]interface{}{"cancellation_info": datatypes.NewJSONType(ci)}}, nil
	})
	if err != nil || !applied {
		return nil, false, err
	}
	return after, cancelledNow, nil
}
