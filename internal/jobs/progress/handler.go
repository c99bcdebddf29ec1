package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// OOMMessage replaces the engine's error text when a task ran out of memory.
const OOMMessage = "The step ran out of memory. Try a smaller batch size or request a larger GPU."

// ErrNotScheduledYet is returned for a terminal main event that arrived before
// the scheduler recorded the execution. The event is left for redelivery.
var ErrNotScheduledYet = errors.New("job execution not recorded yet")

type Handler struct {
	sm        *statemachine.Machine
	templates *templates.Registry
	log       *logger.Logger
}

func NewHandler(sm *statemachine.Machine, registry *templates.Registry, baseLog *logger.Logger) *Handler {
	return &Handler{
		sm:        sm,
		templates: registry,
		log:       baseLog.With("component", "ProgressHandler"),
	}
}

// HandleExecutionEvent applies one workflow, task or node event. Events for
// unknown jobs, unknown kinds or phases, and superseded executions are
// dropped without error.
func (h *Handler) HandleExecutionEvent(ctx context.Context, ev events.ExecutionEvent) error {
	ctx, span := observability.Tracer().Start(ctx, "progress.execution_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("execution.name", ev.ExecutionName),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.phase", ev.Phase),
	)

	jobID, typ, attempt, ok := gateway.ParseExecutionName(ev.ExecutionName)
	if !ok {
		h.log.Debug("ignoring event for foreign execution", "execution", ev.ExecutionName)
		return nil
	}
	job, err := h.sm.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		h.log.Debug("ignoring event for unknown job", "job_id", jobID)
		return nil
	}
	if stale(job, ev.ExecutionName, typ, attempt) {
		h.log.Info("ignoring event from superseded execution", "job_id", jobID, "execution", ev.ExecutionName)
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	switch ev.Kind {
	case events.KindWorkflow:
		if typ == jobs.ExecutionRevert {
			return h.revertWorkflow(ctx, job, ev)
		}
		return h.mainWorkflow(ctx, job, ev)
	case events.KindTask:
		if typ == jobs.ExecutionRevert {
			return nil
		}
		return h.task(ctx, job, ev)
	case events.KindNode:
		if typ == jobs.ExecutionRevert || strings.ToUpper(ev.Phase) != events.PhaseQueued {
			return nil
		}
		return h.nodeQueued(ctx, job, ev)
	default:
		h.log.Debug("ignoring unknown event kind", "kind", ev.Kind)
		return nil
	}
}

// stale reports whether name belongs to an execution the job no longer
// tracks. Before a handle is recorded, only the current attempt is accepted.
func stale(job *jobs.Job, name string, typ jobs.ExecutionType, attempt int) bool {
	execs := job.Executions.Data()
	cur := execs.Main
	if typ == jobs.ExecutionRevert {
		cur = jobs.Execution{}
		if execs.Revert != nil {
			cur = *execs.Revert
		}
	}
	if cur.Name != "" {
		return cur.Name != name
	}
	return attempt != cur.RetryCount
}

func (h *Handler) mainWorkflow(ctx context.Context, job *jobs.Job, ev events.ExecutionEvent) error {
	var err error
	switch strings.ToUpper(ev.Phase) {
	case events.PhaseRunning:
		_, err = h.sm.SetRunningState(ctx, job.ID)
	case events.PhaseSucceeded:
		if job.State == jobs.StateSubmitted {
			return fmt.Errorf("%w: job %s", ErrNotScheduledYet, job.ID)
		}
		_, err = h.sm.SetAndPublishFinishedState(ctx, job.ID)
	case events.PhaseFailed, events.PhaseAborted, events.PhaseTimedOut:
		if job.State == jobs.StateSubmitted {
			return fmt.Errorf("%w: job %s", ErrNotScheduledYet, job.ID)
		}
		_, err = h.sm.SetReadyForRevertState(ctx, job.ID)
	default:
		h.log.Debug("ignoring workflow phase", "phase", ev.Phase, "job_id", job.ID)
	}
	return err
}

func (h *Handler) revertWorkflow(ctx context.Context, job *jobs.Job, ev events.ExecutionEvent) error {
	var err error
	switch strings.ToUpper(ev.Phase) {
	case events.PhaseRunning:
		_, err = h.sm.SetRevertRunningState(ctx, job.ID)
	case events.PhaseSucceeded, events.PhaseFailed, events.PhaseAborted, events.PhaseTimedOut:
		_, err = h.sm.SetAndPublishRevertOutcome(ctx, job.ID)
	default:
		h.log.Debug("ignoring revert workflow phase", "phase", ev.Phase, "job_id", job.ID)
	}
	return err
}

func taskState(phase string) (jobs.StepState, bool) {
	switch strings.ToUpper(phase) {
	case events.PhaseRunning:
		return jobs.StepRunning, true
	case events.PhaseSucceeded:
		return jobs.StepFinished, true
	case events.PhaseFailed, events.PhaseTimedOut:
		return jobs.StepFailed, true
	case events.PhaseAborted:
		return jobs.StepCancelled, true
	default:
		return "", false
	}
}

func isOOM(code, message string) bool {
	c := strings.ToLower(code)
	m := strings.ToLower(message)
	return strings.Contains(c, "oom") ||
		strings.Contains(m, "oomkilled") ||
		strings.Contains(m, "out of memory") ||
		strings.Contains(m, "out-of-memory")
}

func (h *Handler) task(ctx context.Context, job *jobs.Job, ev events.ExecutionEvent) error {
	if ev.TaskID == "" {
		return nil
	}
	state, ok := taskState(ev.Phase)
	if !ok {
		return nil
	}
	at := ev.OccurredAt.UTC()
	step := jobs.StepDetail{
		TaskID:   ev.TaskID,
		StepName: ev.StepName,
		State:    state,
		Progress: -1,
		Message:  ev.Message,
	}
	if ev.Progress != nil {
		step.Progress = *ev.Progress
	}
	switch state {
	case jobs.StepRunning:
		step.StartTime = &at
	case jobs.StepFinished:
		step.Progress = 100
		step.EndTime = &at
	case jobs.StepFailed:
		step.EndTime = &at
		if isOOM(ev.ErrorCode, ev.ErrorMessage) {
			step.Message = OOMMessage
		} else if ev.ErrorMessage != "" {
			step.Message = ev.ErrorMessage
		}
	default:
		step.EndTime = &at
	}
	_, err := h.sm.SetStepDetails(ctx, job.ID, step)
	return err
}

func (h *Handler) nodeQueued(ctx context.Context, job *jobs.Job, ev events.ExecutionEvent) error {
	tpl, ok := h.templates.Resolve(job.Type)
	if !ok {
		return nil
	}
	branch, skipped, ok := tpl.SkippedBy(ev.NodeID)
	if !ok || len(skipped) == 0 {
		return nil
	}
	at := ev.OccurredAt.UTC()
	steps := make([]jobs.StepDetail, 0, len(skipped))
	for _, taskID := range skipped {
		steps = append(steps, jobs.StepDetail{
			TaskID:   taskID,
			State:    jobs.StepSkipped,
			Progress: 100,
			Message:  branch.SkipMessage,
			Branches: []jobs.BranchOutcome{{Node: branch.Node, Taken: ev.NodeID}},
			EndTime:  &at,
		})
	}
	h.log.Info("skipping steps on untaken branch", "job_id", job.ID, "branch", branch.Node, "taken", ev.NodeID, "steps", skipped)
	_, err := h.sm.SetStepDetails(ctx, job.ID, steps...)
	return err
}

// HandleStepUpdate applies a progress report sent by the workload.
func (h *Handler) HandleStepUpdate(ctx context.Context, u events.StepUpdate) error {
	if u.TaskID == "" || u.State.Rank() == 0 {
		return nil
	}
	_, err := h.sm.SetStepDetails(ctx, u.JobID, jobs.StepDetail{
		TaskID:    u.TaskID,
		StepName:  u.StepName,
		State:     u.State,
		Progress:  u.Progress,
		Message:   u.Message,
		Warning:   u.Warning,
		StartTime: u.StartTime,
		EndTime:   u.EndTime,
	})
	return err
}

// HandleJobUpdate applies metadata and consumed-cost reports. Metadata that
// is not a JSON object is dropped and the consumed list still applies.
func (h *Handler) HandleJobUpdate(ctx context.Context, u events.JobUpdate) error {
	if len(u.Metadata) > 0 {
		_, err := h.sm.UpdateMetadata(ctx, u.JobID, u.Metadata)
		switch {
		case errors.Is(err, jobs.ErrInvalidMetadata):
			h.log.Warn("dropping malformed job metadata", "job_id", u.JobID)
		case err != nil:
			return err
		}
	}
	if len(u.Consumed) > 0 {
		if _, err := h.sm.UpdateCostConsumed(ctx, u.JobID, u.Consumed); err != nil {
			return err
		}
	}
	return nil
}
