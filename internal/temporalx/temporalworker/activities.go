package temporalworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Activity names job workflows schedule on this service's task queue.
const (
	ActivityReportEvent     = "jobs.report_event"
	ActivityReportStep      = "jobs.report_step"
	ActivityReportJobUpdate = "jobs.report_job_update"
)

const errInvalidReport = "InvalidReport"

// Activities forward reports from running workflows onto the event bus. They
// only publish; all state changes happen in the consumers.
type Activities struct {
	Publisher events.Publisher
	Log       *logger.Logger
	Now       func() time.Time
}

func (a *Activities) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func invalid(format string, args ...any) error {
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf(format, args...), errInvalidReport, nil)
}

func validPhase(phase string) bool {
	switch phase {
	case events.PhaseQueued, events.PhaseRunning, events.PhaseSucceeded,
		events.PhaseFailed, events.PhaseAborted, events.PhaseTimedOut:
		return true
	default:
		return false
	}
}

func (a *Activities) publish(ctx context.Context, topic, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return invalid("encode report: %v", err)
	}
	// Publish failures are returned as-is so the engine retries the activity.
	return a.Publisher.Publish(ctx, topic, key, raw)
}

func (a *Activities) ReportEvent(ctx context.Context, ev events.ExecutionEvent) error {
	ev.ExecutionName = strings.TrimSpace(ev.ExecutionName)
	ev.Phase = strings.ToUpper(strings.TrimSpace(ev.Phase))
	if ev.ExecutionName == "" {
		return invalid("execution_name is required")
	}
	if !validPhase(ev.Phase) {
		return invalid("unknown phase %q", ev.Phase)
	}
	switch ev.Kind {
	case events.KindWorkflow:
	case events.KindTask:
		if ev.TaskID == "" {
			return invalid("task events need task_id")
		}
	case events.KindNode:
		if ev.NodeID == "" {
			return invalid("node events need node_id")
		}
	default:
		return invalid("unknown event kind %q", ev.Kind)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now()
	}
	if err := a.publish(ctx, events.TopicExecutionEvents, ev.ExecutionName, ev); err != nil {
		return err
	}
	a.Log.Debug("execution event reported", "execution", ev.ExecutionName, "kind", ev.Kind, "phase", ev.Phase)
	return nil
}

func (a *Activities) ReportStep(ctx context.Context, up events.StepUpdate) error {
	if up.JobID == uuid.Nil || strings.TrimSpace(up.TaskID) == "" {
		return invalid("step updates need job_id and task_id")
	}
	if up.State.Rank() == 0 {
		return invalid("unknown step state %q", up.State)
	}
	return a.publish(ctx, events.TopicStepUpdates, up.JobID.String(), up)
}

func (a *Activities) ReportJobUpdate(ctx context.Context, up events.JobUpdate) error {
	if up.JobID == uuid.Nil {
		return invalid("job updates need job_id")
	}
	if len(up.Metadata) == 0 && len(up.Consumed) == 0 {
		return nil
	}
	if len(up.Metadata) > 0 && !jobs.IsMetadataObject(up.Metadata) {
		return invalid("job update metadata must be a JSON object")
	}
	return a.publish(ctx, events.TopicJobUpdates, up.JobID.String(), up)
}
