package temporalworker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

func newActivities() (*Activities, *events.MemoryBus) {
	bus := events.NewMemoryBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Activities{Publisher: bus, Log: logger.Nop(), Now: func() time.Time { return fixed }}, bus
}

func TestReportEventPublishesKeyedByExecution(t *testing.T) {
	acts, bus := newActivities()
	err := acts.ReportEvent(context.Background(), events.ExecutionEvent{
		Kind:          events.KindWorkflow,
		ExecutionName: "job-abc-main-0",
		Phase:         "running",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	msgs := bus.Messages(events.TopicExecutionEvents)
	if len(msgs) != 1 || msgs[0].Key != "job-abc-main-0" {
		t.Fatalf("messages = %+v", msgs)
	}
	var ev events.ExecutionEvent
	if err := json.Unmarshal(msgs[0].Payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Phase != events.PhaseRunning || ev.OccurredAt.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
}

func TestReportEventRejectsMalformedReports(t *testing.T) {
	acts, bus := newActivities()
	bad := []events.ExecutionEvent{
		{Kind: events.KindWorkflow, Phase: events.PhaseRunning},
		{Kind: events.KindWorkflow, ExecutionName: "x", Phase: "DONE"},
		{Kind: events.KindTask, ExecutionName: "x", Phase: events.PhaseRunning},
		{Kind: "pod", ExecutionName: "x", Phase: events.PhaseRunning},
	}
	for i, ev := range bad {
		err := acts.ReportEvent(context.Background(), ev)
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) || !appErr.NonRetryable() {
			t.Fatalf("case %d: expected non-retryable error, got %v", i, err)
		}
	}
	if n := len(bus.Messages(events.TopicExecutionEvents)); n != 0 {
		t.Fatalf("published %d malformed events", n)
	}
}

func TestReportEventSurfacesPublishFailure(t *testing.T) {
	acts, bus := newActivities()
	boom := errors.New("bus down")
	bus.FailPublishes(boom)
	err := acts.ReportEvent(context.Background(), events.ExecutionEvent{Kind: events.KindWorkflow, ExecutionName: "x", Phase: events.PhaseFailed})
	if !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestReportStepAndJobUpdate(t *testing.T) {
	acts, bus := newActivities()
	id := uuid.New()
	ctx := context.Background()

	if err := acts.ReportStep(ctx, events.StepUpdate{JobID: id, TaskID: "train-model", State: jobs.StepRunning, Progress: 10}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := acts.ReportStep(ctx, events.StepUpdate{JobID: id, TaskID: "train-model", State: "PAUSED"}); err == nil {
		t.Fatalf("expected invalid step state error")
	}
	if err := acts.ReportJobUpdate(ctx, events.JobUpdate{JobID: id}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if err := acts.ReportJobUpdate(ctx, events.JobUpdate{JobID: id, Metadata: json.RawMessage(`{"epoch":3}`)}); err != nil {
		t.Fatalf("job update: %v", err)
	}
	if n := len(bus.Messages(events.TopicStepUpdates)); n != 1 {
		t.Fatalf("step messages = %d", n)
	}
	if msgs := bus.Messages(events.TopicJobUpdates); len(msgs) != 1 || msgs[0].Key != id.String() {
		t.Fatalf("job update messages = %+v", msgs)
	}
}

func TestReportJobUpdateRejectsNonObjectMetadata(t *testing.T) {
	acts, bus := newActivities()
	for _, raw := range []string{`null`, `[1,2]`, `"epochs"`} {
		err := acts.ReportJobUpdate(context.Background(), events.JobUpdate{
			JobID:    uuid.New(),
			Metadata: json.RawMessage(raw),
			Consumed: []jobs.CostConsumed{{Amount: 3, Unit: "images"}},
		})
		var appErr *temporal.ApplicationError
		if !errors.As(err, &appErr) || !appErr.NonRetryable() || appErr.Type() != errInvalidReport {
			t.Fatalf("metadata %s: expected non-retryable invalid report, got %v", raw, err)
		}
	}
	if n := len(bus.Messages(events.TopicJobUpdates)); n != 0 {
		t.Fatalf("published %d malformed updates", n)
	}
}
