package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/data/repos/testutil"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
)

func newHandler(t *testing.T) (*Handler, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	sm := statemachine.New(jobrepo.NewJobRepo(db, log), jobrepo.NewOutboxRepo(db, log), dbpkg.NewGormTxRunner(db), log)
	reg, err := templates.Load("")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	return NewHandler(sm, reg, log), db
}

// scheduledJob seeds a job whose main execution is already recorded.
func scheduledJob(t *testing.T, db *gorm.DB, state jobs.State, opts ...func(*jobs.Job)) (*jobs.Job, string) {
	t.Helper()
	var name string
	all := append([]func(*jobs.Job){func(j *jobs.Job) {
		name = gateway.ExecutionName(j.ID, jobs.ExecutionMain, 0)
		j.State = state
		j.Executions = datatypes.NewJSONType(jobs.Executions{Main: jobs.Execution{Name: name, RunID: "run-1"}})
	}}, opts...)
	job := testutil.SeedJob(t, context.Background(), db, "ws-1", all...)
	return job, name
}

func wf(name, phase string) events.ExecutionEvent {
	return events.ExecutionEvent{Kind: events.KindWorkflow, ExecutionName: name, Phase: phase, OccurredAt: time.Now().UTC()}
}

func task(name, taskID, phase string) events.ExecutionEvent {
	return events.ExecutionEvent{Kind: events.KindTask, ExecutionName: name, TaskID: taskID, Phase: phase, OccurredAt: time.Now().UTC()}
}

func mustHandle(t *testing.T, h *Handler, ev events.ExecutionEvent) {
	t.Helper()
	if err := h.HandleExecutionEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle %s/%s: %v", ev.Kind, ev.Phase, err)
	}
}

func TestWorkflowRunningThenAbortedEntersRevert(t *testing.T) {
	h, db := newHandler(t)
	job, name := scheduledJob(t, db, jobs.StateScheduled)

	mustHandle(t, h, wf(name, "RUNNING"))
	mustHandle(t, h, wf(name, "ABORTED"))

	row := testutil.LoadJob(t, context.Background(), db, job.ID)
	if row.State != jobs.StateReadyForRevert || row.StateGroup != jobs.GroupRunning {
		t.Fatalf("state=%s group=%s", row.State, row.StateGroup)
	}
}

func TestRedeliveredSucceededPublishesOnce(t *testing.T) {
	h, db := newHandler(t)
	job, name := scheduledJob(t, db, jobs.StateRunning)

	mustHandle(t, h, wf(name, "SUCCEEDED"))
	mustHandle(t, h, wf(name, "SUCCEEDED"))
	mustHandle(t, h, wf(name, "RUNNING"))

	ctx := context.Background()
	if row := testutil.LoadJob(t, ctx, db, job.ID); row.State != jobs.StateFinished {
		t.Fatalf("state=%s", row.State)
	}
	if rows := testutil.Outbox(t, ctx, db, job.ID); len(rows) != 1 || rows[0].Kind != jobs.EventJobFinished {
		t.Fatalf("outbox=%+v, want one job_finished", rows)
	}
}

func TestTerminalMainEventBeforeScheduleIsDeferred(t *testing.T) {
	h, db := newHandler(t)
	job := testutil.SeedJob(t, context.Background(), db, "ws-1")
	name := gateway.ExecutionName(job.ID, jobs.ExecutionMain, 0)

	err := h.HandleExecutionEvent(context.Background(), wf(name, "FAILED"))
	if !errors.Is(err, ErrNotScheduledYet) {
		t.Fatalf("err=%v, want ErrNotScheduledYet", err)
	}
	mustHandle(t, h, wf(name, "RUNNING"))
	if row := testutil.LoadJob(t, context.Background(), db, job.ID); row.State != jobs.StateRunning {
		t.Fatalf("state=%s, want RUNNING", row.State)
	}
}

func TestStaleExecutionIgnored(t *testing.T) {
	h, db := newHandler(t)
	job, _ := scheduledJob(t, db, jobs.StateRunning)
	old := gateway.ExecutionName(job.ID, jobs.ExecutionMain, 7)

	mustHandle(t, h, wf(old, "FAILED"))
	if row := testutil.LoadJob(t, context.Background(), db, job.ID); row.State != jobs.StateRunning {
		t.Fatalf("stale event changed state to %s", row.State)
	}
}

func TestRevertWorkflowOutcomeFollowsCancelFlag(t *testing.T) {
	cases := []struct {
		cancelled bool
		phase     string
		want      jobs.State
	}{
		{false, "SUCCEEDED", jobs.StateFailed},
		{true, "SUCCEEDED", jobs.StateCancelled},
		{true, "FAILED", jobs.StateCancelled},
		{false, "TIMED_OUT", jobs.StateFailed},
	}
	for _, c := range cases {
		h, db := newHandler(t)
		var revName string
		job := testutil.SeedJob(t, context.Background(), db, "ws-1", func(j *jobs.Job) {
			revName = gateway.ExecutionName(j.ID, jobs.ExecutionRevert, 0)
			j.State = jobs.StateRevertScheduled
			j.Executions = datatypes.NewJSONType(jobs.Executions{
				Main:   jobs.Execution{Name: gateway.ExecutionName(j.ID, jobs.ExecutionMain, 0)},
				Revert: &jobs.Execution{Name: revName},
			})
			j.Cancellation = datatypes.NewJSONType(jobs.CancellationInfo{Cancellable: true, IsCancelled: c.cancelled})
		})

		mustHandle(t, h, wf(revName, "RUNNING"))
		if row := testutil.LoadJob(t, context.Background(), db, job.ID); row.State != jobs.StateRevertRunning {
			t.Fatalf("state=%s, want REVERT_RUNNING", row.State)
		}
		mustHandle(t, h, wf(revName, c.phase))
		if row := testutil.LoadJob(t, context.Background(), db, job.ID); row.State != c.want {
			t.Fatalf("cancelled=%v phase=%s: state=%s, want %s", c.cancelled, c.phase, row.State, c.want)
		}
	}
}

func TestTaskEventsUpsertSteps(t *testing.T) {
	h, db := newHandler(t)
	job, name := scheduledJob(t, db, jobs.StateRunning)

	mustHandle(t, h, task(name, "train-model", "RUNNING"))
	mustHandle(t, h, task(name, "train-model", "SUCCEEDED"))
	mustHandle(t, h, task(name, "train-model", "RUNNING"))

	oom := task(name, "export-weights", "FAILED")
	oom.ErrorCode = "OOMKilled"
	oom.ErrorMessage = "container killed"
	mustHandle(t, h, oom)

	plain := task(name, "prepare-dataset", "FAILED")
	plain.ErrorMessage = "dataset is empty"
	mustHandle(t, h, plain)

	mustHandle(t, h, task(name, "evaluate-model", "QUEUED"))

	row := testutil.LoadJob(t, context.Background(), db, job.ID)
	s, ok := row.Step("train-model")
	if !ok || s.State != jobs.StepFinished || s.Progress != 100 || s.StartTime == nil || s.EndTime == nil {
		t.Fatalf("train-model step=%+v ok=%v", s, ok)
	}
	if s, _ := row.Step("export-weights"); s.State != jobs.StepFailed || s.Message != OOMMessage {
		t.Fatalf("oom step=%+v", s)
	}
	if s, _ := row.Step("prepare-dataset"); s.Message != "dataset is empty" {
		t.Fatalf("failed step=%+v", s)
	}
	if _, ok := row.Step("evaluate-model"); ok {
		t.Fatalf("QUEUED task phase must be ignored")
	}
}

func TestRevertTaskEventsIgnored(t *testing.T) {
	h, db := newHandler(t)
	var revName string
	job := testutil.SeedJob(t, context.Background(), db, "ws-1", func(j *jobs.Job) {
		revName = gateway.ExecutionName(j.ID, jobs.ExecutionRevert, 0)
		j.State = jobs.StateRevertRunning
		j.Executions = datatypes.NewJSONType(jobs.Executions{Revert: &jobs.Execution{Name: revName}})
	})
	mustHandle(t, h, task(revName, "cleanup", "RUNNING"))
	if row := testutil.LoadJob(t, context.Background(), db, job.ID); len(row.StepDetails.Data()) != 0 {
		t.Fatalf("revert task recorded: %+v", row.StepDetails.Data())
	}
}

func TestBranchNodeQueuedSkipsOtherCases(t *testing.T) {
	h, db := newHandler(t)
	job, name := scheduledJob(t, db, jobs.StateRunning, func(j *jobs.Job) { j.Type = jobs.JobTypeOptimize })

	mustHandle(t, h, events.ExecutionEvent{Kind: events.KindNode, ExecutionName: name, NodeID: "n1-n0", Phase: "QUEUED"})
	// A later RUNNING for the skipped task cannot revive it.
	mustHandle(t, h, task(name, "prune-model", "RUNNING"))

	row := testutil.LoadJob(t, context.Background(), db, job.ID)
	s, ok := row.Step("prune-model")
	if !ok || s.State != jobs.StepSkipped {
		t.Fatalf("prune-model step=%+v ok=%v", s, ok)
	}
	if s.Message == "" || len(s.Branches) != 1 || s.Branches[0].Node != "n1" || s.Branches[0].Taken != "n1-n0" {
		t.Fatalf("skip details=%+v", s)
	}
	if _, ok := row.Step("quantize-model"); ok {
		t.Fatalf("taken case must not be skipped")
	}
}

func TestUnknownEventsIgnored(t *testing.T) {
	h, db := newHandler(t)
	job, name := scheduledJob(t, db, jobs.StateRunning)

	mustHandle(t, h, events.ExecutionEvent{Kind: "sidecar", ExecutionName: name, Phase: "RUNNING"})
	mustHandle(t, h, wf(name, "PAUSED"))
	mustHandle(t, h, wf("some-other-workflow", "FAILED"))
	mustHandle(t, h, events.ExecutionEvent{Kind: events.KindNode, ExecutionName: name, NodeID: "n9", Phase: "QUEUED"})

	if row := testutil.LoadJob(t, context.Background(), db, job.ID); row.State != jobs.StateRunning {
		t.Fatalf("state=%s", row.State)
	}
}

func TestJobUpdates(t *testing.T) {
	h, db := newHandler(t)
	job := testutil.SeedJob(t, context.Background(), db, "ws-1", func(j *jobs.Job) {
		j.Cost = datatypes.NewJSONType(&jobs.Cost{Requests: []jobs.CostRequest{{Unit: "gpu_hours", Amount: 2}}, LeaseID: "L-1"})
	})
	ctx := context.Background()
	err := h.HandleJobUpdate(ctx, events.JobUpdate{
		JobID:    job.ID,
		Metadata: []byte(`{"epochs":3}`),
		Consumed: []jobs.CostConsumed{{Amount: 1.5, Unit: "gpu_hours", ServiceName: "trainer"}},
	})
	if err != nil {
		t.Fatalf("HandleJobUpdate: %v", err)
	}
	if err := h.HandleStepUpdate(ctx, events.StepUpdate{JobID: job.ID, TaskID: "train-model", State: jobs.StepRunning, Progress: 40}); err != nil {
		t.Fatalf("HandleStepUpdate: %v", err)
	}
	row := testutil.LoadJob(t, ctx, db, job.ID)
	if c := row.Cost.Data(); c == nil || len(c.Consumed) != 1 || c.Consumed[0].Amount != 1.5 {
		t.Fatalf("cost=%+v", c)
	}
	if s, _ := row.Step("train-model"); s.Progress != 40 {
		t.Fatalf("step=%+v", s)
	}
}
