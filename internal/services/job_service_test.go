package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/clients/credits"
	dbpkg "github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/data/repos/testutil"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/cost"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/platform/apierr"
	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
)

type fixture struct {
	db     *gorm.DB
	sm     *statemachine.Machine
	svc    JobService
	ledger *credits.MemoryLedger
	engine *gateway.MemoryEngine
	outbox jobrepo.OutboxRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	outbox := jobrepo.NewOutboxRepo(db, log)
	sm := statemachine.New(repo, outbox, dbpkg.NewGormTxRunner(db), log, statemachine.WithLockTTL(time.Minute))
	reg, err := templates.Load("")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	ledger := credits.NewMemoryLedger()
	engine := gateway.NewMemoryEngine()
	return &fixture{
		db:     db,
		sm:     sm,
		svc:    NewJobService(log, repo, sm, reg, ledger, gateway.New(engine, log, nil), nil),
		ledger: ledger,
		engine: engine,
		outbox: outbox,
	}
}

func asCaller(uid string, projects ...string) dbctx.Context {
	ctx := ctxutil.WithCaller(context.Background(), &ctxutil.Caller{
		UserUID:        uid,
		OrganizationID: "org-1",
		WorkspaceID:    "ws-1",
		ProjectIDs:     projects,
	})
	return dbctx.Context{Ctx: ctx}
}

func wantKind(t *testing.T, err error, kind apierr.Kind, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error", kind)
	}
	if apierr.KindOf(err) != kind || apierr.CodeOf(err) != code {
		t.Fatalf("got %s/%s (%v), want %s/%s", apierr.KindOf(err), apierr.CodeOf(err), err, kind, code)
	}
}

func TestSubmitCreatesSubmittedJob(t *testing.T) {
	f := newFixture(t)
	dbc := asCaller("user-1")

	res, err := f.svc.Submit(dbc, SubmitRequest{
		Type:           "train",
		Name:           "first",
		Key:            "k1",
		Payload:        json.RawMessage(`{"dataset":"d1"}`),
		GPUNumRequired: 2,
		Cancellable:    true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := testutil.LoadJob(t, dbc.Ctx, f.db, res.JobID)
	if job.State != jobs.StateSubmitted || job.Author != "user-1" || job.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if g := job.GPURequest.Data(); g.Amount != 2 || g.State != jobs.GPURequested {
		t.Fatalf("gpu request = %+v", g)
	}
	if !job.Cancellation.Data().Cancellable {
		t.Fatalf("cancellable flag lost")
	}
	if string(job.Metadata) != "{}" {
		t.Fatalf("metadata default = %s", job.Metadata)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{"unknown type", SubmitRequest{Type: "bake"}, "invalid_job_type"},
		{"payload array", SubmitRequest{Type: "train", Payload: json.RawMessage(`[1,2]`)}, "invalid_payload"},
		{"metadata garbage", SubmitRequest{Type: "train", Metadata: json.RawMessage(`{nope`)}, "invalid_metadata"},
		{"policy", SubmitRequest{Type: "train", DuplicatePolicy: "MERGE"}, "invalid_duplicate_policy"},
		{"cost amount", SubmitRequest{Type: "train", CostRequests: []jobs.CostRequest{{Unit: "images"}}}, "invalid_cost_requests"},
	}
	for _, tc := range cases {
		_, err := f.svc.Submit(asCaller("user-1"), tc.req)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if apierr.KindOf(err) != apierr.KindInvalidArgument || apierr.CodeOf(err) != tc.code {
			t.Fatalf("%s: got %s/%s", tc.name, apierr.KindOf(err), apierr.CodeOf(err))
		}
	}

	_, err := f.svc.Submit(dbctx.Context{Ctx: context.Background()}, SubmitRequest{Type: "train"})
	wantKind(t, err, apierr.KindInvalidArgument, "missing_caller")
}

func TestSubmitDuplicatePolicies(t *testing.T) {
	f := newFixture(t)
	dbc := asCaller("user-1")

	first, err := f.svc.Submit(dbc, SubmitRequest{Type: "train", Name: "a", Key: "dup"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "dup"})
	wantKind(t, err, apierr.KindFailedPrecondition, "duplicate_job")

	omit, err := f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "dup", DuplicatePolicy: "OMIT"})
	if err != nil {
		t.Fatalf("omit: %v", err)
	}
	if omit.JobID != first.JobID || !omit.Existing {
		t.Fatalf("omit returned %+v, want existing %s", omit, first.JobID)
	}

	rep, err := f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "dup", Name: "b", Priority: 7, Payload: json.RawMessage(`{"x":1}`), DuplicatePolicy: "replace"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if rep.JobID != first.JobID {
		t.Fatalf("replace created a new job")
	}
	job := testutil.LoadJob(t, dbc.Ctx, f.db, first.JobID)
	if job.Name != "b" || job.Priority != 7 {
		t.Fatalf("replace not applied: %+v", job)
	}

	if _, err := f.sm.FindAndLockJobForScheduling(dbc.Ctx, "sched"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "dup", DuplicatePolicy: "REPLACE"})
	wantKind(t, err, apierr.KindFailedPrecondition, "job_not_replaceable")

	var live int64
	if err := f.db.Model(&jobs.Job{}).Where("live_key = ?", jobs.LiveKeyFor("ws-1", "dup")).Count(&live).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if live != 1 {
		t.Fatalf("live jobs with key = %d, want 1", live)
	}
}

func TestSubmitKeyIsReusableAfterTerminal(t *testing.T) {
	f := newFixture(t)
	dbc := asCaller("user-1")
	testutil.SeedJob(t, dbc.Ctx, f.db, "ws-1", func(j *jobs.Job) {
		j.DedupKey = "again"
		j.State = jobs.StateFinished
	})
	if _, err := f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "again"}); err != nil {
		t.Fatalf("submit after terminal: %v", err)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.ledger.Refuse(true)
	dbc := asCaller("user-1")

	_, err := f.svc.Submit(dbc, SubmitRequest{Type: "train", Key: "k", CostRequests: []jobs.CostRequest{{Unit: "images", Amount: 12}}})
	wantKind(t, err, apierr.KindFailedPrecondition, "insufficient_credits")

	var n int64
	if err := f.db.Model(&jobs.Job{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("refused submit stored %d jobs", n)
	}
}

func TestGetByIDScopesToWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := testutil.SeedJob(t, ctx, f.db, "ws-2")
	mine := testutil.SeedJob(t, ctx, f.db, "ws-1")

	if _, err := f.svc.GetByID(asCaller("user-1"), other.ID); apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("foreign job visible: %v", err)
	}
	if _, err := f.svc.GetByID(asCaller("user-1"), uuid.New()); apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("missing job: %v", err)
	}
	got, err := f.svc.GetByID(asCaller("user-1"), mine.ID)
	if err != nil || got.ID != mine.ID {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestFindAppliesACLAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := "p-1"
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		testutil.SeedJob(t, ctx, f.db, "ws-1", func(j *jobs.Job) { j.Author = "user-1"; j.CreationTime = at })
	}
	testutil.SeedJob(t, ctx, f.db, "ws-1", func(j *jobs.Job) { j.Author = "user-2"; j.ProjectID = &proj })
	testutil.SeedJob(t, ctx, f.db, "ws-1", func(j *jobs.Job) { j.Author = "user-2" })

	res, err := f.svc.Find(asCaller("user-1"), FindRequest{Limit: 2})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.TotalCount != 3 || len(res.Jobs) != 2 || res.NextPage == nil || *res.NextPage != 2 {
		t.Fatalf("page 1: total=%d len=%d next=%v", res.TotalCount, len(res.Jobs), res.NextPage)
	}
	res, err = f.svc.Find(asCaller("user-1"), FindRequest{Limit: 2, Skip: 2})
	if err != nil {
		t.Fatalf("find page 2: %v", err)
	}
	if len(res.Jobs) != 1 || res.NextPage != nil {
		t.Fatalf("page 2: len=%d next=%v", len(res.Jobs), res.NextPage)
	}

	n, err := f.svc.GetCount(asCaller("user-1", proj), FindRequest{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("count with project access = %d, want 4", n)
	}

	_, err = f.svc.Find(asCaller("user-1"), FindRequest{SortField: "payload"})
	wantKind(t, err, apierr.KindInvalidArgument, "invalid_sort_field")
	_, err = f.svc.GetCount(asCaller("user-1"), FindRequest{StateGroups: []string{"DONE"}})
	wantKind(t, err, apierr.KindInvalidArgument, "invalid_state_group")
}

func TestCancelRunningJobStopsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := testutil.SeedJob(t, ctx, f.db, "ws-1")
	if ok, err := f.sm.SetScheduledState(ctx, job.ID, jobs.Execution{Name: "job-x-main-0"}); err != nil || !ok {
		t.Fatalf("schedule: %v %v", ok, err)
	}

	if err := f.svc.Cancel(asCaller("user-1"), job.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	row := testutil.LoadJob(t, ctx, f.db, job.ID)
	ci := row.Cancellation.Data()
	if row.State != jobs.StateScheduled || !ci.IsCancelled || ci.UserUID != "user-1" {
		t.Fatalf("after cancel: state=%s ci=%+v", row.State, ci)
	}
	if got := f.engine.Cancelled(); len(got) != 1 || got[0] != "job-x-main-0" {
		t.Fatalf("engine cancels = %v", got)
	}
}

func TestCancelNotCancellable(t *testing.T) {
	f := newFixture(t)
	job := testutil.SeedJob(t, context.Background(), f.db, "ws-1", func(j *jobs.Job) { j.State = jobs.StateFinished })
	err := f.svc.Cancel(asCaller("user-1"), job.ID, "user-1")
	wantKind(t, err, apierr.KindFailedPrecondition, "job_not_cancellable")
}

// A job with reserved credits cancelled before anything is consumed ends with
// its lease cancelled and cost reported.
func TestCancelBeforeConsumptionCancelsLease(t *testing.T) {
	f := newFixture(t)
	dbc := asCaller("user-1")

	res, err := f.svc.Submit(dbc, SubmitRequest{
		Type:         "train",
		Key:          "j2",
		Cancellable:  true,
		CostRequests: []jobs.CostRequest{{Unit: "images", Amount: 12}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.svc.Cancel(dbc, res.JobID, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job := testutil.LoadJob(t, dbc.Ctx, f.db, res.JobID)
	if job.State != jobs.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", job.State)
	}

	var ev jobs.LifecycleEvent
	for _, row := range testutil.Outbox(t, dbc.Ctx, f.db, res.JobID) {
		if row.Kind == jobs.EventJobCancelled {
			if err := json.Unmarshal(row.Data, &ev); err != nil {
				t.Fatalf("decode lifecycle: %v", err)
			}
		}
	}
	if ev.JobID != res.JobID {
		t.Fatalf("no job_cancelled event queued")
	}

	fin := cost.NewFinalizer(f.sm, f.outbox, f.ledger, testutil.Logger(t), nil)
	for i, want := range []string{cost.ActionLeaseCancel, cost.ActionDuplicate} {
		action, err := fin.HandleLifecycle(dbc.Ctx, ev)
		if err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
		if action != want {
			t.Fatalf("finalize %d: action=%s, want %s", i, action, want)
		}
	}
	if got := f.ledger.Cancelled(); len(got) != 1 || got[0] != "lease-1" {
		t.Fatalf("cancelled leases = %v", got)
	}
	if !testutil.LoadJob(t, dbc.Ctx, f.db, res.JobID).CostReported {
		t.Fatalf("cost not reported")
	}
}

func TestCancelProjectJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proj := "p-9"
	queued := testutil.SeedJob(t, ctx, f.db, "ws-1", func(j *jobs.Job) { j.ProjectID = &proj })
	done := testutil.SeedJob(t, ctx, f.db, "ws-1", func(j *jobs.Job) { j.ProjectID = &proj; j.State = jobs.StateFinished })
	testutil.SeedJob(t, ctx, f.db, "ws-1")

	n, err := f.svc.CancelProjectJobs(ctx, proj)
	if err != nil {
		t.Fatalf("cancel project: %v", err)
	}
	if n != 2 {
		t.Fatalf("affected = %d, want 2", n)
	}
	if row := testutil.LoadJob(t, ctx, f.db, queued.ID); row.State != jobs.StateCancelled || !row.Cancellation.Data().DeleteJob {
		t.Fatalf("queued job: state=%s ci=%+v", row.State, row.Cancellation.Data())
	}
	if row := testutil.LoadJob(t, ctx, f.db, done.ID); row.State != jobs.StateFinished || !row.Cancellation.Data().DeleteJob {
		t.Fatalf("finished job: state=%s ci=%+v", row.State, row.Cancellation.Data())
	}

	n, err = f.svc.CancelProjectJobs(ctx, proj)
	if err != nil || n != 0 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
}
