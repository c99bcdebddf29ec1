package grpcapi

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/yungbote/jobs-orchestrator/internal/clients/credits"
	dbpkg "github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/data/repos/testutil"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/platform/identity"
	"github.com/yungbote/jobs-orchestrator/internal/services"
)

func newTestClient(t *testing.T) (*Client, *credits.MemoryLedger) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewJobRepo(db, log)
	sm := statemachine.New(repo, jobrepo.NewOutboxRepo(db, log), dbpkg.NewGormTxRunner(db), log)
	reg, err := templates.Load("")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	ledger := credits.NewMemoryLedger()
	svc := services.NewJobService(log, repo, sm, reg, ledger, nil, nil)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(log, svc, identity.NewResolver(""))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return NewClient(conn), ledger
}

func callerCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx,
		"x-user-uid", "user-1",
		"x-workspace-id", "ws-1",
		"x-organization-id", "org-1",
	)
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if status.Code(err) != code {
		t.Fatalf("code = %s (%v), want %s", status.Code(err), err, code)
	}
}

func TestSubmitGetFindCancel(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := callerCtx(t)

	res, err := client.Submit(ctx, &SubmitRequest{Type: "train", Name: "n", Key: "k", Payload: json.RawMessage(`{"a":1}`), Cancellable: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := client.GetById(ctx, &GetByIDRequest{ID: res.JobID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.ID.String() != res.JobID || job.State != jobs.StateSubmitted || job.Author != "user-1" {
		t.Fatalf("job = %+v", job)
	}

	found, err := client.Find(ctx, &FindRequest{Filters: Filters{Types: []string{"train"}}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.TotalCount != 1 || len(found.Jobs) != 1 || found.NextPage != nil {
		t.Fatalf("find = %+v", found)
	}

	if err := client.Cancel(ctx, &CancelRequest{ID: res.JobID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	count, err := client.GetCount(ctx, &Filters{StateGroups: []string{"CANCELLED"}})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count.Count != 1 {
		t.Fatalf("cancelled count = %d", count.Count)
	}
}

func TestErrorSurface(t *testing.T) {
	client, ledger := newTestClient(t)
	ctx := callerCtx(t)

	_, err := client.Submit(context.Background(), &SubmitRequest{Type: "train"})
	wantCode(t, err, codes.Unauthenticated)

	_, err = client.Submit(ctx, &SubmitRequest{Type: "train", Payload: json.RawMessage(`"text"`)})
	wantCode(t, err, codes.InvalidArgument)

	_, err = client.Find(ctx, &FindRequest{SortField: "payload"})
	wantCode(t, err, codes.InvalidArgument)

	if _, err := client.Submit(ctx, &SubmitRequest{Type: "train", Key: "same"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = client.Submit(ctx, &SubmitRequest{Type: "train", Key: "same", DuplicatePolicy: "REJECT"})
	wantCode(t, err, codes.FailedPrecondition)

	ledger.Refuse(true)
	_, err = client.Submit(ctx, &SubmitRequest{Type: "train", Key: "paid", CostRequests: []jobs.CostRequest{{Unit: "images", Amount: 12}}})
	wantCode(t, err, codes.FailedPrecondition)

	_, err = client.GetById(ctx, &GetByIDRequest{ID: uuid.NewString()})
	wantCode(t, err, codes.NotFound)

	_, err = client.GetById(ctx, &GetByIDRequest{ID: "nope"})
	wantCode(t, err, codes.InvalidArgument)
}
