package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/data/repos/testutil"
	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
)

func newRelay(t *testing.T, cfg Config) (*Relay, jobrepo.OutboxRepo, *events.MemoryBus, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobrepo.NewOutboxRepo(db, log)
	bus := events.NewMemoryBus()
	return NewRelay(repo, dbpkg.NewGormTxRunner(db), bus, cfg, log, nil), repo, bus, db
}

func appendEvents(t *testing.T, repo jobrepo.OutboxRepo, jobID uuid.UUID, kinds ...string) {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	for _, k := range kinds {
		if _, err := repo.Append(dbc, jobID, jobs.TopicLifecycle, k, jobs.LifecycleEvent{Event: k, JobID: jobID}); err != nil {
			t.Fatalf("append: %v", err)
		}
		// created_at orders the batch
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRelayPublishesPendingRowsOnce(t *testing.T) {
	r, repo, bus, db := newRelay(t, Config{BatchSize: 10})
	jobID := uuid.New()
	appendEvents(t, repo, jobID, jobs.EventJobCancelled, jobs.EventJobFailed)

	n, err := r.RelayOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RelayOnce: n=%d err=%v", n, err)
	}
	if n, err := r.RelayOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("second RelayOnce: n=%d err=%v", n, err)
	}

	msgs := bus.Messages(jobs.TopicLifecycle)
	if len(msgs) != 2 || msgs[0].Key != jobID.String() {
		t.Fatalf("messages=%+v", msgs)
	}
	for _, row := range testutil.Outbox(t, context.Background(), db, jobID) {
		if row.Status != jobs.OutboxSent || row.SentAt == nil {
			t.Fatalf("row %s not marked sent: %+v", row.ID, row)
		}
	}
}

func TestRelayKeepsRowsWhenPublishFails(t *testing.T) {
	r, repo, bus, db := newRelay(t, Config{})
	jobID := uuid.New()
	appendEvents(t, repo, jobID, jobs.EventJobFinished)

	bus.FailPublishes(errors.New("bus down"))
	if n, err := r.RelayOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("RelayOnce: n=%d err=%v", n, err)
	}
	if rows := testutil.Outbox(t, context.Background(), db, jobID); rows[0].Status != jobs.OutboxPending {
		t.Fatalf("row status=%s, want pending", rows[0].Status)
	}

	bus.FailPublishes(nil)
	if worked, err := r.Cycle(context.Background()); err != nil || !worked {
		t.Fatalf("Cycle: worked=%v err=%v", worked, err)
	}
	if len(bus.Messages(jobs.TopicLifecycle)) != 1 {
		t.Fatalf("message not relayed after recovery")
	}
}

func TestRelayPurgesOldSentRows(t *testing.T) {
	r, repo, _, db := newRelay(t, Config{Retention: time.Millisecond, PurgeInterval: time.Millisecond})
	jobID := uuid.New()
	appendEvents(t, repo, jobID, jobs.EventJobFinished)

	if n, err := r.RelayOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("RelayOnce: n=%d err=%v", n, err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := r.RelayOnce(context.Background()); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	if rows := testutil.Outbox(t, context.Background(), db, jobID); len(rows) != 0 {
		t.Fatalf("rows=%d, want purged", len(rows))
	}
}
