package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

// NewJob builds a SUBMITTED train job in workspace ws; opts may adjust it before insert.
func NewJob(ws string, opts ...func(*jobs.Job)) *jobs.Job {
	now := time.Now().UTC()
	id := uuid.New()
	key := "key-" + id.String()
	live := jobs.LiveKeyFor(ws, key)
	j := &jobs.Job{
		ID:             id,
		OrganizationID: "org-1",
		WorkspaceID:    ws,
		Type:           jobs.JobTypeTrain,
		Name:           "job",
		Author:         "user-1",
		DedupKey:       key,
		LiveKey:        &live,
		State:          jobs.StateSubmitted,
		StateGroup:     jobs.GroupSubmitted,
		StepDetails:    datatypes.NewJSONType([]jobs.StepDetail{}),
		Cancellation:   datatypes.NewJSONType(jobs.CancellationInfo{Cancellable: true}),
		Payload:        datatypes.JSON([]byte("{}")),
		Metadata:       datatypes.JSON([]byte("{}")),
		Session:        datatypes.NewJSONType(jobs.Session{OrganizationID: "org-1", WorkspaceID: ws}),
		CreationTime:   now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.State.Terminal() {
		j.LiveKey = nil
	}
	j.StateGroup = j.State.Group()
	return j
}

func SeedJob(tb testing.TB, ctx context.Context, db *gorm.DB, ws string, opts ...func(*jobs.Job)) *jobs.Job {
	tb.Helper()
	j := NewJob(ws, opts...)
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

func LoadJob(tb testing.TB, ctx context.Context, db *gorm.DB, id uuid.UUID) *jobs.Job {
	tb.Helper()
	var j jobs.Job
	if err := db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		tb.Fatalf("load job %s: %v", id, err)
	}
	return &j
}

func Outbox(tb testing.TB, ctx context.Context, db *gorm.DB, jobID uuid.UUID) []jobs.OutboxEvent {
	tb.Helper()
	var rows []jobs.OutboxEvent
	if err := db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&rows).Error; err != nil {
		tb.Fatalf("load outbox: %v", err)
	}
	return rows
}
