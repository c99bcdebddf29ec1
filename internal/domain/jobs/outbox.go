package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

// OutboxEvent is a durable record of a message to publish. Rows are appended
// inside the same transaction that commits the state change they describe.
type OutboxEvent struct {
	ID     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Topic  string         `gorm:"column:topic;not null;index" json:"topic"`
	Key    string         `gorm:"column:key;not null" json:"key"`
	Kind   string         `gorm:"column:kind;not null;index" json:"kind"`
	Data   datatypes.JSON `gorm:"column:data" json:"data"`
	Status OutboxStatus   `gorm:"column:status;not null;index" json:"status"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
	SentAt    *time.Time `gorm:"column:sent_at" json:"sent_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "job_outbox" }

const (
	TopicLifecycle = "jobs.lifecycle"
	TopicMetering  = "credits.metering"
)

const (
	EventJobFinished  = "job_finished"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
	EventMetering     = "metering"
)

// LifecycleEvent is the payload published on TopicLifecycle.
type LifecycleEvent struct {
	Event       string    `json:"event"`
	JobID       uuid.UUID `json:"job_id"`
	JobType     JobType   `json:"job_type"`
	WorkspaceID string    `json:"workspace_id"`
	ProjectID   *string   `json:"project_id,omitempty"`
	Author      string    `json:"author"`
	State       State     `json:"state"`
	Time        time.Time `json:"time"`
}

// MeteringEvent is the payload published on TopicMetering, keyed by job id.
type MeteringEvent struct {
	JobID          uuid.UUID      `json:"job_id"`
	LeaseID        string         `json:"lease_id"`
	OrganizationID string         `json:"organization_id"`
	WorkspaceID    string         `json:"workspace_id"`
	ProjectID      *string        `json:"project_id,omitempty"`
	Consumed       []CostConsumed `json:"consumed"`
}
