package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

// Topics consumed by this service. Published topics live next to the outbox
// model in the domain package.
const (
	TopicExecutionEvents = "jobs.execution-events"
	TopicStepUpdates     = "jobs.step-updates"
	TopicJobUpdates      = "jobs.job-updates"
	TopicProjectDeleted  = "projects.deleted"
)

type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindTask     Kind = "task"
	KindNode     Kind = "node"
)

// Phases reported by executions. Workflow events use the first group, task
// and node events may use any of them.
const (
	PhaseQueued    = "QUEUED"
	PhaseRunning   = "RUNNING"
	PhaseSucceeded = "SUCCEEDED"
	PhaseFailed    = "FAILED"
	PhaseAborted   = "ABORTED"
	PhaseTimedOut  = "TIMED_OUT"
)

// ExecutionEvent is a lifecycle report from a running workflow. The job is
// identified through ExecutionName.
type ExecutionEvent struct {
	Kind          Kind      `json:"kind"`
	ExecutionName string    `json:"execution_name"`
	Phase         string    `json:"phase"`
	NodeID        string    `json:"node_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	StepName      string    `json:"step_name,omitempty"`
	Progress      *float64  `json:"progress,omitempty"`
	Message       string    `json:"message,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// StepUpdate is a progress report for one step sent by the workload itself.
type StepUpdate struct {
	JobID     uuid.UUID      `json:"job_id"`
	TaskID    string         `json:"task_id"`
	StepName  string         `json:"step_name,omitempty"`
	State     jobs.StepState `json:"state"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
}

// JobUpdate carries auxiliary updates; either field may be absent.
type JobUpdate struct {
	JobID    uuid.UUID           `json:"job_id"`
	Metadata json.RawMessage     `json:"metadata,omitempty"`
	Consumed []jobs.CostConsumed `json:"consumed,omitempty"`
}

type ProjectDeleted struct {
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}
