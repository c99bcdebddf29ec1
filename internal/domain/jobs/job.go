package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job is the unit of asynchronous work owned by this service. Lifecycle
// columns (state, step_details, executions, cancellation_info, cost) are only
// ever written through the state machine.
type Job struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;not null;index" json:"organization_id"`
	WorkspaceID    string    `gorm:"column:workspace_id;not null;index" json:"workspace_id"`
	ProjectID      *string   `gorm:"column:project_id;index" json:"project_id,omitempty"`
	Type           JobType   `gorm:"column:type;not null;index" json:"type"`
	Name           string    `gorm:"column:name" json:"name"`
	Author         string    `gorm:"column:author;not null;index" json:"author"`
	Priority       int       `gorm:"column:priority;not null;default:0" json:"priority"`

	DedupKey string `gorm:"column:dedup_key;not null" json:"key"`
	// LiveKey is workspace/dedup_key while the job is non-terminal and NULL after.
	LiveKey *string `gorm:"column:live_key;uniqueIndex" json:"-"`

	State      State      `gorm:"column:state;not null;index" json:"state"`
	StateGroup StateGroup `gorm:"column:state_group;not null;index" json:"state_group"`

	GPURequest   datatypes.JSONType[GPURequest]       `gorm:"column:gpu_request" json:"gpu_request"`
	StepDetails  datatypes.JSONType[[]StepDetail]     `gorm:"column:step_details" json:"step_details"`
	Executions   datatypes.JSONType[Executions]       `gorm:"column:executions" json:"executions"`
	Cancellation datatypes.JSONType[CancellationInfo] `gorm:"column:cancellation_info" json:"cancellation_info"`
	Cost         datatypes.JSONType[*Cost]            `gorm:"column:cost" json:"cost,omitempty"`
	CostReported bool                                 `gorm:"column:cost_reported;not null;default:false" json:"cost_reported"`

	Payload  datatypes.JSON              `gorm:"column:payload" json:"payload"`
	Metadata datatypes.JSON              `gorm:"column:metadata" json:"metadata"`
	Session  datatypes.JSONType[Session] `gorm:"column:session" json:"session"`

	LockedBy    string     `gorm:"column:locked_by" json:"-"`
	LockedUntil *time.Time `gorm:"column:locked_until;index" json:"-"`

	CreationTime time.Time `gorm:"column:creation_time;not null;index" json:"creation_time"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;index" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

type GPURequest struct {
	Amount int      `json:"amount"`
	State  GPUState `json:"state,omitempty"`
}

// BranchOutcome records which case a conditional node took.
type BranchOutcome struct {
	Node  string `json:"node"`
	Taken string `json:"taken"`
}

type StepDetail struct {
	TaskID    string          `json:"task_id"`
	StepName  string          `json:"step_name,omitempty"`
	State     StepState       `json:"state"`
	Progress  float64         `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	Branches  []BranchOutcome `json:"branches,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
}

type Execution struct {
	Name       string     `json:"name,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	StartTime  *time.Time `json:"start_time,omitempty"`
}

type Executions struct {
	Main   Execution  `json:"main"`
	Revert *Execution `json:"revert,omitempty"`
}

type CancellationInfo struct {
	Cancellable bool       `json:"cancellable"`
	IsCancelled bool       `json:"is_cancelled"`
	UserUID     string     `json:"user_uid,omitempty"`
	CancelTime  *time.Time `json:"cancel_time,omitempty"`
	RequestTime *time.Time `json:"request_time,omitempty"`
	DeleteJob   bool       `json:"delete_job"`
}

type CostRequest struct {
	Unit   string  `json:"unit"`
	Amount float64 `json:"amount"`
}

type CostConsumed struct {
	Amount        float64   `json:"amount"`
	Unit          string    `json:"unit"`
	ConsumingDate time.Time `json:"consuming_date"`
	ServiceName   string    `json:"service_name"`
}

type Cost struct {
	Requests []CostRequest  `json:"requests"`
	LeaseID  string         `json:"lease_id,omitempty"`
	Consumed []CostConsumed `json:"consumed"`
}

// Session is the tenancy context propagated with every operation on a job.
type Session struct {
	OrganizationID string `json:"organization_id"`
	WorkspaceID    string `json:"workspace_id"`
	Source         string `json:"source,omitempty"`
}

func (j *Job) Step(taskID string) (StepDetail, bool) {
	for _, s := range j.StepDetails.Data() {
		if s.TaskID == taskID {
			return s, true
		}
	}
	return StepDetail{}, false
}

// LiveKeyFor scopes a dedup key to its workspace.
func LiveKeyFor(workspaceID, dedupKey string) string {
	return workspaceID + "/" + dedupKey
}
