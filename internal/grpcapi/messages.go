package grpcapi

import (
	"encoding/json"
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

type SubmitRequest struct {
	Type            string             `json:"type"`
	Priority        int                `json:"priority"`
	Name            string             `json:"name"`
	Key             string             `json:"key"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
	Metadata        json.RawMessage    `json:"metadata,omitempty"`
	Author          string             `json:"author"`
	DuplicatePolicy string             `json:"duplicate_policy"`
	ProjectID       *string            `json:"project_id,omitempty"`
	GPUNumRequired  int                `json:"gpu_num_required"`
	CostRequests    []jobs.CostRequest `json:"cost_requests,omitempty"`
	Cancellable     bool               `json:"cancellable"`
}

type SubmitResponse struct {
	JobID string `json:"job_id"`
}

type GetByIDRequest struct {
	ID string `json:"id"`
}

type CancelRequest struct {
	ID      string `json:"id"`
	UserUID string `json:"user_uid"`
}

type Empty struct{}

// Filters is shared by Find and GetCount.
type Filters struct {
	Types         []string   `json:"types,omitempty"`
	StateGroups   []string   `json:"state_groups,omitempty"`
	ProjectID     *string    `json:"project_id,omitempty"`
	Author        string     `json:"author,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}

type FindRequest struct {
	Filters
	Limit     int    `json:"limit"`
	Skip      int    `json:"skip"`
	SortField string `json:"sort_field,omitempty"`
	SortDesc  bool   `json:"sort_desc"`
}

type FindResponse struct {
	Jobs       []*jobs.Job `json:"jobs"`
	TotalCount int64       `json:"total_count"`
	NextPage   *int        `json:"next_page,omitempty"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}
