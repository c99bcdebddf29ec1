package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/http/response"
	"github.com/yungbote/jobs-orchestrator/internal/platform/apierr"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type submitJobRequest struct {
	Type            string             `json:"type"`
	Priority        int                `json:"priority"`
	Name            string             `json:"name"`
	Key             string             `json:"key"`
	Payload         json.RawMessage    `json:"payload"`
	Metadata        json.RawMessage    `json:"metadata"`
	Author          string             `json:"author"`
	DuplicatePolicy string             `json:"duplicate_policy"`
	ProjectID       *string            `json:"project_id"`
	GPUNumRequired  int                `json:"gpu_num_required"`
	CostRequests    []jobs.CostRequest `json:"cost_requests"`
	Cancellable     *bool              `json:"cancellable"`
}

type cancelJobRequest struct {
	UserUID string `json:"user_uid"`
}

func dbcOf(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return id, true
}

// POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	cancellable := true
	if req.Cancellable != nil {
		cancellable = *req.Cancellable
	}
	res, err := h.jobs.Submit(dbcOf(c), services.SubmitRequest{
		Type:            req.Type,
		Priority:        req.Priority,
		Name:            req.Name,
		Key:             req.Key,
		Payload:         req.Payload,
		Metadata:        req.Metadata,
		Author:          req.Author,
		DuplicatePolicy: req.DuplicatePolicy,
		ProjectID:       req.ProjectID,
		GPUNumRequired:  req.GPUNumRequired,
		CostRequests:    req.CostRequests,
		Cancellable:     cancellable,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"job_id": res.JobID, "existing": res.Existing})
}

// GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(dbcOf(c), id)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/v1/jobs
func (h *JobHandler) FindJobs(c *gin.Context) {
	req, err := findRequestFromQuery(c)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	res, err := h.jobs.Find(dbcOf(c), req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	out := gin.H{"jobs": res.Jobs, "total_count": res.TotalCount}
	if res.NextPage != nil {
		out["next_page"] = *res.NextPage
	}
	response.RespondOK(c, out)
}

// GET /api/v1/jobs/count
func (h *JobHandler) CountJobs(c *gin.Context) {
	req, err := findRequestFromQuery(c)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	n, err := h.jobs.GetCount(dbcOf(c), req)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"count": n})
}

// POST /api/v1/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req cancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	if err := h.jobs.Cancel(dbcOf(c), id, req.UserUID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func findRequestFromQuery(c *gin.Context) (services.FindRequest, error) {
	req := services.FindRequest{
		Types:       splitQuery(c.QueryArray("type")),
		StateGroups: splitQuery(c.QueryArray("state_group")),
		Author:      c.Query("author"),
		SortField:   c.Query("sort"),
	}
	if p, ok := c.GetQuery("project_id"); ok {
		req.ProjectID = &p
	}
	switch strings.ToLower(c.DefaultQuery("order", "desc")) {
	case "asc":
	case "desc":
		req.SortDesc = true
	default:
		return req, apierr.InvalidArgument("invalid_order", "order must be asc or desc")
	}
	var err error
	if req.CreatedAfter, err = queryTime(c, "created_after"); err != nil {
		return req, err
	}
	if req.CreatedBefore, err = queryTime(c, "created_before"); err != nil {
		return req, err
	}
	if req.Limit, err = queryInt(c, "limit"); err != nil {
		return req, err
	}
	if req.Skip, err = queryInt(c, "skip"); err != nil {
		return req, err
	}
	return req, nil
}

// splitQuery accepts both repeated parameters and comma separated values.
func splitQuery(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid_"+name, "%s must be RFC3339", name)
	}
	return &t, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.InvalidArgument("invalid_"+name, "%s must be an integer", name)
	}
	return n, nil
}
