package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/clients/credits"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	types "github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/statemachine"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/apierr"
	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type SubmitRequest struct {
	Type            string
	Priority        int
	Name            string
	Key             string
	Payload         json.RawMessage
	Metadata        json.RawMessage
	Author          string
	DuplicatePolicy string
	ProjectID       *string
	GPUNumRequired  int
	CostRequests    []types.CostRequest
	Cancellable     bool
}

// SubmitResult carries the id of the live job. Existing is set when the
// duplicate policy resolved to a job that was already there.
type SubmitResult struct {
	JobID    uuid.UUID
	Existing bool
}

type FindRequest struct {
	Types         []string
	StateGroups   []string
	ProjectID     *string
	Author        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Limit     int
	Skip      int
	SortField string
	SortDesc  bool
}

type FindResult struct {
	Jobs       []*types.Job
	TotalCount int64
	NextPage   *int
}

type JobService interface {
	Submit(dbc dbctx.Context, req SubmitRequest) (*SubmitResult, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	Find(dbc dbctx.Context, req FindRequest) (*FindResult, error)
	GetCount(dbc dbctx.Context, req FindRequest) (int64, error)
	Cancel(dbc dbctx.Context, id uuid.UUID, userUID string) error
	// CancelProjectJobs cancels every job of a deleted project and flags it for deletion.
	CancelProjectJobs(ctx context.Context, projectID string) (int, error)
}

type jobService struct {
	log       *logger.Logger
	repo      jobrepo.JobRepo
	sm        *statemachine.Machine
	templates *templates.Registry
	ledger    credits.Ledger
	gw        *gateway.Gateway
	metrics   *observability.Metrics
}

// NewJobService wires the job API. ledger and gw may be nil: without a ledger,
// submissions with cost requests are refused; without a gateway, cancel only
// records the flag.
func NewJobService(
	baseLog *logger.Logger,
	repo jobrepo.JobRepo,
	sm *statemachine.Machine,
	registry *templates.Registry,
	ledger credits.Ledger,
	gw *gateway.Gateway,
	metrics *observability.Metrics,
) JobService {
	return &jobService{
		log:       baseLog.With("service", "JobService"),
		repo:      repo,
		sm:        sm,
		templates: registry,
		ledger:    ledger,
		gw:        gw,
		metrics:   metrics,
	}
}

func callerOf(ctx context.Context) (*ctxutil.Caller, error) {
	c := ctxutil.GetCaller(ctx)
	if c == nil || strings.TrimSpace(c.WorkspaceID) == "" {
		return nil, apierr.InvalidArgument("missing_caller", "request carries no workspace")
	}
	return c, nil
}

// jsonObject normalizes an optional JSON document and requires it to be an object.
func jsonObject(field string, raw json.RawMessage) (datatypes.JSON, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return datatypes.JSON([]byte("{}")), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj == nil {
		return nil, apierr.InvalidArgument("invalid_"+field, "%s must be a JSON object", field)
	}
	return datatypes.JSON(trimmed), nil
}

func (s *jobService) Submit(dbc dbctx.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx := dbctx.Of(dbc.Ctx).Ctx
	caller, err := callerOf(ctx)
	if err != nil {
		return nil, err
	}
	jobType := types.JobType(strings.TrimSpace(req.Type))
	if _, ok := s.templates.Resolve(jobType); !ok {
		return nil, apierr.InvalidArgument("invalid_job_type", "unknown job type %q", req.Type)
	}
	policy, ok := types.ParseDuplicatePolicy(req.DuplicatePolicy)
	if !ok {
		return nil, apierr.InvalidArgument("invalid_duplicate_policy", "unknown duplicate policy %q", req.DuplicatePolicy)
	}
	payload, err := jsonObject("payload", req.Payload)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonObject("metadata", req.Metadata)
	if err != nil {
		return nil, err
	}
	if req.GPUNumRequired < 0 {
		return nil, apierr.InvalidArgument("invalid_gpu_num_required", "gpu_num_required must not be negative")
	}
	for _, cr := range req.CostRequests {
		if strings.TrimSpace(cr.Unit) == "" || cr.Amount <= 0 {
			return nil, apierr.InvalidArgument("invalid_cost_requests", "cost requests need a unit and a positive amount")
		}
	}

	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = caller.UserUID
	}
	if author == "" {
		return nil, apierr.InvalidArgument("missing_author", "author is required")
	}

	id := uuid.New()
	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = id.String()
	}
	liveKey := types.LiveKeyFor(caller.WorkspaceID, key)

	existing, err := s.repo.GetByLiveKey(dbc, liveKey)
	if err != nil {
		return nil, apierr.Internal("lookup live job", err)
	}
	if existing != nil {
		return s.resolveDuplicate(ctx, existing, policy, req, payload, metadata)
	}

	session := types.Session{OrganizationID: caller.OrganizationID, WorkspaceID: caller.WorkspaceID, Source: caller.Source}
	job := &types.Job{
		ID:             id,
		OrganizationID: caller.OrganizationID,
		WorkspaceID:    caller.WorkspaceID,
		ProjectID:      req.ProjectID,
		Type:           jobType,
		Name:           req.Name,
		Author:         author,
		Priority:       req.Priority,
		DedupKey:       key,
		LiveKey:        &liveKey,
		State:          types.StateSubmitted,
		StepDetails:    datatypes.NewJSONType([]types.StepDetail{}),
		Cancellation:   datatypes.NewJSONType(types.CancellationInfo{Cancellable: req.Cancellable}),
		Payload:        payload,
		Metadata:       metadata,
		Session:        datatypes.NewJSONType(session),
	}
	gpu := types.GPURequest{Amount: req.GPUNumRequired}
	if gpu.Amount > 0 {
		gpu.State = types.GPURequested
	}
	job.GPURequest = datatypes.NewJSONType(gpu)

	if len(req.CostRequests) > 0 {
		leaseID, err := s.acquireLease(ctx, id, session, req.CostRequests)
		if err != nil {
			s.metrics.RecordSubmitted(ctx, string(jobType), "refused")
			return nil, err
		}
		job.Cost = datatypes.NewJSONType(&types.Cost{Requests: req.CostRequests, LeaseID: leaseID, Consumed: []types.CostConsumed{}})
	}

	if err := s.repo.Create(dbc, job); err != nil {
		if lease := job.Cost.Data(); lease != nil {
			s.releaseLease(ctx, id, lease.LeaseID)
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race for the live key to a concurrent submit.
			winner, lookupErr := s.repo.GetByLiveKey(dbc, liveKey)
			if lookupErr == nil && winner != nil {
				return s.resolveDuplicate(ctx, winner, policy, req, payload, metadata)
			}
			return nil, apierr.FailedPrecondition("duplicate_job", types.ErrDuplicateJob)
		}
		return nil, apierr.Internal("create job", err)
	}
	s.metrics.RecordSubmitted(ctx, string(jobType), "created")
	s.log.Info("job submitted", "job_id", job.ID, "type", jobType, "workspace_id", caller.WorkspaceID, "author", author)
	return &SubmitResult{JobID: job.ID}, nil
}

func (s *jobService) resolveDuplicate(ctx context.Context, existing *types.Job, policy types.DuplicatePolicy, req SubmitRequest, payload, metadata datatypes.JSON) (*SubmitResult, error) {
	jobType := string(existing.Type)
	switch policy {
	case types.DuplicateOmit:
		s.metrics.RecordSubmitted(ctx, jobType, "omitted")
		return &SubmitResult{JobID: existing.ID, Existing: true}, nil
	case types.DuplicateReplace:
		applied, err := s.sm.ReplaceSubmitted(ctx, existing.ID, statemachine.Replacement{
			Name:     req.Name,
			Priority: req.Priority,
			Payload:  json.RawMessage(payload),
			Metadata: json.RawMessage(metadata),
		})
		if err != nil {
			return nil, apierr.Internal("replace job", err)
		}
		if !applied {
			return nil, apierr.FailedPrecondition("job_not_replaceable", types.ErrNotReplaceable)
		}
		s.metrics.RecordSubmitted(ctx, jobType, "replaced")
		s.log.Info("job replaced", "job_id", existing.ID)
		return &SubmitResult{JobID: existing.ID, Existing: true}, nil
	default:
		s.metrics.RecordSubmitted(ctx, jobType, "duplicate")
		return nil, apierr.FailedPrecondition("duplicate_job", fmt.Errorf("%w: %s", types.ErrDuplicateJob, existing.ID))
	}
}

func (s *jobService) acquireLease(ctx context.Context, id uuid.UUID, session types.Session, requests []types.CostRequest) (string, error) {
	if s.ledger == nil {
		return "", apierr.Internal("acquire lease", errors.New("credits ledger not configured"))
	}
	leaseID, err := s.ledger.AcquireLease(ctx, id, session, requests)
	if errors.Is(err, types.ErrInsufficientCredits) {
		return "", apierr.FailedPrecondition("insufficient_credits", types.ErrInsufficientCredits)
	}
	if err != nil {
		return "", apierr.Internal("acquire lease", err)
	}
	return leaseID, nil
}

func (s *jobService) releaseLease(ctx context.Context, jobID uuid.UUID, leaseID string) {
	if leaseID == "" || s.ledger == nil {
		return
	}
	if err := s.ledger.CancelLease(ctx, leaseID); err != nil {
		s.log.Warn("orphan lease cancel failed", "job_id", jobID, "lease_id", leaseID, "error", err)
	}
}

func (s *jobService) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	caller, err := callerOf(dbctx.Of(dbc.Ctx).Ctx)
	if err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, apierr.InvalidArgument("invalid_job_id", "job id is required")
	}
	job, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, apierr.Internal("get job", err)
	}
	if job == nil || job.WorkspaceID != caller.WorkspaceID {
		return nil, apierr.NotFound("job", id.String())
	}
	return job, nil
}

func (s *jobService) filter(caller *ctxutil.Caller, req FindRequest) (jobrepo.Filter, error) {
	f := jobrepo.Filter{
		WorkspaceID:   caller.WorkspaceID,
		ProjectID:     req.ProjectID,
		Author:        strings.TrimSpace(req.Author),
		CreatedAfter:  req.CreatedAfter,
		CreatedBefore: req.CreatedBefore,
		AllJobs:       caller.AllJobs,
		ProjectIDs:    caller.ProjectIDs,
		CallerUID:     caller.UserUID,
	}
	for _, raw := range req.Types {
		t := types.JobType(strings.TrimSpace(raw))
		if _, ok := s.templates.Resolve(t); !ok {
			return f, apierr.InvalidArgument("invalid_job_type", "unknown job type %q", raw)
		}
		f.Types = append(f.Types, t)
	}
	for _, raw := range req.StateGroups {
		g, ok := types.ParseStateGroup(raw)
		if !ok {
			return f, apierr.InvalidArgument("invalid_state_group", "unknown state group %q", raw)
		}
		f.StateGroups = append(f.StateGroups, g)
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && !f.CreatedAfter.Before(*f.CreatedBefore) {
		return f, apierr.InvalidArgument("invalid_time_range", "created_after must be before created_before")
	}
	return f, nil
}

func (s *jobService) Find(dbc dbctx.Context, req FindRequest) (*FindResult, error) {
	caller, err := callerOf(dbctx.Of(dbc.Ctx).Ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.filter(caller, req)
	if err != nil {
		return nil, err
	}
	sortField := strings.TrimSpace(req.SortField)
	if sortField == "" {
		sortField = "creation_time"
	}
	if !jobrepo.SortFieldAllowed(sortField) {
		return nil, apierr.InvalidArgument("invalid_sort_field", "cannot sort by %q", req.SortField)
	}
	if req.Limit < 0 || req.Skip < 0 {
		return nil, apierr.InvalidArgument("invalid_pagination", "limit and skip must not be negative")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	total, err := s.repo.Count(dbc, f)
	if err != nil {
		return nil, apierr.Internal("count jobs", err)
	}
	rows, err := s.repo.Find(dbc, f, jobrepo.Page{Limit: limit, Skip: req.Skip, SortField: sortField, Desc: req.SortDesc})
	if err != nil {
		return nil, apierr.Internal("find jobs", err)
	}
	out := &FindResult{Jobs: rows, TotalCount: total}
	if next := req.Skip + len(rows); int64(next) < total {
		out.NextPage = &next
	}
	return out, nil
}

func (s *jobService) GetCount(dbc dbctx.Context, req FindRequest) (int64, error) {
	caller, err := callerOf(dbctx.Of(dbc.Ctx).Ctx)
	if err != nil {
		return 0, err
	}
	f, err := s.filter(caller, req)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.Count(dbc, f)
	if err != nil {
		return 0, apierr.Internal("count jobs", err)
	}
	return n, nil
}

func (s *jobService) Cancel(dbc dbctx.Context, id uuid.UUID, userUID string) error {
	ctx := dbctx.Of(dbc.Ctx).Ctx
	job, err := s.GetByID(dbc, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(userUID) == "" {
		if c := ctxutil.GetCaller(ctx); c != nil {
			userUID = c.UserUID
		}
	}
	after, cancelledNow, err := s.sm.RequestCancellation(ctx, job.ID, userUID)
	if errors.Is(err, types.ErrNotCancellable) {
		return apierr.FailedPrecondition("job_not_cancellable", err)
	}
	if err != nil {
		return apierr.Internal("cancel job", err)
	}
	s.log.Info("job cancel requested", "job_id", job.ID, "user_uid", userUID, "cancelled_now", cancelledNow)
	if !cancelledNow {
		s.stopExecution(ctx, after)
	}
	return nil
}

// stopExecution asks the engine to abort the main execution of a job that is
// already running. The abort event then drives the revert path.
func (s *jobService) stopExecution(ctx context.Context, job *types.Job) {
	if s.gw == nil || job == nil {
		return
	}
	if job.State != types.StateScheduled && job.State != types.StateRunning {
		return
	}
	_ = s.gw.Cancel(ctx, job.Executions.Data().Main.Name)
}

func (s *jobService) CancelProjectJobs(ctx context.Context, projectID string) (int, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return 0, nil
	}
	ids, err := s.sm.FindJobsIDsByProjectID(ctx, projectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		after, cancelledNow, err := s.sm.MarkCancelledAndDeleted(ctx, id)
		if err != nil {
			return n, err
		}
		if after == nil {
			continue
		}
		n++
		if !cancelledNow {
			s.stopExecution(ctx, after)
		}
	}
	s.log.Info("project jobs cancelled", "project_id", projectID, "jobs", n)
	return n, nil
}
