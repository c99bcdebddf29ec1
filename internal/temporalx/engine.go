package temporalx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/gateway"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// WorkflowInput is the single argument every job workflow receives.
type WorkflowInput struct {
	JobID         string             `json:"job_id"`
	ExecutionName string             `json:"execution_name"`
	ExecutionType jobs.ExecutionType `json:"execution_type"`
	Payload       json.RawMessage    `json:"payload"`
	Session       jobs.Session       `json:"session"`
	Telemetry     map[string]string  `json:"telemetry,omitempty"`
}

// Engine runs job executions as Temporal workflows whose workflow ID is the
// execution name.
type Engine struct {
	client     temporalsdkclient.Client
	log        *logger.Logger
	runTimeout time.Duration
}

func NewEngine(c temporalsdkclient.Client, cfg Config, baseLog *logger.Logger) *Engine {
	return &Engine{client: c, log: baseLog.With("component", "TemporalEngine"), runTimeout: cfg.WorkflowRunTimeout}
}

func (e *Engine) Fetch(ctx context.Context, name string) (*gateway.Handle, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, name, "")
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	info := resp.GetWorkflowExecutionInfo()
	h := &gateway.Handle{Name: name, RunID: info.GetExecution().GetRunId()}
	if ts := info.GetStartTime(); ts != nil {
		st := ts.AsTime().UTC()
		h.StartTime = &st
	}
	return h, nil
}

func (e *Engine) Start(ctx context.Context, req gateway.StartRequest) (*gateway.Handle, error) {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                                       req.Name,
		TaskQueue:                                req.Workflow.TaskQueue,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowRunTimeout:                       e.runTimeout,
		// Retries are attempts with their own names, driven by the scheduler.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
		Memo: map[string]interface{}{
			"job_id":         req.JobID,
			"execution_type": string(req.Type),
			"session":        req.Session,
			"telemetry":      req.Telemetry,
		},
	}
	input := WorkflowInput{
		JobID:         req.JobID,
		ExecutionName: req.Name,
		ExecutionType: req.Type,
		Payload:       req.Payload,
		Session:       req.Session,
		Telemetry:     req.Telemetry,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow.Name, input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			e.log.Info("workflow already started; reusing", "execution", req.Name)
			return e.Fetch(ctx, req.Name)
		}
		return nil, err
	}
	now := time.Now().UTC()
	return &gateway.Handle{Name: run.GetID(), RunID: run.GetRunID(), StartTime: &now}, nil
}

func (e *Engine) Cancel(ctx context.Context, name string) error {
	err := e.client.CancelWorkflow(ctx, name, "")
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return nil
	}
	return err
}
