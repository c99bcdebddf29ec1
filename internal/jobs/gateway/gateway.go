package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/templates"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Handle identifies a running or finished execution in the engine.
type Handle struct {
	Name      string
	RunID     string
	StartTime *time.Time
}

type StartRequest struct {
	Name      string
	Workflow  templates.Workflow
	Type      jobs.ExecutionType
	JobID     string
	Payload   json.RawMessage
	Session   jobs.Session
	Telemetry map[string]string
}

// Engine is the workflow engine boundary.
type Engine interface {
	// Fetch returns nil, nil when no execution has that name.
	Fetch(ctx context.Context, name string) (*Handle, error)
	Start(ctx context.Context, req StartRequest) (*Handle, error)
	Cancel(ctx context.Context, name string) error
}

type Outcome string

const (
	Started  Outcome = "started"
	Reused   Outcome = "reused"
	Rejected Outcome = "rejected"
)

// Result is the tagged outcome of StartExecution. Err is set only when
// Outcome is Rejected.
type Result struct {
	Outcome   Outcome
	Execution jobs.Execution
	Err       error
}

type Gateway struct {
	engine  Engine
	log     *logger.Logger
	metrics *observability.Metrics
}

func New(engine Engine, baseLog *logger.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{engine: engine, log: baseLog.With("component", "ExecutionGateway"), metrics: metrics}
}

// StartExecution returns the execution called name, starting it only when the
// engine does not know it yet. attempt is recorded as the execution's retry count.
func (g *Gateway) StartExecution(ctx context.Context, job *jobs.Job, wf templates.Workflow, typ jobs.ExecutionType, name string, attempt int, payload json.RawMessage) Result {
	ctx, span := observability.Tracer().Start(ctx, "gateway.start_execution")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("execution.name", name),
		attribute.String("execution.type", string(typ)),
	)

	res := g.start(ctx, job, wf, typ, name, attempt, payload)
	span.SetAttributes(attribute.String("execution.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "execution start rejected")
	}
	g.metrics.RecordExecutionStart(ctx, string(typ), string(res.Outcome))
	return res
}

func (g *Gateway) start(ctx context.Context, job *jobs.Job, wf templates.Workflow, typ jobs.ExecutionType, name string, attempt int, payload json.RawMessage) Result {
	existing, err := g.engine.Fetch(ctx, name)
	if err != nil {
		g.log.Warn("execution fetch failed", "job_id", job.ID, "execution", name, "error", err)
		return Result{Outcome: Rejected, Err: err}
	}
	if existing != nil {
		g.log.Info("reusing existing execution", "job_id", job.ID, "execution", name)
		return Result{Outcome: Reused, Execution: toExecution(existing, attempt)}
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	h, err := g.engine.Start(ctx, StartRequest{
		Name:      name,
		Workflow:  wf,
		Type:      typ,
		JobID:     job.ID.String(),
		Payload:   payload,
		Session:   job.Session.Data(),
		Telemetry: carrier,
	})
	if err != nil {
		g.log.Warn("execution start rejected", "job_id", job.ID, "execution", name, "workflow", wf.Name, "error", err)
		return Result{Outcome: Rejected, Err: err}
	}
	if h == nil {
		return Result{Outcome: Rejected, Err: errors.New("engine returned no handle")}
	}
	g.log.Info("execution started", "job_id", job.ID, "execution", name, "run_id", h.RunID)
	return Result{Outcome: Started, Execution: toExecution(h, attempt)}
}

// Cancel asks the engine to stop an execution. Callers treat failure as
// advisory: the cancellation flag on the job stays authoritative.
func (g *Gateway) Cancel(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if err := g.engine.Cancel(ctx, name); err != nil {
		g.log.Warn("execution cancel failed", "execution", name, "error", err)
		return err
	}
	return nil
}

func toExecution(h *Handle, attempt int) jobs.Execution {
	return jobs.Execution{
		Name:       h.Name,
		RunID:      h.RunID,
		RetryCount: attempt,
		StartTime:  h.StartTime,
	}
}
