package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/cost"
	"github.com/yungbote/jobs-orchestrator/internal/jobs/progress"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Consumer groups. Cost finalization reads the lifecycle stream in its own
// group so it sees every terminal event independently of other readers.
const (
	GroupProgress = "jobs-progress"
	GroupCost     = "jobs-cost"
	GroupProjects = "jobs-projects"
)

type ProjectCleaner interface {
	CancelProjectJobs(ctx context.Context, projectID string) (int, error)
}

type route struct {
	topic   string
	group   string
	handler events.Handler
}

// Router decodes bus messages per topic and dispatches them. Messages that
// cannot be decoded are acknowledged and logged; handler errors leave the
// message pending for redelivery.
type Router struct {
	sub     events.Subscriber
	routes  []route
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewRouter(sub events.Subscriber, ph *progress.Handler, fin *cost.Finalizer, projects ProjectCleaner, baseLog *logger.Logger, metrics *observability.Metrics) *Router {
	r := &Router{sub: sub, log: baseLog.With("component", "EventRouter"), metrics: metrics}
	if ph != nil {
		r.add(events.TopicExecutionEvents, GroupProgress, decoded(ph.HandleExecutionEvent))
		r.add(events.TopicStepUpdates, GroupProgress, decoded(ph.HandleStepUpdate))
		r.add(events.TopicJobUpdates, GroupProgress, decoded(ph.HandleJobUpdate))
	}
	if fin != nil {
		r.add(jobs.TopicLifecycle, GroupCost, decoded(func(ctx context.Context, ev jobs.LifecycleEvent) error {
			_, err := fin.HandleLifecycle(ctx, ev)
			return err
		}))
	}
	if projects != nil {
		r.add(events.TopicProjectDeleted, GroupProjects, decoded(func(ctx context.Context, ev events.ProjectDeleted) error {
			if ev.ProjectID == "" {
				return nil
			}
			n, err := projects.CancelProjectJobs(ctx, ev.ProjectID)
			if err == nil {
				r.log.Info("cancelled jobs of deleted project", "project_id", ev.ProjectID, "count", n)
			}
			return err
		}))
	}
	return r
}

// errUndecodable marks a message that will never decode; it is acknowledged.
type errUndecodable struct{ err error }

func (e errUndecodable) Error() string { return "undecodable message: " + e.err.Error() }

func decoded[T any](fn func(context.Context, T) error) events.Handler {
	return func(ctx context.Context, msg events.Message) error {
		var v T
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return errUndecodable{err: err}
		}
		return fn(ctx, v)
	}
}

func (r *Router) add(topic, group string, h events.Handler) {
	r.routes = append(r.routes, route{topic: topic, group: group, handler: r.wrap(topic, h)})
}

func (r *Router) wrap(topic string, h events.Handler) events.Handler {
	return func(ctx context.Context, msg events.Message) error {
		err := h(ctx, msg)
		var und errUndecodable
		switch {
		case err == nil:
			r.metrics.RecordEvent(ctx, topic, "ok")
			return nil
		case errors.As(err, &und):
			r.metrics.RecordEvent(ctx, topic, "undecodable")
			r.log.Warn("dropping undecodable message", "topic", topic, "id", msg.ID, "error", und.err)
			return nil
		default:
			r.metrics.RecordEvent(ctx, topic, "error")
			return fmt.Errorf("%s %s: %w", topic, msg.ID, err)
		}
	}
}

// Handler returns the dispatch function for topic, or nil.
func (r *Router) Handler(topic string) events.Handler {
	for _, rt := range r.routes {
		if rt.topic == topic {
			return rt.handler
		}
	}
	return nil
}

func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.topic)
	}
	return out
}

// Run consumes every routed topic until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rt := range r.routes {
		rt := rt
		g.Go(func() error {
			return r.sub.Consume(ctx, rt.topic, rt.group, rt.handler)
		})
	}
	return g.Wait()
}
