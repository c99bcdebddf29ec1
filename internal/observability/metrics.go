package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics carries the service's instruments. A nil *Metrics is valid and
// records nothing, so components can be built without a meter in tests.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	JobsSubmitted   metric.Int64Counter
	Transitions     metric.Int64Counter
	Claims          metric.Int64Counter
	ExecutionStarts metric.Int64Counter
	Events          metric.Int64Counter
	CostReports     metric.Int64Counter
	CycleDuration   metric.Float64Histogram
	OutboxRelayed   metric.Int64Counter
}

// NewMetrics builds the meter provider on a Prometheus exporter and returns the
// handler serving it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(promclient.NewGoCollector(), promclient.NewProcessCollector(promclient.ProcessCollectorOpts{}))

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobs")
	m := &Metrics{meter: meter, provider: provider}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Jobs accepted by submit, by type and duplicate outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.Transitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("State machine operations, by target and whether the guard let them apply"),
	); err != nil {
		return nil, nil, err
	}
	if m.Claims, err = meter.Int64Counter(
		"scheduler_claims_total",
		metric.WithDescription("Scheduler claim attempts, by loop and outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.ExecutionStarts, err = meter.Int64Counter(
		"execution_starts_total",
		metric.WithDescription("Execution start requests, by execution type and outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.Events, err = meter.Int64Counter(
		"ingested_events_total",
		metric.WithDescription("Bus messages handled, by topic and outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.CostReports, err = meter.Int64Counter(
		"cost_reports_total",
		metric.WithDescription("Cost finalizations, by action"),
	); err != nil {
		return nil, nil, err
	}
	if m.CycleDuration, err = meter.Float64Histogram(
		"scheduler_cycle_duration_seconds",
		metric.WithDescription("Duration of one scheduler cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, nil, err
	}
	if m.OutboxRelayed, err = meter.Int64Counter(
		"outbox_relayed_total",
		metric.WithDescription("Outbox rows published to the bus, by topic and outcome"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ObserveJobStates registers a gauge fed by count, which is called on every
// scrape with the number of jobs per state.
func (m *Metrics) ObserveJobStates(count func(ctx context.Context) (map[string]int64, error)) error {
	if m == nil || count == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge(
		"jobs_by_state",
		metric.WithDescription("Current number of jobs per state"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		byState, err := count(ctx)
		if err != nil {
			return err
		}
		for state, n := range byState {
			o.ObserveInt64(gauge, n, metric.WithAttributes(stateAttr(state)))
		}
		return nil
	}, gauge)
	return err
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordSubmitted(ctx context.Context, jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(typeAttr(jobType), outcomeAttr(outcome)))
}

func (m *Metrics) RecordTransition(ctx context.Context, to string, applied bool) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(stateAttr(to), appliedAttr(applied)))
}

func (m *Metrics) RecordClaim(ctx context.Context, loop, outcome string) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(loopAttr(loop), outcomeAttr(outcome)))
}

func (m *Metrics) RecordCycle(ctx context.Context, loop string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, durationSeconds, metric.WithAttributes(loopAttr(loop)))
}

func (m *Metrics) RecordExecutionStart(ctx context.Context, execType, outcome string) {
	if m == nil {
		return
	}
	m.ExecutionStarts.Add(ctx, 1, metric.WithAttributes(typeAttr(execType), outcomeAttr(outcome)))
}

func (m *Metrics) RecordEvent(ctx context.Context, topic, outcome string) {
	if m == nil {
		return
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(topicAttr(topic), outcomeAttr(outcome)))
}

func (m *Metrics) RecordCostReport(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.CostReports.Add(ctx, 1, metric.WithAttributes(actionAttr(action)))
}

func (m *Metrics) RecordOutboxRelay(ctx context.Context, topic string, ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "error"
	}
	m.OutboxRelayed.Add(ctx, 1, metric.WithAttributes(topicAttr(topic), outcomeAttr(outcome)))
}
