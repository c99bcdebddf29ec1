package observability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

const instrumentationName = "github.com/yungbote/jobs-orchestrator"

type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	otelOnce     sync.Once
	otelShutdown = func(context.Context) error { return nil }
)

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InitOTel installs W3C propagators and, when OTEL_ENABLED is set, a batching
// tracer provider. OTEL_TRACES_EXPORTER picks "otlp" (default when an
// endpoint is configured) or "stdout". The returned func flushes and stops the
// provider; it is safe to call when tracing is off.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	otelOnce.Do(func() {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		if !envutil.Bool("OTEL_ENABLED", false) {
			return
		}

		exporter, kind, err := traceExporter(ctx)
		if err != nil {
			log.Warn("otel exporter init failed; tracing disabled", "error", err)
			return
		}

		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
			semconv.ServiceName(firstNonEmpty(cfg.ServiceName, "jobs-orchestrator")),
			semconv.ServiceVersion(cfg.Version),
			attribute.String("deployment.environment", cfg.Environment),
		))
		if err != nil {
			log.Warn("otel resource merge failed; using default resource", "error", err)
			res = resource.Default()
		}

		ratio := sampleRatio(envutil.String("OTEL_SAMPLER_RATIO", ""))
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		)
		otel.SetTracerProvider(tp)
		otelShutdown = tp.Shutdown
		log.Info("otel tracing initialized", "exporter", kind, "sample_ratio", ratio)
	})
	return otelShutdown
}

func traceExporter(ctx context.Context) (sdktrace.SpanExporter, string, error) {
	endpoint := envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	kind := strings.ToLower(envutil.String("OTEL_TRACES_EXPORTER", ""))
	if kind == "" {
		kind = "stdout"
		if endpoint != "" {
			kind = "otlp"
		}
	}
	switch kind {
	case "otlp":
		if endpoint == "" {
			return nil, kind, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required for the otlp exporter")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false) {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if headers := parseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "")); len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		return exp, kind, err
	case "stdout":
		exp, err := stdouttrace.New()
		return exp, kind, err
	default:
		return nil, kind, fmt.Errorf("unknown OTEL_TRACES_EXPORTER %q", kind)
	}
}

// sampleRatio parses raw into [0,1], defaulting to 0.1.
func sampleRatio(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	switch {
	case err != nil:
		return 0.1
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// parseHeaders reads the "k1=v1,k2=v2" form used by OTEL_EXPORTER_OTLP_HEADERS.
func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
