package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
)

type Config struct {
	LogMode     string
	ServiceName string
	Environment string
	Version     string

	Port     string
	GRPCPort string

	TemplatesPath string

	SchedulerOwner   string
	PollInterval     time.Duration
	CycleTimeout     time.Duration
	LockTTL          time.Duration
	RevertMaxRetries int

	OutboxInterval  time.Duration
	OutboxBatchSize int
	OutboxRetention time.Duration

	EnableAPI            bool
	EnableScheduler      bool
	EnableConsumers      bool
	EnableTemporalWorker bool
	MetricsEnabled       bool
	// AllowMemoryBackends lets a process without Redis, Temporal or a credits
	// service run on in-process stand-ins. Meant for local development.
	AllowMemoryBackends bool

	CallerTokenSecret string
	CORSOrigins       []string
}

func LoadConfig() Config {
	host, _ := os.Hostname()
	return Config{
		LogMode:     envutil.String("LOG_MODE", "development"),
		ServiceName: envutil.String("SERVICE_NAME", "jobs-orchestrator"),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),

		Port:     envutil.String("PORT", "8080"),
		GRPCPort: envutil.String("GRPC_PORT", "9090"),

		TemplatesPath: envutil.String("WORKFLOW_TEMPLATES_PATH", ""),

		SchedulerOwner:   envutil.String("SCHEDULER_OWNER", fmt.Sprintf("%s-%d", host, os.Getpid())),
		PollInterval:     envutil.Duration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
		CycleTimeout:     envutil.Duration("SCHEDULER_CYCLE_TIMEOUT", 30*time.Second),
		LockTTL:          envutil.Duration("SCHEDULER_LOCK_TTL", 5*time.Minute),
		RevertMaxRetries: envutil.Int("REVERT_MAX_RETRIES", 3),

		OutboxInterval:  envutil.Duration("OUTBOX_RELAY_INTERVAL", time.Second),
		OutboxBatchSize: envutil.Int("OUTBOX_BATCH_SIZE", 100),
		OutboxRetention: envutil.Duration("OUTBOX_RETENTION", 7*24*time.Hour),

		EnableAPI:            envutil.Bool("ENABLE_API", true),
		EnableScheduler:      envutil.Bool("ENABLE_SCHEDULER", true),
		EnableConsumers:      envutil.Bool("ENABLE_CONSUMERS", true),
		EnableTemporalWorker: envutil.Bool("TEMPORAL_WORKER_ENABLED", true),
		MetricsEnabled:       envutil.Bool("METRICS_ENABLED", true),
		AllowMemoryBackends:  envutil.Bool("ALLOW_MEMORY_BACKENDS", false),

		CallerTokenSecret: envutil.String("CALLER_TOKEN_SECRET", ""),
		CORSOrigins:       splitCSV(envutil.String("CORS_ALLOWED_ORIGINS", "")),
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
