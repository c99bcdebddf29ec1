package temporalx

import (
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
)

type Config struct {
	Address   string
	Namespace string
	// TaskQueue is served by this process's own worker (event reporting);
	// job workflows run on the queues named in the template registry.
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string

	DialTimeout time.Duration
	DialMaxWait time.Duration
	Backoff     time.Duration
	BackoffMax  time.Duration

	AutoRegisterNamespace bool
	NamespaceEnsureWait   time.Duration
	RetentionDays         int

	WorkflowRunTimeout time.Duration
	WorkerConcurrency  int
}

func LoadConfig() Config {
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", ""),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", "jobs"),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", "jobs-events"),

		ClientCertPath: envutil.String("TEMPORAL_CLIENT_CERT_PATH", ""),
		ClientKeyPath:  envutil.String("TEMPORAL_CLIENT_KEY_PATH", ""),
		ClientCAPath:   envutil.String("TEMPORAL_CLIENT_CA_PATH", ""),

		DialTimeout: envutil.Duration("TEMPORAL_DIAL_TIMEOUT", 5*time.Second),
		DialMaxWait: envutil.Duration("TEMPORAL_DIAL_MAX_WAIT", 60*time.Second),
		Backoff:     envutil.Duration("TEMPORAL_DIAL_BACKOFF", 250*time.Millisecond),
		BackoffMax:  envutil.Duration("TEMPORAL_DIAL_BACKOFF_MAX", 5*time.Second),

		AutoRegisterNamespace: envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false),
		NamespaceEnsureWait:   envutil.Duration("TEMPORAL_NAMESPACE_ENSURE_TIMEOUT", 10*time.Second),
		RetentionDays:         envutil.Int("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7),

		WorkflowRunTimeout: envutil.Duration("TEMPORAL_WORKFLOW_RUN_TIMEOUT", 0),
		WorkerConcurrency:  envutil.Int("TEMPORAL_WORKER_CONCURRENCY", 4),
	}
}

func (c Config) mTLS() bool {
	return c.ClientCertPath != "" || c.ClientKeyPath != "" || c.ClientCAPath != ""
}
