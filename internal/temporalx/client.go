package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// NewClient dials Temporal, retrying while the frontend is unreachable for at
// most cfg.DialMaxWait. It returns nil, nil when no address is configured.
func NewClient(ctx context.Context, cfg Config, log *logger.Logger) (temporalsdkclient.Client, error) {
	if cfg.Address == "" {
		return nil, nil
	}
	opts, err := clientOptions(cfg, log, true)
	if err != nil {
		return nil, err
	}

	var c temporalsdkclient.Client
	err = retry(ctx, cfg, cfg.DialMaxWait, func(attempt int) (bool, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		c, err = temporalsdkclient.DialContext(dialCtx, opts)
		if err != nil {
			log.Warn("temporal not reachable", "address", cfg.Address, "attempt", attempt, "error", err)
			return true, err
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial %s/%s: %w", cfg.Address, cfg.Namespace, err)
	}
	log.Info("connected to temporal", "address", cfg.Address, "namespace", cfg.Namespace)

	if cfg.AutoRegisterNamespace {
		if err := EnsureNamespace(ctx, cfg, log); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// EnsureNamespace registers cfg.Namespace when the cluster does not know it.
// Intended for self-hosted clusters.
func EnsureNamespace(ctx context.Context, cfg Config, log *logger.Logger) error {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" || cfg.Address == "" {
		return nil
	}
	// No namespace on these options: the header would name one that may not exist yet.
	opts, err := clientOptions(cfg, log, false)
	if err != nil {
		return err
	}
	nsClient, err := temporalsdkclient.NewNamespaceClient(opts)
	if err != nil {
		return fmt.Errorf("temporal namespace client: %w", err)
	}
	defer nsClient.Close()

	wait := cfg.NamespaceEnsureWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	retention := cfg.RetentionDays
	if retention < 1 || retention > 365 {
		retention = 7
	}

	err = retry(ctx, cfg, wait, func(attempt int) (bool, error) {
		_, err := nsClient.Describe(ctx, namespace)
		var nfe *serviceerror.NamespaceNotFound
		if errors.As(err, &nfe) {
			err = nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
				Namespace:                        namespace,
				Description:                      "jobs orchestrator namespace",
				WorkflowExecutionRetentionPeriod: durationpb.New(time.Duration(retention) * 24 * time.Hour),
			})
			var exists *serviceerror.NamespaceAlreadyExists
			if errors.As(err, &exists) {
				err = nil
			}
			if err == nil {
				log.Info("registered temporal namespace", "namespace", namespace, "retention_days", retention)
			}
		}
		if err != nil && retryableRPC(err) {
			log.Warn("temporal namespace check failed", "namespace", namespace, "attempt", attempt, "error", err)
			return true, err
		}
		return false, err
	})
	if err != nil {
		return fmt.Errorf("temporal namespace %s: %w", namespace, err)
	}
	return nil
}

// NewBackOff doubles cfg.Backoff per attempt up to cfg.BackoffMax.
func NewBackOff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Backoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 250 * time.Millisecond
	}
	bo.MaxInterval = cfg.BackoffMax
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

// retry calls fn until it reports done, maxWait has elapsed or ctx ends.
// A maxWait of zero allows a single attempt.
func retry(ctx context.Context, cfg Config, maxWait time.Duration, fn func(attempt int) (again bool, err error)) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		again, err := fn(attempt)
		if !again {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(NewBackOff(cfg))}
	if maxWait <= 0 {
		opts = append(opts, backoff.WithMaxTries(1))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(maxWait))
	}
	_, err := backoff.Retry(ctx, op, opts...)
	return err
}

func clientOptions(cfg Config, log *logger.Logger, withNamespace bool) (temporalsdkclient.Options, error) {
	opts := temporalsdkclient.Options{HostPort: cfg.Address, Logger: log}
	if withNamespace {
		opts.Namespace = cfg.Namespace
	}
	if cfg.mTLS() {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return opts, err
		}
		opts.ConnectionOptions.TLS = tlsCfg
	}
	return opts, nil
}

func loadTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.ClientCertPath == "" || cfg.ClientKeyPath == "" {
		return nil, errors.New("temporal mTLS needs TEMPORAL_CLIENT_CERT_PATH and TEMPORAL_CLIENT_KEY_PATH")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("temporal client cert: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if cfg.ClientCAPath == "" {
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(cfg.ClientCAPath)
	if err != nil {
		return nil, fmt.Errorf("temporal CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("temporal CA %s: no certificates", cfg.ClientCAPath)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func retryableRPC(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}
