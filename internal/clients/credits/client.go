package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/envutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/httpx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("credits service unavailable")

// Ledger reserves and releases credit leases.
type Ledger interface {
	AcquireLease(ctx context.Context, jobID uuid.UUID, session jobs.Session, requests []jobs.CostRequest) (string, error)
	CancelLease(ctx context.Context, leaseID string) error
}

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:          envutil.String("CREDITS_SERVICE_URL", ""),
		Timeout:          envutil.Duration("CREDITS_TIMEOUT", 10*time.Second),
		MaxRetries:       envutil.Int("CREDITS_MAX_RETRIES", 2),
		BreakerThreshold: envutil.Int("CREDITS_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envutil.Duration("CREDITS_BREAKER_COOLDOWN", 30*time.Second),
	}
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func New(log *logger.Logger, cfg Config) (Ledger, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing CREDITS_SERVICE_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	log = log.With("client", "CreditsClient")
	return &client{
		log:        log,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    newBreaker(log, cfg),
	}, nil
}

// newBreaker trips after BreakerThreshold consecutive transport-level
// failures and lets one request through once BreakerCooldown has passed.
// Answers from the ledger, even refusals, count as successes.
func newBreaker(log *logger.Logger, cfg Config) *gobreaker.CircuitBreaker {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credits",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !httpx.IsRetryableError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

type leaseRequest struct {
	JobID          uuid.UUID          `json:"job_id"`
	OrganizationID string             `json:"organization_id"`
	WorkspaceID    string             `json:"workspace_id"`
	Requests       []jobs.CostRequest `json:"requests"`
}

type leaseResponse struct {
	LeaseID string `json:"lease_id"`
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	if msg == "" {
		msg = "<empty body>"
	}
	return fmt.Sprintf("credits http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

// AcquireLease reserves requests for the job. A refusal by the ledger maps to
// jobs.ErrInsufficientCredits.
func (c *client) AcquireLease(ctx context.Context, jobID uuid.UUID, session jobs.Session, requests []jobs.CostRequest) (string, error) {
	body := leaseRequest{
		JobID:          jobID,
		OrganizationID: session.OrganizationID,
		WorkspaceID:    session.WorkspaceID,
		Requests:       requests,
	}
	var out leaseResponse
	err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/leases", body, &out)
	var he *HTTPError
	if errors.As(err, &he) && (he.StatusCode == http.StatusPaymentRequired || he.StatusCode == http.StatusConflict) {
		return "", fmt.Errorf("%w: %s", jobs.ErrInsufficientCredits, he.Body)
	}
	if err != nil {
		return "", err
	}
	if out.LeaseID == "" {
		return "", fmt.Errorf("credits: lease response without lease_id")
	}
	return out.LeaseID, nil
}

// CancelLease releases a lease. Unknown leases count as released.
func (c *client) CancelLease(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+"/leases/"+url.PathEscape(leaseID), nil, nil)
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *client) do(ctx context.Context, method, urlStr string, in, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.once(ctx, method, urlStr, in, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrUnavailable
		}
		if err == nil {
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt >= c.cfg.MaxRetries {
			return err
		}
		resp, _ := res.(*http.Response)
		wait := httpx.Jitter(httpx.RetryAfter(resp, bo.NextBackOff(), 5*time.Second))
		c.log.Warn("credits request retrying", "method", method, "url", urlStr, "attempt", attempt+1, "sleep", wait.String(), "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *client) once(ctx context.Context, method, urlStr string, in, out interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if td := ctxutil.GetTraceData(ctx); td != nil && td.RequestID != "" {
		req.Header.Set("X-Request-ID", td.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resp, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp, fmt.Errorf("credits decode error: %w", err)
	}
	return resp, nil
}
