package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEngine keeps executions in process. It backs local runs without a
// workflow cluster and the tests of the packages that drive the gateway.
type MemoryEngine struct {
	mu         sync.Mutex
	executions map[string]*Handle
	requests   []StartRequest
	cancelled  []string
	reject     bool
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{executions: map[string]*Handle{}}
}

var ErrEngineUnavailable = errors.New("memory engine rejecting starts")

func (e *MemoryEngine) Fetch(_ context.Context, name string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.executions[name]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (e *MemoryEngine) Start(_ context.Context, req StartRequest) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.reject {
		return nil, ErrEngineUnavailable
	}
	if h, ok := e.executions[req.Name]; ok {
		cp := *h
		return &cp, nil
	}
	now := time.Now().UTC()
	h := &Handle{Name: req.Name, RunID: uuid.NewString(), StartTime: &now}
	e.executions[req.Name] = h
	cp := *h
	return &cp, nil
}

func (e *MemoryEngine) Cancel(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, name)
	return nil
}

// SetRejectStarts makes every Start fail until reset.
func (e *MemoryEngine) SetRejectStarts(v bool) {
	e.mu.Lock()
	e.reject = v
	e.mu.Unlock()
}

// Starts returns every start request seen, including rejected ones.
func (e *MemoryEngine) Starts() []StartRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StartRequest(nil), e.requests...)
}

func (e *MemoryEngine) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}
