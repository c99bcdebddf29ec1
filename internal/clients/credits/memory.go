package credits

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

// MemoryLedger is an in-process Ledger for tests and local runs without a
// credits service.
type MemoryLedger struct {
	mu        sync.Mutex
	seq       int
	refuse    bool
	leases    map[string]uuid.UUID
	cancelled []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{leases: map[string]uuid.UUID{}}
}

// Refuse makes every AcquireLease fail with ErrInsufficientCredits.
func (l *MemoryLedger) Refuse(v bool) {
	l.mu.Lock()
	l.refuse = v
	l.mu.Unlock()
}

func (l *MemoryLedger) AcquireLease(_ context.Context, jobID uuid.UUID, _ jobs.Session, _ []jobs.CostRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return "", jobs.ErrInsufficientCredits
	}
	l.seq++
	id := fmt.Sprintf("lease-%d", l.seq)
	l.leases[id] = jobID
	return id, nil
}

func (l *MemoryLedger) CancelLease(_ context.Context, leaseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, leaseID)
	l.cancelled = append(l.cancelled, leaseID)
	return nil
}

func (l *MemoryLedger) Cancelled() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.cancelled...)
}
