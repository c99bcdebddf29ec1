package outbox

import (
	"context"
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/data/db"
	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/events"
	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type Config struct {
	BatchSize int
	// Retention is how long sent rows are kept; zero keeps them forever.
	Retention     time.Duration
	PurgeInterval time.Duration
}

// Relay publishes pending outbox rows in creation order and marks them sent.
// A row is published at least once: a crash between publish and commit
// publishes it again.
type Relay struct {
	repo      jobrepo.OutboxRepo
	tx        db.TxRunner
	pub       events.Publisher
	cfg       Config
	log       *logger.Logger
	metrics   *observability.Metrics
	lastPurge time.Time
}

func NewRelay(repo jobrepo.OutboxRepo, tx db.TxRunner, pub events.Publisher, cfg Config, baseLog *logger.Logger, metrics *observability.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	return &Relay{
		repo:    repo,
		tx:      tx,
		pub:     pub,
		cfg:     cfg,
		log:     baseLog.With("component", "OutboxRelay"),
		metrics: metrics,
	}
}

// RelayOnce publishes one batch and returns how many rows were sent. Rows
// stay locked for the batch, so concurrent relays skip them.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	err := r.tx.InTx(ctx, func(dbc dbctx.Context) error {
		rows, err := r.repo.ListPending(dbc, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := r.pub.Publish(ctx, row.Topic, row.Key, row.Data); err != nil {
				r.metrics.RecordOutboxRelay(ctx, row.Topic, false)
				r.log.Warn("outbox publish failed", "id", row.ID, "topic", row.Topic, "error", err)
				// Keep what was already sent; the rest waits for the next cycle.
				return nil
			}
			if err := r.repo.MarkSent(dbc, row.ID); err != nil {
				return err
			}
			r.metrics.RecordOutboxRelay(ctx, row.Topic, true)
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent == 0 {
		r.purge(ctx)
	}
	return sent, nil
}

// Cycle adapts RelayOnce to the scheduler loop.
func (r *Relay) Cycle(ctx context.Context) (bool, error) {
	n, err := r.RelayOnce(ctx)
	return n > 0, err
}

func (r *Relay) purge(ctx context.Context) {
	if r.cfg.Retention <= 0 || time.Since(r.lastPurge) < r.cfg.PurgeInterval {
		return
	}
	r.lastPurge = time.Now()
	n, err := r.repo.PurgeSentBefore(dbctx.Of(ctx), time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.log.Warn("outbox purge failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("purged sent outbox rows", "count", n)
	}
}
