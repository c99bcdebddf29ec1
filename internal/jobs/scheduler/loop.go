package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/observability"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Cycle handles at most one unit of work. worked reports whether it did.
type Cycle func(ctx context.Context) (worked bool, err error)

// Loop polls a Cycle on a ticker. Every cycle runs under its own context
// bounded by Timeout; a cycle that found work is followed immediately by
// another instead of waiting for the next tick.
type Loop struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Cycle    Cycle

	log     *logger.Logger
	metrics *observability.Metrics
}

func NewLoop(name string, interval, timeout time.Duration, cycle Cycle, baseLog *logger.Logger, metrics *observability.Metrics) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Loop{
		Name:     name,
		Interval: interval,
		Timeout:  timeout,
		Cycle:    cycle,
		log:      baseLog.With("component", "SchedulerLoop", "loop", name),
		metrics:  metrics,
	}
}

// Run blocks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("loop started", "interval", l.Interval.String())
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		for l.runOnce(ctx) {
			if ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			l.log.Info("loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) runOnce(parent context.Context) (worked bool) {
	if parent.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, l.Timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("scheduler cycle panic", "panic", fmt.Sprint(r))
			worked = false
		}
		l.metrics.RecordCycle(parent, l.Name, time.Since(start).Seconds())
	}()
	worked, err := l.Cycle(ctx)
	if err != nil {
		l.log.Warn("scheduler cycle failed", "error", err)
		return false
	}
	return worked
}
