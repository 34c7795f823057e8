package offline

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shery7378/multifront-sub002/telemetry"
)

const (
	defaultPruneSchedule  = "@every 1h"
	defaultPruneRetention = 7 * 24 * time.Hour
)

// Pruner periodically deletes completed actions older than a retention
// window so the queue partition does not grow without bound.
type Pruner struct {
	queue     *Queue
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// PrunerOption configures a Pruner.
type PrunerOption func(*Pruner)

// WithSchedule overrides the cron specification for pruning.
func WithSchedule(spec string) PrunerOption {
	return func(p *Pruner) {
		if spec != "" {
			p.schedule = spec
		}
	}
}

// WithRetention sets how long completed actions are kept.
func WithRetention(d time.Duration) PrunerOption {
	return func(p *Pruner) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) PrunerOption {
	return func(p *Pruner) {
		if c != nil {
			p.cron = c
		}
	}
}

// WithPrunerNow overrides the clock used for retention comparisons.
func WithPrunerNow(now func() time.Time) PrunerOption {
	return func(p *Pruner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPrunerLogger sets the logger for the pruner.
func WithPrunerLogger(logger *slog.Logger) PrunerOption {
	return func(p *Pruner) {
		p.logger = logger
	}
}

// NewPruner creates a pruner for queue.
// Defaults: schedule "@every 1h", retention 7 days.
func NewPruner(queue *Queue, opts ...PrunerOption) *Pruner {
	p := &Pruner{
		queue:     queue,
		schedule:  defaultPruneSchedule,
		retention: defaultPruneRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cron == nil {
		p.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	p.logger = p.logger.With("component", "pruner")
	return p
}

// Start registers the prune job and starts the scheduler.
func (p *Pruner) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, func() {
		p.PruneNow(context.Background())
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Debug("pruner started", "schedule", p.schedule, "retention", p.retention)
	return nil
}

// Stop halts the scheduler. The returned context is done once a running
// prune finishes.
func (p *Pruner) Stop() context.Context {
	return p.cron.Stop()
}

// PruneNow runs a single prune cycle immediately and returns the number of
// actions deleted.
func (p *Pruner) PruneNow(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordPrunerCycle(ctx, deleted, time.Since(start))
	}()

	cutoff := p.now().Add(-p.retention)
	deleted, err := p.queue.PruneCompleted(ctx, cutoff)
	if err != nil {
		p.logger.Warn("pruning completed actions failed", "deleted", deleted, "error", err)
		return deleted
	}
	if deleted > 0 {
		p.logger.Info("completed actions pruned", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted
}
