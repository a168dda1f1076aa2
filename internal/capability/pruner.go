package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/observability"
)

// Pruner periodically drops entries older than a TTL so stale endpoints are
// probed again.
type Pruner struct {
	store   Store
	ttl     time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPruner schedules pruning of store on schedule, a standard cron
// expression or a descriptor such as "@every 10m".
func NewPruner(store Store, schedule string, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) (*Pruner, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("prune ttl must be positive, got %s", ttl)
	}
	logger = observability.LoggerOrDefault(logger).With("component", "capability-pruner")
	p := &Pruner{
		store:   store,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	p.cron = cron.New(cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := p.cron.AddFunc(schedule, func() { _, _ = p.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule in its own goroutine.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish or ctx to
// expire.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce prunes immediately and refreshes the entry gauge.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	removed, err := p.store.Prune(ctx, p.now().Add(-p.ttl))
	if err != nil {
		p.logger.Error("capability prune failed", "error", err)
		return removed, err
	}
	if removed > 0 {
		p.logger.Info("pruned capability entries", "removed", removed)
	}
	if n, err := p.store.Count(ctx); err == nil {
		p.metrics.SetCapabilityEntries(n)
	}
	return removed, nil
}
