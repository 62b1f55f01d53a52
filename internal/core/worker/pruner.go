package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/reflow/internal/core/config"
	"github.com/vietddude/reflow/internal/infra/storage"
	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/metrics"
)

// Pruner deletes stored flow results based on retention policy.
type Pruner struct {
	cfg    config.RetentionConfig
	repo   storage.ResultRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg config.RetentionConfig, repo storage.ResultRepository, logger *slog.Logger) *Pruner {
	return &Pruner{
		cfg:    cfg,
		repo:   repo,
		logger: log.OrDefault(logger),
		now:    time.Now,
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.Period <= 0 {
		return // Retention disabled
	}

	interval := p.cfg.Interval
	if interval <= 0 {
		// 10% of retention period, between 1 minute and 1 hour
		interval = min(p.cfg.Period/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.cfg.Period)

	n, err := p.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("Failed to prune flow results",
			slog.Time("cutoff", cutoff),
			log.Error(err),
		)
		return 0
	}
	if n > 0 {
		metrics.ResultsPruned.Add(float64(n))
		p.logger.Info("Pruned flow results",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n
}
