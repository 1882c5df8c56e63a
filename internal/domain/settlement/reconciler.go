package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reconciler retries hand-offs that never reached fulfillment
type Reconciler struct {
	engine    *Engine
	repo      Repository
	clock     clockwork.Clock
	interval  time.Duration
	grace     time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. Settlements younger than grace are left
// to the hand-off that the end operation performs itself.
func NewReconciler(
	engine *Engine,
	repo Repository,
	clock clockwork.Clock,
	interval, grace time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		engine:    engine,
		repo:      repo,
		clock:     clock,
		interval:  interval,
		grace:     grace,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run starts the reconcile loop. It returns nil once ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("Error reconciling hand-offs", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Error reconciling hand-offs", "error", err)
			}
		}
	}
}

// RunOnce retries one batch and reports how many settlements were delivered
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.grace)
	pending, err := r.repo.ListUndelivered(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered settlements: %w", err)
	}

	delivered := 0
	for _, s := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.engine.HandOff(ctx, s); err != nil {
			r.logger.Warn("Hand-off still failing", "auction_id", s.AuctionID, "error", err)
			continue
		}
		delivered++
	}

	if len(pending) > 0 {
		r.logger.Info("Reconciled hand-offs", "delivered", delivered, "pending", len(pending))
	}
	return delivered, nil
}
