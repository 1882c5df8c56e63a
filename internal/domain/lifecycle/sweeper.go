package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/floroz/livebid/internal/domain/auctions"
)

// Sweeper ends ACTIVE auctions whose end date has passed
type Sweeper struct {
	manager   *Manager
	repo      auctions.Repository
	clock     clockwork.Clock
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a new expired-auction sweeper
func NewSweeper(manager *Manager, repo auctions.Repository, clock clockwork.Clock, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:   manager,
		repo:      repo,
		clock:     clock,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run starts the sweep loop. It returns nil once ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("Error sweeping expired auctions", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Error sweeping expired auctions", "error", err)
			}
		}
	}
}

// SweepOnce ends one batch of expired auctions and reports how many it ended
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpiredActive(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired auctions: %w", err)
	}

	ended := 0
	for _, a := range expired {
		result, err := s.manager.End(ctx, a.ID, auctions.SystemActor)
		switch {
		case err == nil:
			ended++
			if result.HandoffErr != nil {
				s.logger.Warn("Expired auction ended, hand-off pending", "auction_id", a.ID, "error", result.HandoffErr)
			}
		case errors.Is(err, auctions.ErrInvalidTransition), errors.Is(err, auctions.ErrNotFound):
			// ended, cancelled or deleted since the listing
			s.logger.Debug("Skipping expired auction", "auction_id", a.ID, "error", err)
		default:
			s.logger.Error("Failed to end expired auction", "auction_id", a.ID, "error", err)
		}
	}
	return ended, nil
}
