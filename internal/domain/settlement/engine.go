package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/metrics"
	"github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

// Config bounds the fulfillment hand-off
type Config struct {
	HandoffTimeout     time.Duration
	HandoffMaxAttempts int
	// BackOff builds the schedule between hand-off attempts; nil uses an exponential default
	BackOff func() backoff.BackOff
}

// Engine determines auction winners and hands them to fulfillment
type Engine struct {
	txManager database.TransactionManager
	repo      Repository
	bidRepo   bids.Repository
	outbox    events.OutboxWriter
	fulfiller Fulfiller
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       Config
}

// NewEngine creates a new settlement engine
func NewEngine(
	txManager database.TransactionManager,
	repo Repository,
	bidRepo bids.Repository,
	outbox events.OutboxWriter,
	fulfiller Fulfiller,
	clock clockwork.Clock,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 5 * time.Second
	}
	if cfg.HandoffMaxAttempts <= 0 {
		cfg.HandoffMaxAttempts = 3
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Engine{
		txManager: txManager,
		repo:      repo,
		bidRepo:   bidRepo,
		outbox:    outbox,
		fulfiller: fulfiller,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Settle picks the winner of an auction being ended inside tx.
// It sets WinnerID and the final CurrentPrice on auction but leaves persisting
// the auction row to the caller. A second call for the same auction returns
// ErrAlreadySettled and writes nothing.
func (e *Engine) Settle(ctx context.Context, tx pgx.Tx, auction *auctions.Auction) (*Outcome, error) {
	if auction.WinnerID != nil {
		return nil, fmt.Errorf("%w: winner already recorded", auctions.ErrAlreadySettled)
	}

	existing, err := e.repo.GetSettlementByAuctionID(ctx, tx, auction.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: settlement %s exists", auctions.ErrAlreadySettled, existing.ID)
	case !errors.Is(err, auctions.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing settlement: %w", err)
	}

	ranked, err := e.bidRepo.GetRankedBids(ctx, tx, auction.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to rank bids: %w", err)
	}

	if len(ranked) == 0 {
		auction.WinnerID = nil
		return &Outcome{Unsold: true}, nil
	}

	bids.Rank(ranked)
	top := ranked[0]
	winner := top.UserID
	auction.WinnerID = &winner
	auction.CurrentPrice = top.Amount

	now := e.clock.Now()
	s := &Settlement{
		ID:            uuid.New(),
		AuctionID:     auction.ID,
		BidID:         top.ID,
		WinnerID:      top.UserID,
		LockedPrice:   top.Amount,
		HandoffStatus: HandoffPending,
		CreatedAt:     now,
	}

	if err := e.repo.CreateSettlement(ctx, tx, s); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: concurrent settlement", auctions.ErrAlreadySettled)
		}
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}

	event, err := events.NewEvent(events.EventAuctionWon, map[string]any{
		"settlement_id": s.ID.String(),
		"auction_id":    s.AuctionID.String(),
		"bid_id":        s.BidID.String(),
		"winner_id":     s.WinnerID.String(),
		"locked_price":  s.LockedPrice.StringFixed(2),
	}, now)
	if err != nil {
		return nil, err
	}
	if err := e.outbox.SaveEvent(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", err)
	}

	return &Outcome{WinningBid: top, Settlement: s}, nil
}

// HandOff delivers a committed settlement to the fulfillment collaborator.
// Each attempt is bounded by HandoffTimeout; the result is recorded on the
// settlement row. A delivery that never succeeds returns *HandoffError.
func (e *Engine) HandOff(ctx context.Context, s *Settlement) error {
	attempts := 0
	op := func() error {
		attempts++
		return e.grantOnce(ctx, s)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.cfg.BackOff(), uint64(e.cfg.HandoffMaxAttempts-1)), ctx)
	deliverErr := backoff.Retry(op, policy)

	// Record even when the caller has gone away
	recordErr := e.record(context.WithoutCancel(ctx), s, attempts, deliverErr)

	if deliverErr != nil {
		metrics.Handoffs.WithLabelValues(string(HandoffFailed)).Inc()
		e.logger.Warn("Fulfillment hand-off failed",
			"auction_id", s.AuctionID,
			"settlement_id", s.ID,
			"attempts", attempts,
			"error", deliverErr,
		)
		return &HandoffError{
			SettlementID: s.ID,
			AuctionID:    s.AuctionID,
			Attempts:     attempts,
			Err:          errors.Join(deliverErr, recordErr),
		}
	}

	metrics.Handoffs.WithLabelValues(string(HandoffDelivered)).Inc()
	if recordErr != nil {
		return fmt.Errorf("hand-off delivered but not recorded: %w", recordErr)
	}
	return nil
}

// grantOnce runs a single attempt. Fulfillers that ignore ctx still cannot stall the caller.
func (e *Engine) grantOnce(ctx context.Context, s *Settlement) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.HandoffTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.fulfiller.GrantAuctionWin(attemptCtx, s.AuctionID, s.WinnerID, s.LockedPrice)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("fulfillment attempt timed out: %w", attemptCtx.Err())
	}
}

func (e *Engine) record(ctx context.Context, s *Settlement, attempts int, deliverErr error) error {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := e.repo.GetSettlementByAuctionID(ctx, tx, s.AuctionID)
	if err != nil {
		return fmt.Errorf("failed to reload settlement: %w", err)
	}

	current.HandoffAttempts += attempts
	// A failure never downgrades a row another worker already delivered
	switch {
	case deliverErr == nil:
		now := e.clock.Now()
		current.HandoffStatus = HandoffDelivered
		current.DeliveredAt = &now
		current.LastError = nil
	case current.HandoffStatus != HandoffDelivered:
		msg := deliverErr.Error()
		current.HandoffStatus = HandoffFailed
		current.LastError = &msg
	}

	if err := e.repo.UpdateHandoff(ctx, tx, current); err != nil {
		return fmt.Errorf("failed to update hand-off: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit hand-off: %w", err)
	}

	*s = *current
	return nil
}
