package bids

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/metrics"
	"github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

// DefaultMaxAttempts bounds how often a conflicting bid transaction is retried
const DefaultMaxAttempts = 5

// PlaceBidCommand is a bid submission from an authenticated caller
type PlaceBidCommand struct {
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Role      auctions.Role
	Amount    decimal.Decimal
}

// Ledger validates and records bids
type Ledger struct {
	txManager   database.TransactionManager
	auctionRepo auctions.Repository
	bidRepo     Repository
	outbox      events.OutboxWriter
	cache       auctions.CacheInvalidator
	clock       clockwork.Clock
	logger      *slog.Logger
	maxAttempts int
	newBackOff  func() backoff.BackOff
	stamps      stamper
}

// LedgerOption configures optional Ledger collaborators
type LedgerOption func(*Ledger)

// WithCacheInvalidator drops the cached auction projection after each accepted bid
func WithCacheInvalidator(c auctions.CacheInvalidator) LedgerOption {
	return func(l *Ledger) { l.cache = c }
}

// WithMaxAttempts sets how many times a conflicting transaction is tried in total
func WithMaxAttempts(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithBackOff replaces the retry schedule between conflicting attempts
func WithBackOff(f func() backoff.BackOff) LedgerOption {
	return func(l *Ledger) { l.newBackOff = f }
}

// WithLogger sets the ledger logger
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a new bid ledger
func NewLedger(
	txManager database.TransactionManager,
	auctionRepo auctions.Repository,
	bidRepo Repository,
	outbox events.OutboxWriter,
	clock clockwork.Clock,
	opts ...LedgerOption,
) *Ledger {
	l := &Ledger{
		txManager:   txManager,
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		outbox:      outbox,
		clock:       clock,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  defaultBackOff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// PlaceBid records a bid if it beats the current highest price.
// The bid insert and the price update commit together; conflicting
// transactions are retried with every check re-run against fresh state.
func (l *Ledger) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*Bid, error) {
	started := l.clock.Now()
	defer func() {
		metrics.BidDuration.Observe(l.clock.Since(started).Seconds())
	}()

	var bid *Bid
	op := func() error {
		metrics.BidAttempts.Inc()
		placed, err := l.placeOnce(ctx, cmd)
		if err == nil {
			bid = placed
			return nil
		}
		if isConflict(err) {
			l.logger.Debug("Bid transaction conflicted, retrying", "auction_id", cmd.AuctionID, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), uint64(l.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		metrics.BidsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if isConflict(err) {
			return nil, fmt.Errorf("%w: %w", auctions.ErrConflict, err)
		}
		return nil, err
	}

	metrics.BidsTotal.WithLabelValues("accepted").Inc()

	if l.cache != nil {
		if err := l.cache.Invalidate(ctx, cmd.AuctionID); err != nil {
			l.logger.Warn("Failed to invalidate auction cache", "auction_id", cmd.AuctionID, "error", err)
		}
	}

	return bid, nil
}

func (l *Ledger) placeOnce(ctx context.Context, cmd PlaceBidCommand) (*Bid, error) {
	tx, err := l.txManager.BeginTx(ctx, database.WithIsolation(pgx.Serializable))
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Lock the auction row so end/cancel/delete wait for this bid
	auction, err := l.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}

	if cmd.Role.IsElevated() {
		return nil, auctions.ErrForbiddenBidder
	}

	if auction.Status != auctions.StatusActive {
		return nil, fmt.Errorf("%w: auction is %s", auctions.ErrAuctionNotActive, auction.Status)
	}

	now := l.clock.Now()
	if !auction.AcceptsBidsAt(now) {
		return nil, fmt.Errorf("%w: outside the bidding window", auctions.ErrAuctionNotActive)
	}

	if err := auctions.CheckAmount("amount", cmd.Amount); err != nil {
		return nil, err
	}

	top, err := l.bidRepo.GetHighestBid(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get highest bid: %w", err)
	}

	current := auction.StartPrice
	if top != nil && top.Amount.GreaterThan(current) {
		current = top.Amount
	}
	if !cmd.Amount.GreaterThan(current) {
		return nil, &auctions.BidTooLowError{CurrentHighest: current}
	}

	bid := &Bid{
		ID:        uuid.New(),
		AuctionID: cmd.AuctionID,
		UserID:    cmd.UserID,
		Amount:    cmd.Amount,
		PlacedAt:  l.stamps.next(now),
	}

	if err := l.bidRepo.SaveBid(ctx, tx, bid); err != nil {
		return nil, fmt.Errorf("failed to save bid: %w", err)
	}

	// Compare-and-swap against the price observed under the lock
	if err := l.auctionRepo.UpdateCurrentPrice(ctx, tx, cmd.AuctionID, auction.CurrentPrice, bid.Amount); err != nil {
		return nil, fmt.Errorf("failed to update current price: %w", err)
	}

	event, err := events.NewEvent(events.EventBidPlaced, map[string]any{
		"bid_id":     bid.ID.String(),
		"auction_id": bid.AuctionID.String(),
		"user_id":    bid.UserID.String(),
		"amount":     bid.Amount.StringFixed(2),
		"placed_at":  bid.PlacedAt.Format(time.RFC3339Nano),
	}, now)
	if err != nil {
		return nil, err
	}
	if err := l.outbox.SaveEvent(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("failed to save outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return bid, nil
}

// HighestBid returns the top bid of an auction, or its start price when nobody has bid
func (l *Ledger) HighestBid(ctx context.Context, auctionID uuid.UUID) (*HighestBid, error) {
	auction, err := l.auctionRepo.GetAuctionByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	top, err := l.bidRepo.GetTopBids(ctx, []uuid.UUID{auctionID})
	if err != nil {
		return nil, fmt.Errorf("failed to get top bid: %w", err)
	}

	result := &HighestBid{AuctionID: auctionID, Amount: auction.StartPrice}
	if bid, ok := top[auctionID]; ok && bid.Amount.GreaterThan(auction.StartPrice) {
		result.Amount = bid.Amount
		result.Bid = bid
	}
	return result, nil
}

// isConflict reports failures that a fresh attempt may not hit again.
// Two same-amount bids racing on the (auction_id, amount) unique index land here too.
func isConflict(err error) bool {
	return database.IsRetryable(err) || database.IsUniqueViolation(err)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, auctions.ErrNotFound):
		return "not_found"
	case errors.Is(err, auctions.ErrForbiddenBidder):
		return "forbidden"
	case errors.Is(err, auctions.ErrAuctionNotActive):
		return "not_active"
	case errors.Is(err, auctions.ErrBidTooLow):
		return "too_low"
	case errors.Is(err, auctions.ErrValidation):
		return "invalid"
	case isConflict(err):
		return "conflict"
	default:
		return "error"
	}
}

// stamper hands out strictly increasing placement times at microsecond precision
type stamper struct {
	mu   sync.Mutex
	last time.Time
}

func (s *stamper) next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UTC().Truncate(time.Microsecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	return ts
}
