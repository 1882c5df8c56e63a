package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/settlement"
	"github.com/floroz/livebid/internal/metrics"
	"github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

// EndResult is what ending an auction produced
type EndResult struct {
	Auction    *auctions.Auction
	Settlement *settlement.Settlement
	Unsold     bool
	// HandoffErr is set when the auction ended with a winner but fulfillment did not accept it yet
	HandoffErr error
}

// Manager owns auction state transitions
type Manager struct {
	txManager   database.TransactionManager
	auctionRepo auctions.Repository
	bidRepo     bids.Repository
	settler     *settlement.Engine
	outbox      events.OutboxWriter
	cache       auctions.CacheInvalidator
	clock       clockwork.Clock
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewManager creates a new lifecycle manager. cache may be nil.
func NewManager(
	txManager database.TransactionManager,
	auctionRepo auctions.Repository,
	bidRepo bids.Repository,
	settler *settlement.Engine,
	outbox events.OutboxWriter,
	cache auctions.CacheInvalidator,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		txManager:   txManager,
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		settler:     settler,
		outbox:      outbox,
		cache:       cache,
		clock:       clock,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// Create opens a new auction, ACTIVE right away when its start date has passed
func (m *Manager) Create(ctx context.Context, actor auctions.Actor, cmd CreateAuctionCommand) (*auctions.Auction, error) {
	if !actor.Role.IsElevated() {
		return nil, auctions.ErrUnauthorized
	}

	now := m.clock.Now().UTC()
	sched, err := validateCommand(m.validate, &cmd, cmd, now)
	if err != nil {
		return nil, err
	}

	auction := &auctions.Auction{
		ID:           uuid.New(),
		Title:        cmd.Title,
		Description:  cmd.Description,
		Images:       nonNil(cmd.Images),
		StartPrice:   cmd.StartPrice,
		CurrentPrice: cmd.StartPrice,
		StartDate:    sched.start,
		EndDate:      sched.end,
		Status:       auctions.StatusForStart(sched.start, now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = m.inTx(ctx, func(tx pgx.Tx) error {
		if err := m.auctionRepo.CreateAuction(ctx, tx, auction); err != nil {
			return fmt.Errorf("failed to create auction: %w", err)
		}
		return m.emit(ctx, tx, events.EventAuctionCreated, auction, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.AuctionTransitions.WithLabelValues(string(auction.Status)).Inc()
	return auction, nil
}

// Update edits an auction that has not started yet. The status is recomputed from the new start date.
func (m *Manager) Update(ctx context.Context, actor auctions.Actor, cmd UpdateAuctionCommand) (*auctions.Auction, error) {
	if !actor.Role.IsElevated() {
		return nil, auctions.ErrUnauthorized
	}

	now := m.clock.Now().UTC()
	sched, err := validateCommand(m.validate, &cmd, cmd.CreateAuctionCommand, now)
	if err != nil {
		return nil, err
	}

	var updated *auctions.Auction
	err = m.inTx(ctx, func(tx pgx.Tx) error {
		auction, err := m.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, cmd.AuctionID)
		if err != nil {
			return err
		}

		next := auctions.StatusForStart(sched.start, now)
		if auction.Status != auctions.StatusUpcoming {
			return &auctions.InvalidTransitionError{Op: "update", From: auction.Status, To: next}
		}

		auction.Title = cmd.Title
		auction.Description = cmd.Description
		auction.Images = nonNil(cmd.Images)
		auction.StartPrice = cmd.StartPrice
		auction.CurrentPrice = cmd.StartPrice
		auction.StartDate = sched.start
		auction.EndDate = sched.end
		auction.Status = next
		auction.UpdatedAt = now

		if err := m.auctionRepo.UpdateAuction(ctx, tx, auction); err != nil {
			return fmt.Errorf("failed to update auction: %w", err)
		}
		updated = auction
		return m.emit(ctx, tx, events.EventAuctionUpdated, auction, now)
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, updated.ID)
	return updated, nil
}

// Start activates an UPCOMING auction and moves its start date to now.
// A pre-scheduled end date is kept.
func (m *Manager) Start(ctx context.Context, auctionID uuid.UUID, actor auctions.Actor) (*auctions.Auction, error) {
	return m.transition(ctx, auctionID, actor, "start", auctions.StatusActive, events.EventAuctionStarted,
		func(a *auctions.Auction, now time.Time) error {
			if a.EndDate != nil && !a.EndDate.After(now) {
				return &auctions.ValidationError{Field: "EndDate", Reason: "scheduled end has already passed"}
			}
			a.StartDate = now
			return nil
		})
}

// Cancel voids an UPCOMING or ACTIVE auction. Bids stay as history and nobody wins.
func (m *Manager) Cancel(ctx context.Context, auctionID uuid.UUID, actor auctions.Actor) (*auctions.Auction, error) {
	return m.transition(ctx, auctionID, actor, "cancel", auctions.StatusCancelled, events.EventAuctionCancelled,
		func(a *auctions.Auction, now time.Time) error {
			a.EndDate = &now
			return nil
		})
}

func (m *Manager) transition(
	ctx context.Context,
	auctionID uuid.UUID,
	actor auctions.Actor,
	op string,
	to auctions.Status,
	eventType string,
	apply func(*auctions.Auction, time.Time) error,
) (*auctions.Auction, error) {
	if !actor.Role.IsElevated() {
		return nil, auctions.ErrUnauthorized
	}

	var result *auctions.Auction
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		auction, err := m.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if !auction.Status.CanTransitionTo(to) {
			return &auctions.InvalidTransitionError{Op: op, From: auction.Status, To: to}
		}

		now := m.clock.Now().UTC()
		auction.Status = to
		auction.UpdatedAt = now
		if err := apply(auction, now); err != nil {
			return err
		}

		if err := m.auctionRepo.UpdateAuction(ctx, tx, auction); err != nil {
			return fmt.Errorf("failed to %s auction: %w", op, err)
		}
		result = auction
		return m.emit(ctx, tx, eventType, auction, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.AuctionTransitions.WithLabelValues(string(to)).Inc()
	m.invalidate(ctx, auctionID)
	return result, nil
}

// End closes an ACTIVE auction and settles it in the same transaction.
// The fulfillment hand-off runs after commit; its failure is reported in
// EndResult.HandoffErr and never undoes the ENDED state. Ending an ENDED
// auction fails with an error matching ErrAlreadySettled.
func (m *Manager) End(ctx context.Context, auctionID uuid.UUID, actor auctions.Actor) (*EndResult, error) {
	if !actor.Role.IsElevated() {
		return nil, auctions.ErrUnauthorized
	}

	result := &EndResult{}
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		auction, err := m.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if !auction.Status.CanTransitionTo(auctions.StatusEnded) {
			return &auctions.InvalidTransitionError{Op: "end", From: auction.Status, To: auctions.StatusEnded}
		}

		now := m.clock.Now().UTC()
		auction.Status = auctions.StatusEnded
		auction.EndDate = &now
		auction.UpdatedAt = now

		outcome, err := m.settler.Settle(ctx, tx, auction)
		if err != nil {
			return err
		}

		if err := m.auctionRepo.UpdateAuction(ctx, tx, auction); err != nil {
			return fmt.Errorf("failed to end auction: %w", err)
		}
		if err := m.emit(ctx, tx, events.EventAuctionEnded, auction, now); err != nil {
			return err
		}

		result.Auction = auction
		result.Settlement = outcome.Settlement
		result.Unsold = outcome.Unsold
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AuctionTransitions.WithLabelValues(string(auctions.StatusEnded)).Inc()
	if result.Unsold {
		metrics.Settlements.WithLabelValues("unsold").Inc()
	} else {
		metrics.Settlements.WithLabelValues("sold").Inc()
	}
	m.invalidate(ctx, auctionID)

	if result.Settlement != nil {
		if err := m.settler.HandOff(ctx, result.Settlement); err != nil {
			result.HandoffErr = err
		}
	}

	m.logger.Info("Auction ended",
		"auction_id", auctionID,
		"unsold", result.Unsold,
		"handoff_failed", result.HandoffErr != nil,
	)
	return result, nil
}

// Delete removes an auction and its bids as one unit
func (m *Manager) Delete(ctx context.Context, auctionID uuid.UUID, actor auctions.Actor) error {
	if !actor.Role.IsElevated() {
		return auctions.ErrUnauthorized
	}

	err := m.inTx(ctx, func(tx pgx.Tx) error {
		auction, err := m.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if err := m.bidRepo.DeleteBidsByAuctionID(ctx, tx, auctionID); err != nil {
			return fmt.Errorf("failed to delete bids: %w", err)
		}
		if err := m.auctionRepo.DeleteAuction(ctx, tx, auctionID); err != nil {
			return fmt.Errorf("failed to delete auction: %w", err)
		}
		return m.emit(ctx, tx, events.EventAuctionDeleted, auction, m.clock.Now().UTC())
	})
	if err != nil {
		return err
	}

	m.invalidate(ctx, auctionID)
	return nil
}

// txAttempts bounds how often a transition is replayed after a serialization failure
const txAttempts = 5

// inTx runs fn in a REPEATABLE READ transaction and commits when it returns nil.
// A row lock that waited on a concurrent bid fails with a serialization error
// under REPEATABLE READ; the whole transaction is then replayed on a fresh snapshot.
func (m *Manager) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	op := func() error {
		err := m.runTx(ctx, fn)
		if err == nil || database.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, txAttempts-1), ctx)

	err := backoff.Retry(op, policy)
	if err != nil && database.IsRetryable(err) {
		return fmt.Errorf("%w: %w", auctions.ErrConflict, err)
	}
	return err
}

func (m *Manager) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := m.txManager.BeginTx(ctx, database.WithIsolation(pgx.RepeatableRead))
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, tx pgx.Tx, eventType string, a *auctions.Auction, now time.Time) error {
	fields := map[string]any{
		"auction_id":    a.ID.String(),
		"status":        string(a.Status),
		"start_price":   a.StartPrice.StringFixed(2),
		"current_price": a.CurrentPrice.StringFixed(2),
		"start_date":    a.StartDate.Format(time.RFC3339Nano),
	}
	if a.EndDate != nil {
		fields["end_date"] = a.EndDate.Format(time.RFC3339Nano)
	}
	if a.WinnerID != nil {
		fields["winner_id"] = a.WinnerID.String()
	}

	event, err := events.NewEvent(eventType, fields, now)
	if err != nil {
		return err
	}
	if err := m.outbox.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (m *Manager) invalidate(ctx context.Context, auctionID uuid.UUID) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, auctionID); err != nil {
		m.logger.Warn("Failed to invalidate auction cache", "auction_id", auctionID, "error", err)
	}
}

func nonNil(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}
