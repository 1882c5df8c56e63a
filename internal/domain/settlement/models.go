package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
)

// HandoffStatus tracks delivery of a settlement to the fulfillment collaborator
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffDelivered HandoffStatus = "delivered"
	HandoffFailed    HandoffStatus = "failed"
)

// ErrSettlementNotFound is returned when an auction has no settlement record
var ErrSettlementNotFound = fmt.Errorf("settlement %w", auctions.ErrNotFound)

// Settlement grants the winner a claim on the auctioned item at the locked price.
// There is at most one per auction.
type Settlement struct {
	ID              uuid.UUID       `db:"id"`
	AuctionID       uuid.UUID       `db:"auction_id"`
	BidID           uuid.UUID       `db:"bid_id"`
	WinnerID        uuid.UUID       `db:"winner_id"`
	LockedPrice     decimal.Decimal `db:"locked_price"`
	HandoffStatus   HandoffStatus   `db:"handoff_status"`
	HandoffAttempts int             `db:"handoff_attempts"`
	LastError       *string         `db:"last_error"`
	CreatedAt       time.Time       `db:"created_at"`
	DeliveredAt     *time.Time      `db:"delivered_at"`
}

// Outcome is what settling an auction produced
type Outcome struct {
	// Unsold is true when the auction ended without bids
	Unsold     bool
	WinningBid *bids.Bid
	Settlement *Settlement
}

// HandoffError reports a settlement the fulfillment collaborator did not accept.
// The auction stays ENDED with its winner; the reconciler retries later.
type HandoffError struct {
	SettlementID uuid.UUID
	AuctionID    uuid.UUID
	Attempts     int
	Err          error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("fulfillment hand-off for auction %s failed after %d attempts: %v", e.AuctionID, e.Attempts, e.Err)
}

func (e *HandoffError) Unwrap() error { return e.Err }
