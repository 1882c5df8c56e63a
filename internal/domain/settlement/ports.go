package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repository defines the interface for settlement persistence
type Repository interface {
	// CreateSettlement inserts the record; a second one for the same auction violates a unique constraint
	CreateSettlement(ctx context.Context, tx pgx.Tx, s *Settlement) error

	// GetSettlementByAuctionID returns ErrSettlementNotFound when the auction has none
	GetSettlementByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Settlement, error)

	// UpdateHandoff persists the hand-off status, attempt count, last error and delivery time
	UpdateHandoff(ctx context.Context, tx pgx.Tx, s *Settlement) error

	// ListUndelivered returns pending or failed settlements created before the cutoff, oldest first
	ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]*Settlement, error)
}

// Fulfiller is the cart collaborator. Implementations must be idempotent per (auctionID, userID).
type Fulfiller interface {
	GrantAuctionWin(ctx context.Context, auctionID, userID uuid.UUID, price decimal.Decimal) error
}
