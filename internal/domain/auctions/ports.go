package auctions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ListFilter narrows an auction listing
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// Repository defines the interface for auction persistence
type Repository interface {
	// CreateAuction inserts a new auction within a transaction
	CreateAuction(ctx context.Context, tx pgx.Tx, auction *Auction) error

	// GetAuctionByID retrieves an auction outside any transaction
	GetAuctionByID(ctx context.Context, auctionID uuid.UUID) (*Auction, error)

	// GetAuctionByIDForUpdate retrieves an auction and locks its row until tx ends
	GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Auction, error)

	// UpdateAuction writes every mutable column of the auction
	UpdateAuction(ctx context.Context, tx pgx.Tx, auction *Auction) error

	// UpdateCurrentPrice sets current_price only if it still equals expected.
	// A miss returns database.ErrTxConflict.
	UpdateCurrentPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, expected, price decimal.Decimal) error

	// DeleteAuction removes the auction row
	DeleteAuction(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error

	// ListAuctions returns auctions newest first
	ListAuctions(ctx context.Context, filter ListFilter) ([]*Auction, error)

	// ListExpiredActive returns ACTIVE auctions whose end date is at or before now
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*Auction, error)
}

// CacheInvalidator drops cached read projections of an auction after a write commits
type CacheInvalidator interface {
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}
