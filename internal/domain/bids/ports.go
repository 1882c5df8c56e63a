package bids

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines the interface for bid persistence
type Repository interface {
	// SaveBid saves a bid within a transaction
	SaveBid(ctx context.Context, tx pgx.Tx, bid *Bid) error

	// GetBidByID retrieves a bid by its ID
	GetBidByID(ctx context.Context, bidID uuid.UUID) (*Bid, error)

	// GetHighestBid returns the top ranked bid or nil when the auction has none
	GetHighestBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Bid, error)

	// GetRankedBids returns every bid of the auction, amount desc then earliest first
	GetRankedBids(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) ([]*Bid, error)

	// GetBidsByAuctionID is the non-transactional read of GetRankedBids
	GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)

	// GetTopBids returns the top bid per auction; auctions without bids are absent
	GetTopBids(ctx context.Context, auctionIDs []uuid.UUID) (map[uuid.UUID]*Bid, error)

	// DeleteBidsByAuctionID removes all bids of an auction within a transaction
	DeleteBidsByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error
}
