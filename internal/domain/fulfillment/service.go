package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
)

// CartItem is a won auction the winner can check out at the locked price
type CartItem struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	AuctionID uuid.UUID       `db:"auction_id" json:"auction_id"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Repository defines the interface for cart persistence
type Repository interface {
	// AddCartItem inserts the item unless one exists for (auction_id, user_id); it reports whether a row was added
	AddCartItem(ctx context.Context, item *CartItem) (bool, error)

	// ListCartItems returns a user's items, newest first
	ListCartItems(ctx context.Context, userID uuid.UUID) ([]*CartItem, error)
}

// Service is the cart side of settlement
type Service struct {
	repo   Repository
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewService creates a new cart service
func NewService(repo Repository, clock clockwork.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, clock: clock, logger: logger}
}

// GrantAuctionWin puts the won auction into the winner's cart. Repeating the call is a no-op.
func (s *Service) GrantAuctionWin(ctx context.Context, auctionID, userID uuid.UUID, price decimal.Decimal) error {
	if auctionID == uuid.Nil || userID == uuid.Nil {
		return &auctions.ValidationError{Field: "auction_id", Reason: "auction and user are required"}
	}
	if !price.IsPositive() {
		return &auctions.ValidationError{Field: "price", Reason: "must be positive"}
	}

	item := &CartItem{
		ID:        uuid.New(),
		UserID:    userID,
		AuctionID: auctionID,
		Price:     price,
		CreatedAt: s.clock.Now(),
	}

	added, err := s.repo.AddCartItem(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to add cart item: %w", err)
	}
	if !added {
		s.logger.Debug("Auction win already in cart", "auction_id", auctionID, "user_id", userID)
	}
	return nil
}

// ListCart returns the user's claimable items
func (s *Service) ListCart(ctx context.Context, userID uuid.UUID) ([]*CartItem, error) {
	items, err := s.repo.ListCartItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart: %w", err)
	}
	return items, nil
}
