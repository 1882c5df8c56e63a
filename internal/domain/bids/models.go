package bids

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
)

var ErrBidNotFound = fmt.Errorf("bid %w", auctions.ErrNotFound)

// Bid represents an accepted offer on an auction. Bids are never edited.
type Bid struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	AuctionID uuid.UUID       `db:"auction_id" json:"auction_id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	PlacedAt  time.Time       `db:"placed_at" json:"placed_at"`
}

// Outranks reports whether b ranks above other: higher amount first, then earlier placement
func (b *Bid) Outranks(other *Bid) bool {
	if c := b.Amount.Cmp(other.Amount); c != 0 {
		return c > 0
	}
	if !b.PlacedAt.Equal(other.PlacedAt) {
		return b.PlacedAt.Before(other.PlacedAt)
	}
	return b.ID.String() < other.ID.String()
}

// Rank sorts bids best first in place
func Rank(list []*Bid) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Outranks(list[j])
	})
}

// HighestBid is the price a new bid must beat
type HighestBid struct {
	AuctionID uuid.UUID
	Amount    decimal.Decimal
	// Bid is nil when nobody has bid yet and Amount is the start price
	Bid *Bid
}
