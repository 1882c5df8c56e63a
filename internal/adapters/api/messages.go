package api

import (
	"time"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/query"
)

// Wire messages of livebid.auctions.v1.AuctionService.
// Amounts travel as decimal strings with two places, times as RFC 3339.

type Auction struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Images               []string `json:"images"`
	StartPrice           string   `json:"start_price"`
	CurrentPrice         string   `json:"current_price"`
	StartDate            string   `json:"start_date"`
	EndDate              string   `json:"end_date,omitempty"`
	Status               string   `json:"status"`
	WinnerID             string   `json:"winner_id,omitempty"`
	TimeRemainingSeconds *int64   `json:"time_remaining_seconds,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

type Bid struct {
	ID        string `json:"id"`
	AuctionID string `json:"auction_id"`
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	PlacedAt  string `json:"placed_at"`
}

type CartItem struct {
	ID        string `json:"id"`
	AuctionID string `json:"auction_id"`
	Price     string `json:"price"`
	CreatedAt string `json:"created_at"`
}

type CreateAuctionRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Images          []string `json:"images"`
	StartPrice      string   `json:"start_price"`
	StartDate       string   `json:"start_date"`
	EndDate         string   `json:"end_date,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
}

type UpdateAuctionRequest struct {
	AuctionID string `json:"auction_id"`
	CreateAuctionRequest
}

type AuctionIDRequest struct {
	AuctionID string `json:"auction_id"`
}

type AuctionResponse struct {
	Auction *Auction `json:"auction"`
}

type EndAuctionResponse struct {
	Auction      *Auction `json:"auction"`
	Unsold       bool     `json:"unsold"`
	SettlementID string   `json:"settlement_id,omitempty"`
	LockedPrice  string   `json:"locked_price,omitempty"`
	// HandoffError is set when the winner could not be handed to fulfillment yet
	HandoffError string `json:"handoff_error,omitempty"`
}

type DeleteAuctionResponse struct{}

type PlaceBidRequest struct {
	AuctionID string `json:"auction_id"`
	Amount    string `json:"amount"`
}

type PlaceBidResponse struct {
	Bid *Bid `json:"bid"`
}

type GetAuctionResponse struct {
	Auction *Auction `json:"auction"`
	Bids    []*Bid   `json:"bids"`
}

type ListAuctionsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type AuctionSummary struct {
	Auction *Auction `json:"auction"`
	TopBid  *Bid     `json:"top_bid,omitempty"`
}

type ListAuctionsResponse struct {
	Auctions []*AuctionSummary `json:"auctions"`
}

type GetCartRequest struct{}

type GetCartResponse struct {
	Items []*CartItem `json:"items"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toAuction(a *auctions.Auction, now time.Time) *Auction {
	out := &Auction{
		ID:           a.ID.String(),
		Title:        a.Title,
		Description:  a.Description,
		Images:       a.Images,
		StartPrice:   a.StartPrice.StringFixed(2),
		CurrentPrice: a.CurrentPrice.StringFixed(2),
		StartDate:    formatTime(a.StartDate),
		Status:       string(a.Status),
		CreatedAt:    formatTime(a.CreatedAt),
		UpdatedAt:    formatTime(a.UpdatedAt),
	}
	if out.Images == nil {
		out.Images = []string{}
	}
	if a.EndDate != nil {
		out.EndDate = formatTime(*a.EndDate)
	}
	if a.WinnerID != nil {
		out.WinnerID = a.WinnerID.String()
	}
	if remaining, ok := query.TimeRemaining(a, now); ok {
		secs := int64(remaining / time.Second)
		out.TimeRemainingSeconds = &secs
	}
	return out
}

func toBid(b *bids.Bid) *Bid {
	if b == nil {
		return nil
	}
	return &Bid{
		ID:        b.ID.String(),
		AuctionID: b.AuctionID.String(),
		UserID:    b.UserID.String(),
		Amount:    b.Amount.StringFixed(2),
		PlacedAt:  formatTime(b.PlacedAt),
	}
}

func toCartItem(item *fulfillment.CartItem) *CartItem {
	return &CartItem{
		ID:        item.ID.String(),
		AuctionID: item.AuctionID.String(),
		Price:     item.Price.StringFixed(2),
		CreatedAt: formatTime(item.CreatedAt),
	}
}
