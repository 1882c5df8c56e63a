package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/metrics"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	loadAttempts = 3
)

// AuctionSummary is a listing row: the auction and its top bid, if any
type AuctionSummary struct {
	Auction *auctions.Auction `json:"auction"`
	TopBid  *bids.Bid         `json:"top_bid,omitempty"`
}

// AuctionDetail is an auction with its full bid history, best bid first
type AuctionDetail struct {
	Auction *auctions.Auction `json:"auction"`
	Bids    []*bids.Bid       `json:"bids"`
}

// ListAuctionsQuery filters and pages a listing
type ListAuctionsQuery struct {
	Status *auctions.Status
	Limit  int
	Offset int
}

// DetailCache stores AuctionDetail projections. Every Invalidate moves the
// auction to a new generation, and Set only stores a projection read under
// the generation it was handed on the miss.
type DetailCache interface {
	// Get returns the cached detail on a hit. On a miss detail is nil and gen
	// is the generation a following Set must present.
	Get(ctx context.Context, auctionID uuid.UUID) (detail *AuctionDetail, gen int64, err error)
	// Set reports false when the auction was invalidated after gen was read
	Set(ctx context.Context, detail *AuctionDetail, gen int64) (bool, error)
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}

// Facade serves read-only projections of auctions and bids
type Facade struct {
	auctionRepo auctions.Repository
	bidRepo     bids.Repository
	cache       DetailCache
	logger      *slog.Logger
}

// NewFacade creates a query facade. cache may be nil.
func NewFacade(auctionRepo auctions.Repository, bidRepo bids.Repository, cache DetailCache, logger *slog.Logger) *Facade {
	return &Facade{
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		cache:       cache,
		logger:      logger,
	}
}

// ListAuctions returns auctions newest first, each with its top bid
func (f *Facade) ListAuctions(ctx context.Context, q ListAuctionsQuery) ([]*AuctionSummary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	list, err := f.auctionRepo.ListAuctions(ctx, auctions.ListFilter{Status: q.Status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}
	if len(list) == 0 {
		return []*AuctionSummary{}, nil
	}

	ids := make([]uuid.UUID, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	top, err := f.bidRepo.GetTopBids(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get top bids: %w", err)
	}

	summaries := make([]*AuctionSummary, len(list))
	for i, a := range list {
		summaries[i] = &AuctionSummary{Auction: a, TopBid: top[a.ID]}
	}
	return summaries, nil
}

// GetAuction returns one auction with every bid, amount descending and earliest first on ties
func (f *Facade) GetAuction(ctx context.Context, auctionID uuid.UUID) (*AuctionDetail, error) {
	var gen int64
	cacheable := f.cache != nil
	if f.cache != nil {
		detail, g, err := f.cache.Get(ctx, auctionID)
		switch {
		case err != nil:
			metrics.CacheRequests.WithLabelValues("error").Inc()
			f.logger.Warn("Auction cache read failed", "auction_id", auctionID, "error", err)
			cacheable = false
		case detail != nil:
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return detail, nil
		default:
			metrics.CacheRequests.WithLabelValues("miss").Inc()
			gen = g
		}
	}

	detail, coherent, err := f.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if cacheable && coherent {
		stored, err := f.cache.Set(ctx, detail, gen)
		switch {
		case err != nil:
			f.logger.Warn("Auction cache write failed", "auction_id", auctionID, "error", err)
		case !stored:
			f.logger.Debug("Auction changed during the read, not caching", "auction_id", auctionID)
		}
	}
	return detail, nil
}

// load reads the auction and its bids. The two reads are separate, so a bid
// committing between them leaves a current price that disagrees with the
// history; such a pair is read again, a bounded number of times.
func (f *Facade) load(ctx context.Context, auctionID uuid.UUID) (*AuctionDetail, bool, error) {
	for attempt := 1; ; attempt++ {
		auction, err := f.auctionRepo.GetAuctionByID(ctx, auctionID)
		if err != nil {
			return nil, false, err
		}

		history, err := f.bidRepo.GetBidsByAuctionID(ctx, auctionID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get bids: %w", err)
		}
		if history == nil {
			history = []*bids.Bid{}
		}
		bids.Rank(history)

		detail := &AuctionDetail{Auction: auction, Bids: history}
		if detail.coherent() {
			return detail, true, nil
		}
		if attempt == loadAttempts {
			f.logger.Warn("Auction price and bid history still disagree", "auction_id", auctionID, "attempts", attempt)
			return detail, false, nil
		}
	}
}

// coherent reports whether the current price is the top bid, or the start
// price when nobody has bid
func (d *AuctionDetail) coherent() bool {
	if len(d.Bids) == 0 {
		return d.Auction.CurrentPrice.Equal(d.Auction.StartPrice)
	}
	return d.Auction.CurrentPrice.Equal(d.Bids[0].Amount)
}

// TimeRemaining is the time left until the auction's end date, never negative.
// It reports false when the auction has no end date.
func TimeRemaining(a *auctions.Auction, now time.Time) (time.Duration, bool) {
	if a.EndDate == nil {
		return 0, false
	}
	remaining := a.EndDate.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
