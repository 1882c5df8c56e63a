package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/settlement"
	"github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

func newAuction(created time.Time) *auctions.Auction {
	return &auctions.Auction{
		ID:           uuid.New(),
		Title:        "Camera",
		Description:  "Rangefinder",
		Images:       []string{},
		StartPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(100),
		StartDate:    created,
		Status:       auctions.StatusActive,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func commit(t *testing.T, s *Store, fn func(tx pgx.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func TestStore_RollbackRestoresRows(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	a := newAuction(now)

	commit(t, s, func(tx pgx.Tx) {
		require.NoError(t, s.CreateAuction(ctx, tx, a))
	})

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SaveBid(ctx, tx, &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.NewFromInt(150), PlacedAt: now}))
	require.NoError(t, s.UpdateCurrentPrice(ctx, tx, a.ID, a.CurrentPrice, decimal.NewFromInt(150)))
	require.NoError(t, s.SaveEvent(ctx, tx, &events.OutboxEvent{ID: uuid.New(), EventType: events.EventBidPlaced}))
	require.NoError(t, tx.Rollback(ctx))

	got, err := s.GetAuctionByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(100)))

	history, err := s.GetBidsByAuctionID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, s.Events())
}

func TestStore_ClosedTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, tx.Commit(ctx), pgx.ErrTxClosed)
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)
	assert.ErrorIs(t, s.CreateAuction(ctx, tx, newAuction(time.Now())), pgx.ErrTxClosed)
}

func TestStore_BeginTxHonorsContextWhileWaiting(t *testing.T) {
	s := NewStore()
	held, err := s.BeginTx(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.BeginTx(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// the slot frees up once the holder finishes
	require.NoError(t, held.Rollback(context.Background()))

	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
}

func TestStore_BeginTxWaitsForTheOpenTransaction(t *testing.T) {
	s := NewStore()
	held, err := s.BeginTx(context.Background())
	require.NoError(t, err)

	began := make(chan struct{})
	go func() {
		tx, err := s.BeginTx(context.Background())
		if assert.NoError(t, err) {
			_ = tx.Rollback(context.Background())
		}
		close(began)
	}()

	select {
	case <-began:
		t.Fatal("second transaction began while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.Commit(context.Background()))
	select {
	case <-began:
	case <-time.After(2 * time.Second):
		t.Fatal("second transaction never began")
	}
}

func TestStore_Constraints(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	a := newAuction(now)

	commit(t, s, func(tx pgx.Tx) {
		require.NoError(t, s.CreateAuction(ctx, tx, a))
	})

	t.Run("duplicate amount on one auction", func(t *testing.T) {
		commit(t, s, func(tx pgx.Tx) {
			require.NoError(t, s.SaveBid(ctx, tx, &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.NewFromInt(120), PlacedAt: now}))
			err := s.SaveBid(ctx, tx, &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.RequireFromString("120.00"), PlacedAt: now})
			assert.True(t, database.IsUniqueViolation(err))
		})
	})

	t.Run("stale compare-and-swap", func(t *testing.T) {
		commit(t, s, func(tx pgx.Tx) {
			err := s.UpdateCurrentPrice(ctx, tx, a.ID, decimal.NewFromInt(99), decimal.NewFromInt(130))
			assert.ErrorIs(t, err, database.ErrTxConflict)
		})
	})

	t.Run("current price below start price", func(t *testing.T) {
		commit(t, s, func(tx pgx.Tx) {
			bad := *a
			bad.CurrentPrice = decimal.NewFromInt(50)
			assert.Error(t, s.UpdateAuction(ctx, tx, &bad))
		})
	})

	t.Run("second settlement", func(t *testing.T) {
		commit(t, s, func(tx pgx.Tx) {
			st := &settlement.Settlement{ID: uuid.New(), AuctionID: a.ID, HandoffStatus: settlement.HandoffPending, CreatedAt: now}
			require.NoError(t, s.CreateSettlement(ctx, tx, st))
			st2 := *st
			st2.ID = uuid.New()
			assert.True(t, database.IsUniqueViolation(s.CreateSettlement(ctx, tx, &st2)))
		})
	})

	t.Run("missing auction", func(t *testing.T) {
		_, err := s.GetAuctionByID(ctx, uuid.New())
		assert.ErrorIs(t, err, auctions.ErrNotFound)
	})
}

func TestStore_DeleteAuctionCascades(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	a := newAuction(now)

	commit(t, s, func(tx pgx.Tx) {
		require.NoError(t, s.CreateAuction(ctx, tx, a))
		require.NoError(t, s.SaveBid(ctx, tx, &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.NewFromInt(110), PlacedAt: now}))
		require.NoError(t, s.CreateSettlement(ctx, tx, &settlement.Settlement{ID: uuid.New(), AuctionID: a.ID, CreatedAt: now}))
	})
	commit(t, s, func(tx pgx.Tx) {
		require.NoError(t, s.DeleteAuction(ctx, tx, a.ID))
		_, err := s.GetSettlementByAuctionID(ctx, tx, a.ID)
		assert.ErrorIs(t, err, settlement.ErrSettlementNotFound)
	})

	history, err := s.GetBidsByAuctionID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_Listings(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	older := newAuction(base)
	newer := newAuction(base.Add(time.Hour))
	end := base.Add(30 * time.Minute)
	older.EndDate = &end
	upcoming := newAuction(base.Add(2 * time.Hour))
	upcoming.Status = auctions.StatusUpcoming

	commit(t, s, func(tx pgx.Tx) {
		for _, a := range []*auctions.Auction{older, newer, upcoming} {
			require.NoError(t, s.CreateAuction(ctx, tx, a))
		}
	})

	all, err := s.ListAuctions(ctx, auctions.ListFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, upcoming.ID, all[0].ID)
	assert.Equal(t, older.ID, all[2].ID)

	active := auctions.StatusActive
	paged, err := s.ListAuctions(ctx, auctions.ListFilter{Status: &active, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, older.ID, paged[0].ID)

	expired, err := s.ListExpiredActive(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, older.ID, expired[0].ID)
}

func TestStore_CartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	item := &fulfillment.CartItem{ID: uuid.New(), UserID: uuid.New(), AuctionID: uuid.New(), Price: decimal.NewFromInt(10), CreatedAt: time.Now()}

	added, err := s.AddCartItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, added)

	dup := *item
	dup.ID = uuid.New()
	added, err = s.AddCartItem(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, added)

	items, err := s.ListCartItems(ctx, item.UserID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}
