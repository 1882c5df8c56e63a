//go:build integration

package database_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floroz/livebid/internal/adapters/database"
	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/lifecycle"
	"github.com/floroz/livebid/internal/domain/settlement"
	pkgdb "github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
	"github.com/floroz/livebid/pkg/testhelpers"
)

type repos struct {
	pool        *pgxpool.Pool
	txManager   *pkgdb.PostgresTransactionManager
	auctions    *database.PostgresAuctionRepository
	bids        *database.PostgresBidRepository
	settlements *database.PostgresSettlementRepository
	cart        *database.PostgresCartRepository
	outbox      *database.PostgresOutboxRepository
}

func setup(t *testing.T) *repos {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	td := testhelpers.NewTestDatabase(t, "../../../migrations")
	return &repos{
		pool:        td.Pool,
		txManager:   pkgdb.NewPostgresTransactionManager(td.Pool, 2*time.Second),
		auctions:    database.NewPostgresAuctionRepository(td.Pool),
		bids:        database.NewPostgresBidRepository(td.Pool),
		settlements: database.NewPostgresSettlementRepository(td.Pool),
		cart:        database.NewPostgresCartRepository(td.Pool),
		outbox:      database.NewPostgresOutboxRepository(td.Pool),
	}
}

func (r *repos) inTx(t *testing.T, fn func(tx pgx.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.txManager.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func newAuction(created time.Time) *auctions.Auction {
	end := created.Add(time.Hour)
	return &auctions.Auction{
		ID:           uuid.New(),
		Title:        "Turntable",
		Description:  "Direct drive",
		Images:       []string{"https://img.example.com/1.jpg"},
		StartPrice:   decimal.RequireFromString("100.00"),
		CurrentPrice: decimal.RequireFromString("100.00"),
		StartDate:    created,
		EndDate:      &end,
		Status:       auctions.StatusActive,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestAuctionRepository_Integration(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := newAuction(now)
	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, a))
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := r.auctions.GetAuctionByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.Title, got.Title)
		assert.Equal(t, a.Images, got.Images)
		assert.True(t, a.StartPrice.Equal(got.StartPrice))
		assert.Equal(t, auctions.StatusActive, got.Status)
		assert.True(t, a.EndDate.Equal(*got.EndDate))
		assert.Nil(t, got.WinnerID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.auctions.GetAuctionByID(ctx, uuid.New())
		assert.ErrorIs(t, err, auctions.ErrNotFound)
	})

	t.Run("compare-and-swap price", func(t *testing.T) {
		r.inTx(t, func(tx pgx.Tx) {
			err := r.auctions.UpdateCurrentPrice(ctx, tx, a.ID, decimal.RequireFromString("99"), decimal.RequireFromString("120"))
			assert.ErrorIs(t, err, pkgdb.ErrTxConflict)
			require.NoError(t, r.auctions.UpdateCurrentPrice(ctx, tx, a.ID, a.CurrentPrice, decimal.RequireFromString("120")))
		})
		got, err := r.auctions.GetAuctionByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "120.00", got.CurrentPrice.StringFixed(2))
	})

	t.Run("check constraint keeps current above start", func(t *testing.T) {
		tx, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		bad := *a
		bad.CurrentPrice = decimal.RequireFromString("10")
		assert.Error(t, r.auctions.UpdateAuction(ctx, tx, &bad))
	})

	t.Run("list and expired", func(t *testing.T) {
		older := newAuction(now.Add(-2 * time.Hour))
		upcoming := newAuction(now.Add(time.Minute))
		upcoming.Status = auctions.StatusUpcoming
		r.inTx(t, func(tx pgx.Tx) {
			require.NoError(t, r.auctions.CreateAuction(ctx, tx, older))
			require.NoError(t, r.auctions.CreateAuction(ctx, tx, upcoming))
		})

		all, err := r.auctions.ListAuctions(ctx, auctions.ListFilter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, upcoming.ID, all[0].ID)
		assert.Equal(t, older.ID, all[2].ID)

		status := auctions.StatusUpcoming
		filtered, err := r.auctions.ListAuctions(ctx, auctions.ListFilter{Status: &status, Limit: 10})
		require.NoError(t, err)
		require.Len(t, filtered, 1)
		assert.Equal(t, upcoming.ID, filtered[0].ID)

		expired, err := r.auctions.ListExpiredActive(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, older.ID, expired[0].ID)
	})
}

func TestBidRepository_Integration(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := newAuction(now)
	other := newAuction(now)
	first := &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.RequireFromString("150.00"), PlacedAt: now}
	second := &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.RequireFromString("175.50"), PlacedAt: now.Add(time.Millisecond)}

	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, a))
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, other))
		require.NoError(t, r.bids.SaveBid(ctx, tx, first))
		require.NoError(t, r.bids.SaveBid(ctx, tx, second))
	})

	t.Run("same amount twice violates the unique index", func(t *testing.T) {
		tx, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		dup := &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.RequireFromString("150"), PlacedAt: now}
		err = r.bids.SaveBid(ctx, tx, dup)
		assert.True(t, pkgdb.IsUniqueViolation(err))
	})

	t.Run("ranked reads", func(t *testing.T) {
		r.inTx(t, func(tx pgx.Tx) {
			top, err := r.bids.GetHighestBid(ctx, tx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, second.ID, top.ID)

			none, err := r.bids.GetHighestBid(ctx, tx, other.ID)
			require.NoError(t, err)
			assert.Nil(t, none)

			ranked, err := r.bids.GetRankedBids(ctx, tx, a.ID)
			require.NoError(t, err)
			require.Len(t, ranked, 2)
			assert.Equal(t, second.ID, ranked[0].ID)
		})

		history, err := r.bids.GetBidsByAuctionID(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, first.ID, history[1].ID)

		top, err := r.bids.GetTopBids(ctx, []uuid.UUID{a.ID, other.ID})
		require.NoError(t, err)
		assert.Len(t, top, 1)
		assert.Equal(t, second.ID, top[a.ID].ID)

		got, err := r.bids.GetBidByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "150.00", got.Amount.StringFixed(2))
		assert.True(t, first.PlacedAt.Equal(got.PlacedAt))

		_, err = r.bids.GetBidByID(ctx, uuid.New())
		assert.ErrorIs(t, err, bids.ErrBidNotFound)
	})

	t.Run("delete auction cascades", func(t *testing.T) {
		r.inTx(t, func(tx pgx.Tx) {
			require.NoError(t, r.bids.DeleteBidsByAuctionID(ctx, tx, a.ID))
			require.NoError(t, r.auctions.DeleteAuction(ctx, tx, a.ID))
		})
		history, err := r.bids.GetBidsByAuctionID(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestSettlementAndCartRepository_Integration(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := newAuction(now)
	bid := &bids.Bid{ID: uuid.New(), AuctionID: a.ID, UserID: uuid.New(), Amount: decimal.RequireFromString("210.00"), PlacedAt: now}
	s := &settlement.Settlement{
		ID:            uuid.New(),
		AuctionID:     a.ID,
		BidID:         bid.ID,
		WinnerID:      bid.UserID,
		LockedPrice:   bid.Amount,
		HandoffStatus: settlement.HandoffPending,
		CreatedAt:     now.Add(-time.Minute),
	}

	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, a))
		require.NoError(t, r.bids.SaveBid(ctx, tx, bid))
		require.NoError(t, r.settlements.CreateSettlement(ctx, tx, s))
	})

	t.Run("one settlement per auction", func(t *testing.T) {
		tx, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		dup := *s
		dup.ID = uuid.New()
		assert.True(t, pkgdb.IsUniqueViolation(r.settlements.CreateSettlement(ctx, tx, &dup)))
	})

	t.Run("undelivered then delivered", func(t *testing.T) {
		pending, err := r.settlements.ListUndelivered(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, s.ID, pending[0].ID)

		r.inTx(t, func(tx pgx.Tx) {
			current, err := r.settlements.GetSettlementByAuctionID(ctx, tx, a.ID)
			require.NoError(t, err)
			current.HandoffStatus = settlement.HandoffDelivered
			current.HandoffAttempts = 2
			current.DeliveredAt = &now
			require.NoError(t, r.settlements.UpdateHandoff(ctx, tx, current))
		})

		pending, err = r.settlements.ListUndelivered(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("cart insert is idempotent", func(t *testing.T) {
		item := &fulfillment.CartItem{ID: uuid.New(), UserID: bid.UserID, AuctionID: a.ID, Price: bid.Amount, CreatedAt: now}
		added, err := r.cart.AddCartItem(ctx, item)
		require.NoError(t, err)
		assert.True(t, added)

		again := *item
		again.ID = uuid.New()
		added, err = r.cart.AddCartItem(ctx, &again)
		require.NoError(t, err)
		assert.False(t, added)

		items, err := r.cart.ListCartItems(ctx, bid.UserID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, item.ID, items[0].ID)
	})
}

func TestLedger_ConcurrentBidsAgainstPostgres(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newAuction(now.Add(-time.Minute))
	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, a))
	})

	ledger := bids.NewLedger(r.txManager, r.auctions, r.bids, r.outbox, clockwork.NewRealClock(), bids.WithMaxAttempts(10))

	const bidders = 20
	var wg sync.WaitGroup
	for i := 1; i <= bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(100 + int64(i))
			_, err := ledger.PlaceBid(ctx, bids.PlaceBidCommand{AuctionID: a.ID, UserID: uuid.New(), Role: auctions.RoleUser, Amount: amount})
			if err != nil && !errors.Is(err, auctions.ErrBidTooLow) {
				assert.ErrorIs(t, err, auctions.ErrConflict)
			}
		}(i)
	}
	wg.Wait()

	got, err := r.auctions.GetAuctionByID(ctx, a.ID)
	require.NoError(t, err)

	history, err := r.bids.GetBidsByAuctionID(ctx, a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.True(t, history[0].Amount.Equal(got.CurrentPrice))

	// in placement order every accepted bid beat the one before it
	sort.Slice(history, func(i, j int) bool { return history[i].PlacedAt.Before(history[j].PlacedAt) })
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Amount.GreaterThan(history[i-1].Amount))
	}

	var placed int
	err = r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_events WHERE event_type = $1", events.EventBidPlaced).Scan(&placed)
	require.NoError(t, err)
	assert.Equal(t, len(history), placed)
}

func TestManager_EndRacesConcurrentBidsAgainstPostgres(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	clock := clockwork.NewRealClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := newAuction(time.Now().UTC().Add(-time.Minute))
	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.auctions.CreateAuction(ctx, tx, a))
	})

	ledger := bids.NewLedger(r.txManager, r.auctions, r.bids, r.outbox, clock, bids.WithMaxAttempts(10))
	engine := settlement.NewEngine(r.txManager, r.settlements, r.bids, r.outbox,
		fulfillment.NewService(r.cart, clock, logger), clock, logger, settlement.Config{})
	manager := lifecycle.NewManager(r.txManager, r.auctions, r.bids, engine, r.outbox, nil, clock, logger)
	admin := auctions.Actor{UserID: uuid.New(), Role: auctions.RoleAdmin}

	const bidders = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*bids.Bid
		start    = make(chan struct{})
	)
	for i := 1; i <= bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := ledger.PlaceBid(ctx, bids.PlaceBidCommand{
				AuctionID: a.ID,
				UserID:    uuid.New(),
				Role:      auctions.RoleUser,
				Amount:    decimal.NewFromInt(100 + int64(i)),
			})
			switch {
			case err == nil:
				mu.Lock()
				accepted = append(accepted, b)
				mu.Unlock()
			case errors.Is(err, auctions.ErrBidTooLow), errors.Is(err, auctions.ErrAuctionNotActive):
			default:
				assert.ErrorIs(t, err, auctions.ErrConflict)
			}
		}(i)
	}

	var result *lifecycle.EndResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		var err error
		result, err = manager.End(ctx, a.ID, admin)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()
	require.NotNil(t, result)

	history, err := r.bids.GetBidsByAuctionID(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(accepted), "every stored bid was accepted before the close")

	var placed int
	err = r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_events WHERE event_type = $1", events.EventBidPlaced).Scan(&placed)
	require.NoError(t, err)
	assert.Equal(t, len(accepted), placed)

	if len(accepted) == 0 {
		assert.True(t, result.Unsold)
		return
	}
	best := accepted[0]
	for _, b := range accepted[1:] {
		if b.Amount.GreaterThan(best.Amount) {
			best = b
		}
	}
	require.NotNil(t, result.Settlement)
	assert.Equal(t, best.ID, result.Settlement.BidID)
	assert.Equal(t, best.UserID, result.Settlement.WinnerID)
	assert.True(t, result.Settlement.LockedPrice.Equal(best.Amount))

	var stored *settlement.Settlement
	r.inTx(t, func(tx pgx.Tx) {
		stored, err = r.settlements.GetSettlementByAuctionID(ctx, tx, a.ID)
		require.NoError(t, err)
	})
	assert.True(t, stored.LockedPrice.Equal(best.Amount))

	_, err = ledger.PlaceBid(ctx, bids.PlaceBidCommand{
		AuctionID: a.ID,
		UserID:    uuid.New(),
		Role:      auctions.RoleUser,
		Amount:    best.Amount.Add(decimal.NewFromInt(100)),
	})
	assert.ErrorIs(t, err, auctions.ErrAuctionNotActive)
}

func TestOutboxRepository_Integration(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	newEvent := func(eventType string, at time.Time) *events.OutboxEvent {
		return &events.OutboxEvent{ID: uuid.New(), EventType: eventType, Payload: []byte(`{}`), CreatedAt: at}
	}
	first := newEvent(events.EventAuctionStarted, now)
	second := newEvent(events.EventBidPlaced, now.Add(time.Second))
	r.inTx(t, func(tx pgx.Tx) {
		require.NoError(t, r.outbox.SaveEvent(ctx, tx, first))
		require.NoError(t, r.outbox.SaveEvent(ctx, tx, second))
	})

	t.Run("rolled back events never become pending", func(t *testing.T) {
		tx, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, r.outbox.SaveEvent(ctx, tx, newEvent(events.EventBidPlaced, now.Add(-time.Hour))))
		require.NoError(t, tx.Rollback(ctx))

		var pending int
		require.NoError(t, r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_events WHERE status = 'pending'").Scan(&pending))
		assert.Equal(t, 2, pending)
	})

	t.Run("a second relay skips rows the first has locked", func(t *testing.T) {
		tx1, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx1.Rollback(ctx) }()
		tx2, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx2.Rollback(ctx) }()

		batch1, err := r.outbox.GetPendingEvents(ctx, tx1, 1)
		require.NoError(t, err)
		require.Len(t, batch1, 1)
		assert.Equal(t, first.ID, batch1[0].ID)
		assert.Equal(t, events.OutboxStatusPending, batch1[0].Status)

		batch2, err := r.outbox.GetPendingEvents(ctx, tx2, 10)
		require.NoError(t, err)
		require.Len(t, batch2, 1)
		assert.Equal(t, second.ID, batch2[0].ID)
	})

	t.Run("publishing stamps processed_at", func(t *testing.T) {
		r.inTx(t, func(tx pgx.Tx) {
			require.NoError(t, r.outbox.UpdateEventStatus(ctx, tx, first.ID, events.OutboxStatusPublished))
		})

		var processed *time.Time
		require.NoError(t, r.pool.QueryRow(ctx, "SELECT processed_at FROM outbox_events WHERE id = $1", first.ID).Scan(&processed))
		assert.NotNil(t, processed)

		r.inTx(t, func(tx pgx.Tx) {
			batch, err := r.outbox.GetPendingEvents(ctx, tx, 10)
			require.NoError(t, err)
			require.Len(t, batch, 1)
			assert.Equal(t, second.ID, batch[0].ID)
			assert.Nil(t, batch[0].ProcessedAt)
		})
	})

	t.Run("unknown event", func(t *testing.T) {
		tx, err := r.txManager.BeginTx(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		assert.Error(t, r.outbox.UpdateEventStatus(ctx, tx, uuid.New(), events.OutboxStatusFailed))
	})
}
