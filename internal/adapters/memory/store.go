// Package memory is a transactional in-memory backend for every auction core
// repository. Transactions are serialized: BeginTx waits for the single
// transaction slot, honoring ctx, then holds the store's write lock until
// Commit or Rollback, so a FOR UPDATE read is trivially exclusive. It backs
// local runs without Postgres and the domain tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/settlement"
	"github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

var (
	_ database.TransactionManager = (*Store)(nil)
	_ auctions.Repository         = (*Store)(nil)
	_ bids.Repository             = (*Store)(nil)
	_ settlement.Repository       = (*Store)(nil)
	_ fulfillment.Repository      = (*Store)(nil)
	_ events.OutboxWriter         = (*Store)(nil)
	_ events.OutboxRepository     = (*Store)(nil)
)

type cartKey struct {
	auctionID uuid.UUID
	userID    uuid.UUID
}

// Store holds all rows in maps guarded by one RWMutex
type Store struct {
	// txSlot admits one open transaction at a time
	txSlot      chan struct{}
	mu          sync.RWMutex
	auctions    map[uuid.UUID]*auctions.Auction
	bids        map[uuid.UUID]*bids.Bid
	settlements map[uuid.UUID]*settlement.Settlement // by auction id
	cart        map[cartKey]*fulfillment.CartItem
	outbox      []*events.OutboxEvent
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		txSlot:      make(chan struct{}, 1),
		auctions:    make(map[uuid.UUID]*auctions.Auction),
		bids:        make(map[uuid.UUID]*bids.Bid),
		settlements: make(map[uuid.UUID]*settlement.Settlement),
		cart:        make(map[cartKey]*fulfillment.CartItem),
	}
}

// memTx records an undo step per write and replays them in reverse on Rollback
type memTx struct {
	pgx.Tx

	store *Store
	undo  []func()
	done  bool
}

// BeginTx waits until no other transaction is open or ctx is done. Isolation options are ignored.
func (s *Store) BeginTx(ctx context.Context, _ ...database.TxOption) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.txSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for an open transaction: %w", ctx.Err())
	}
	s.mu.Lock()
	return &memTx{store: s}, nil
}

func (tx *memTx) release() {
	tx.store.mu.Unlock()
	<-tx.store.txSlot
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.undo = nil
	tx.release()
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.release()
	return nil
}

func (tx *memTx) onRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// open returns the store transaction or ErrTxClosed for a finished or foreign one
func (s *Store) open(tx pgx.Tx) (*memTx, error) {
	mtx, ok := tx.(*memTx)
	if !ok || mtx.store != s || mtx.done {
		return nil, pgx.ErrTxClosed
	}
	return mtx, nil
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

func checkViolation(constraint string) error {
	return &pgconn.PgError{Code: "23514", ConstraintName: constraint, Message: "new row violates check constraint"}
}

func cloneAuction(a *auctions.Auction) *auctions.Auction {
	c := *a
	c.Images = append([]string{}, a.Images...)
	if a.EndDate != nil {
		end := *a.EndDate
		c.EndDate = &end
	}
	if a.WinnerID != nil {
		w := *a.WinnerID
		c.WinnerID = &w
	}
	return &c
}

func cloneBid(b *bids.Bid) *bids.Bid {
	c := *b
	return &c
}

func cloneSettlement(st *settlement.Settlement) *settlement.Settlement {
	c := *st
	if st.LastError != nil {
		msg := *st.LastError
		c.LastError = &msg
	}
	if st.DeliveredAt != nil {
		at := *st.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

// put stores a copy of value under key and registers the restore of the previous row
func put[K comparable, V any](tx *memTx, m map[K]V, key K, value V) {
	prev, existed := m[key]
	m[key] = value
	tx.onRollback(func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func remove[K comparable, V any](tx *memTx, m map[K]V, key K) {
	prev, existed := m[key]
	if !existed {
		return
	}
	delete(m, key)
	tx.onRollback(func() {
		m[key] = prev
	})
}

// Auctions

func (s *Store) CreateAuction(ctx context.Context, tx pgx.Tx, auction *auctions.Auction) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	if _, ok := s.auctions[auction.ID]; ok {
		return uniqueViolation("auctions_pkey")
	}
	if auction.CurrentPrice.LessThan(auction.StartPrice) {
		return checkViolation("auctions_current_price_check")
	}
	put(mtx, s.auctions, auction.ID, cloneAuction(auction))
	return nil
}

func (s *Store) GetAuctionByID(ctx context.Context, auctionID uuid.UUID) (*auctions.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, auctions.ErrAuctionNotFound
	}
	return cloneAuction(a), nil
}

func (s *Store) GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auctions.Auction, error) {
	if _, err := s.open(tx); err != nil {
		return nil, err
	}
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, auctions.ErrAuctionNotFound
	}
	return cloneAuction(a), nil
}

func (s *Store) UpdateAuction(ctx context.Context, tx pgx.Tx, auction *auctions.Auction) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	if _, ok := s.auctions[auction.ID]; !ok {
		return auctions.ErrAuctionNotFound
	}
	if auction.CurrentPrice.LessThan(auction.StartPrice) {
		return checkViolation("auctions_current_price_check")
	}
	put(mtx, s.auctions, auction.ID, cloneAuction(auction))
	return nil
}

func (s *Store) UpdateCurrentPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, expected, price decimal.Decimal) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	a, ok := s.auctions[auctionID]
	if !ok || !a.CurrentPrice.Equal(expected) {
		return database.ErrTxConflict
	}
	next := cloneAuction(a)
	next.CurrentPrice = price
	put(mtx, s.auctions, auctionID, next)
	return nil
}

// DeleteAuction cascades to the auction's bids and settlement
func (s *Store) DeleteAuction(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	if _, ok := s.auctions[auctionID]; !ok {
		return auctions.ErrAuctionNotFound
	}
	s.deleteBids(mtx, auctionID)
	remove(mtx, s.settlements, auctionID)
	remove(mtx, s.auctions, auctionID)
	return nil
}

func (s *Store) ListAuctions(ctx context.Context, filter auctions.ListFilter) ([]*auctions.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*auctions.Auction
	for _, a := range s.auctions {
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		list = append(list, cloneAuction(a))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
	return page(list, filter.Offset, filter.Limit), nil
}

func (s *Store) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*auctions.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*auctions.Auction
	for _, a := range s.auctions {
		if a.IsExpiredAt(now) {
			list = append(list, cloneAuction(a))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].EndDate.Before(*list[j].EndDate)
	})
	return page(list, 0, limit), nil
}

func page[T any](list []T, offset, limit int) []T {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

// Bids

// SaveBid rejects a second bid with the same amount on one auction, like the unique index does
func (s *Store) SaveBid(ctx context.Context, tx pgx.Tx, bid *bids.Bid) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	if _, ok := s.auctions[bid.AuctionID]; !ok {
		return &pgconn.PgError{Code: "23503", ConstraintName: "bids_auction_id_fkey"}
	}
	if _, ok := s.bids[bid.ID]; ok {
		return uniqueViolation("bids_pkey")
	}
	for _, b := range s.bids {
		if b.AuctionID == bid.AuctionID && b.Amount.Equal(bid.Amount) {
			return uniqueViolation("bids_auction_id_amount_key")
		}
	}
	put(mtx, s.bids, bid.ID, cloneBid(bid))
	return nil
}

func (s *Store) GetBidByID(ctx context.Context, bidID uuid.UUID) (*bids.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[bidID]
	if !ok {
		return nil, bids.ErrBidNotFound
	}
	return cloneBid(b), nil
}

func (s *Store) GetHighestBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*bids.Bid, error) {
	if _, err := s.open(tx); err != nil {
		return nil, err
	}
	ranked := s.rankedBids(auctionID)
	if len(ranked) == 0 {
		return nil, nil
	}
	return ranked[0], nil
}

func (s *Store) GetRankedBids(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) ([]*bids.Bid, error) {
	if _, err := s.open(tx); err != nil {
		return nil, err
	}
	return s.rankedBids(auctionID), nil
}

func (s *Store) GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*bids.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rankedBids(auctionID), nil
}

func (s *Store) GetTopBids(ctx context.Context, auctionIDs []uuid.UUID) (map[uuid.UUID]*bids.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	top := make(map[uuid.UUID]*bids.Bid, len(auctionIDs))
	for _, id := range auctionIDs {
		if ranked := s.rankedBids(id); len(ranked) > 0 {
			top[id] = ranked[0]
		}
	}
	return top, nil
}

func (s *Store) DeleteBidsByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	s.deleteBids(mtx, auctionID)
	return nil
}

func (s *Store) deleteBids(mtx *memTx, auctionID uuid.UUID) {
	for id, b := range s.bids {
		if b.AuctionID == auctionID {
			remove(mtx, s.bids, id)
		}
	}
}

// rankedBids expects the caller to hold the lock
func (s *Store) rankedBids(auctionID uuid.UUID) []*bids.Bid {
	list := []*bids.Bid{}
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			list = append(list, cloneBid(b))
		}
	}
	bids.Rank(list)
	return list
}

// Settlements

func (s *Store) CreateSettlement(ctx context.Context, tx pgx.Tx, st *settlement.Settlement) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	if _, ok := s.settlements[st.AuctionID]; ok {
		return uniqueViolation("settlements_auction_id_key")
	}
	put(mtx, s.settlements, st.AuctionID, cloneSettlement(st))
	return nil
}

func (s *Store) GetSettlementByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*settlement.Settlement, error) {
	if _, err := s.open(tx); err != nil {
		return nil, err
	}
	st, ok := s.settlements[auctionID]
	if !ok {
		return nil, settlement.ErrSettlementNotFound
	}
	return cloneSettlement(st), nil
}

func (s *Store) UpdateHandoff(ctx context.Context, tx pgx.Tx, st *settlement.Settlement) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	prev, ok := s.settlements[st.AuctionID]
	if !ok {
		return settlement.ErrSettlementNotFound
	}
	next := cloneSettlement(prev)
	next.HandoffStatus = st.HandoffStatus
	next.HandoffAttempts = st.HandoffAttempts
	next.LastError = st.LastError
	next.DeliveredAt = st.DeliveredAt
	put(mtx, s.settlements, st.AuctionID, cloneSettlement(next))
	return nil
}

func (s *Store) ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]*settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*settlement.Settlement
	for _, st := range s.settlements {
		if st.HandoffStatus != settlement.HandoffDelivered && st.CreatedAt.Before(createdBefore) {
			list = append(list, cloneSettlement(st))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return page(list, 0, limit), nil
}

// Cart

func (s *Store) AddCartItem(ctx context.Context, item *fulfillment.CartItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cartKey{auctionID: item.AuctionID, userID: item.UserID}
	if _, ok := s.cart[key]; ok {
		return false, nil
	}
	c := *item
	s.cart[key] = &c
	return true, nil
}

func (s *Store) ListCartItems(ctx context.Context, userID uuid.UUID) ([]*fulfillment.CartItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []*fulfillment.CartItem{}
	for _, item := range s.cart {
		if item.UserID == userID {
			c := *item
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// Outbox

func (s *Store) SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	c := *event
	if c.Status == "" {
		c.Status = events.OutboxStatusPending
	}
	s.outbox = append(s.outbox, &c)
	n := len(s.outbox) - 1
	mtx.onRollback(func() {
		s.outbox = s.outbox[:n]
	})
	return nil
}

func (s *Store) GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*events.OutboxEvent, error) {
	if _, err := s.open(tx); err != nil {
		return nil, err
	}
	var list []*events.OutboxEvent
	for _, e := range s.outbox {
		if e.Status == events.OutboxStatusPending {
			c := *e
			list = append(list, &c)
		}
	}
	return page(list, 0, limit), nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status events.OutboxStatus) error {
	mtx, err := s.open(tx)
	if err != nil {
		return err
	}
	for _, e := range s.outbox {
		if e.ID != id {
			continue
		}
		prevStatus, prevAt := e.Status, e.ProcessedAt
		e.Status = status
		if status == events.OutboxStatusPublished || status == events.OutboxStatusFailed {
			now := time.Now().UTC()
			e.ProcessedAt = &now
		}
		mtx.onRollback(func() {
			e.Status, e.ProcessedAt = prevStatus, prevAt
		})
		return nil
	}
	return nil
}

// Events returns a copy of every outbox row in insertion order
func (s *Store) Events() []events.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]events.OutboxEvent, len(s.outbox))
	for i, e := range s.outbox {
		out[i] = *e
	}
	return out
}
