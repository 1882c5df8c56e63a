package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/livebid/internal/domain/bids"
	pkgdb "github.com/floroz/livebid/pkg/database"
)

const rankedOrder = `ORDER BY amount DESC, placed_at ASC, id ASC`

// PostgresBidRepository implements bids.Repository using pgx
type PostgresBidRepository struct {
	pool *pgxpool.Pool // Keep pool for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// SaveBid saves a bid within a transaction
func (r *PostgresBidRepository) SaveBid(ctx context.Context, tx pgx.Tx, bid *bids.Bid) error {
	query := `
		INSERT INTO bids (id, auction_id, user_id, amount, placed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.AuctionID,
		bid.UserID,
		bid.Amount,
		bid.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetBidByID retrieves a bid by its ID
func (r *PostgresBidRepository) GetBidByID(ctx context.Context, bidID uuid.UUID) (*bids.Bid, error) {
	query := `
		SELECT id, auction_id, user_id, amount, placed_at
		FROM bids
		WHERE id = $1
	`
	bid, err := scanBid(r.pool.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, bids.ErrBidNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return bid, nil
}

// GetHighestBid returns the top ranked bid or nil
func (r *PostgresBidRepository) GetHighestBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*bids.Bid, error) {
	query := `
		SELECT id, auction_id, user_id, amount, placed_at
		FROM bids
		WHERE auction_id = $1
		` + rankedOrder + `
		LIMIT 1
	`
	bid, err := scanBid(tx.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get highest bid: %w", err)
	}
	return bid, nil
}

// GetRankedBids returns every bid of the auction, best first
func (r *PostgresBidRepository) GetRankedBids(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) ([]*bids.Bid, error) {
	return r.rankedBids(ctx, tx, auctionID)
}

// GetBidsByAuctionID is the non-transactional ranked history
func (r *PostgresBidRepository) GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*bids.Bid, error) {
	return r.rankedBids(ctx, r.pool, auctionID)
}

func (r *PostgresBidRepository) rankedBids(ctx context.Context, db pkgdb.DBTX, auctionID uuid.UUID) ([]*bids.Bid, error) {
	query := `
		SELECT id, auction_id, user_id, amount, placed_at
		FROM bids
		WHERE auction_id = $1
		` + rankedOrder
	rows, err := db.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	return collectBids(rows)
}

// GetTopBids returns the best bid per auction in one query
func (r *PostgresBidRepository) GetTopBids(ctx context.Context, auctionIDs []uuid.UUID) (map[uuid.UUID]*bids.Bid, error) {
	top := make(map[uuid.UUID]*bids.Bid, len(auctionIDs))
	if len(auctionIDs) == 0 {
		return top, nil
	}

	query := `
		SELECT DISTINCT ON (auction_id) id, auction_id, user_id, amount, placed_at
		FROM bids
		WHERE auction_id = ANY($1::uuid[])
		ORDER BY auction_id, amount DESC, placed_at ASC, id ASC
	`
	ids := make([]string, len(auctionIDs))
	for i, id := range auctionIDs {
		ids[i] = id.String()
	}
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query top bids: %w", err)
	}
	list, err := collectBids(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		top[b.AuctionID] = b
	}
	return top, nil
}

// DeleteBidsByAuctionID removes all bids of an auction within a transaction
func (r *PostgresBidRepository) DeleteBidsByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM bids WHERE auction_id = $1`, auctionID); err != nil {
		return fmt.Errorf("failed to delete bids: %w", err)
	}
	return nil
}

func scanBid(row pgx.Row) (*bids.Bid, error) {
	var bid bids.Bid
	if err := row.Scan(
		&bid.ID,
		&bid.AuctionID,
		&bid.UserID,
		&bid.Amount,
		&bid.PlacedAt,
	); err != nil {
		return nil, err
	}
	return &bid, nil
}

func collectBids(rows pgx.Rows) ([]*bids.Bid, error) {
	defer rows.Close()

	result := []*bids.Bid{}
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		result = append(result, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}
