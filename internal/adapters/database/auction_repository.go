package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
	pkgdb "github.com/floroz/livebid/pkg/database"
)

const auctionColumns = `id, title, description, images, start_price, current_price,
	start_date, end_date, status, winner_id, created_at, updated_at`

// PostgresAuctionRepository implements auctions.Repository using pgx
type PostgresAuctionRepository struct {
	pool *pgxpool.Pool // non-transactional reads
}

// NewPostgresAuctionRepository creates a new PostgreSQL auction repository
func NewPostgresAuctionRepository(pool *pgxpool.Pool) *PostgresAuctionRepository {
	return &PostgresAuctionRepository{pool: pool}
}

// CreateAuction inserts a new auction within a transaction
func (r *PostgresAuctionRepository) CreateAuction(ctx context.Context, tx pgx.Tx, a *auctions.Auction) error {
	query := `
		INSERT INTO auctions (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::auction_status, $10, $11, $12)
	`
	_, err := tx.Exec(ctx, query,
		a.ID,
		a.Title,
		a.Description,
		a.Images,
		a.StartPrice,
		a.CurrentPrice,
		a.StartDate,
		a.EndDate,
		a.Status,
		a.WinnerID,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

// GetAuctionByID retrieves an auction (non-transactional read)
func (r *PostgresAuctionRepository) GetAuctionByID(ctx context.Context, auctionID uuid.UUID) (*auctions.Auction, error) {
	return r.getAuctionByID(ctx, r.pool, auctionID, false)
}

// GetAuctionByIDForUpdate locks the auction row until tx ends.
// Bids, end, cancel and delete all serialize on this lock.
func (r *PostgresAuctionRepository) GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auctions.Auction, error) {
	return r.getAuctionByID(ctx, tx, auctionID, true)
}

func (r *PostgresAuctionRepository) getAuctionByID(ctx context.Context, db pkgdb.DBTX, auctionID uuid.UUID, forUpdate bool) (*auctions.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	a, err := scanAuction(db.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auctions.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// UpdateAuction writes every mutable column
func (r *PostgresAuctionRepository) UpdateAuction(ctx context.Context, tx pgx.Tx, a *auctions.Auction) error {
	query := `
		UPDATE auctions
		SET title = $2, description = $3, images = $4, start_price = $5, current_price = $6,
			start_date = $7, end_date = $8, status = $9::auction_status, winner_id = $10, updated_at = $11
		WHERE id = $1
	`
	result, err := tx.Exec(ctx, query,
		a.ID,
		a.Title,
		a.Description,
		a.Images,
		a.StartPrice,
		a.CurrentPrice,
		a.StartDate,
		a.EndDate,
		a.Status,
		a.WinnerID,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auctions.ErrAuctionNotFound
	}
	return nil
}

// UpdateCurrentPrice is a compare-and-swap on current_price
func (r *PostgresAuctionRepository) UpdateCurrentPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, expected, price decimal.Decimal) error {
	query := `
		UPDATE auctions
		SET current_price = $3, updated_at = NOW()
		WHERE id = $1 AND current_price = $2
	`
	result, err := tx.Exec(ctx, query, auctionID, expected, price)
	if err != nil {
		return fmt.Errorf("failed to update current price: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pkgdb.ErrTxConflict
	}
	return nil
}

// DeleteAuction removes the auction row; bids and settlements cascade
func (r *PostgresAuctionRepository) DeleteAuction(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) error {
	result, err := tx.Exec(ctx, `DELETE FROM auctions WHERE id = $1`, auctionID)
	if err != nil {
		return fmt.Errorf("failed to delete auction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auctions.ErrAuctionNotFound
	}
	return nil
}

// ListAuctions returns auctions newest first
func (r *PostgresAuctionRepository) ListAuctions(ctx context.Context, filter auctions.ListFilter) ([]*auctions.Auction, error) {
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions
		WHERE ($1::auction_status IS NULL OR status = $1::auction_status)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := r.pool.Query(ctx, query, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query auctions: %w", err)
	}
	return collectAuctions(rows)
}

// ListExpiredActive returns ACTIVE auctions whose end date has passed, oldest deadline first
func (r *PostgresAuctionRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*auctions.Auction, error) {
	query := `
		SELECT ` + auctionColumns + `
		FROM auctions
		WHERE status = 'ACTIVE' AND end_date IS NOT NULL AND end_date <= $1
		ORDER BY end_date ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired auctions: %w", err)
	}
	return collectAuctions(rows)
}

func scanAuction(row pgx.Row) (*auctions.Auction, error) {
	var a auctions.Auction
	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Description,
		&a.Images,
		&a.StartPrice,
		&a.CurrentPrice,
		&a.StartDate,
		&a.EndDate,
		&a.Status,
		&a.WinnerID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Images == nil {
		a.Images = []string{}
	}
	return &a, nil
}

func collectAuctions(rows pgx.Rows) ([]*auctions.Auction, error) {
	defer rows.Close()

	result := []*auctions.Auction{}
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return result, nil
}
