package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/livebid/internal/domain/settlement"
)

const settlementColumns = `id, auction_id, bid_id, winner_id, locked_price, handoff_status,
	handoff_attempts, last_error, created_at, delivered_at`

// PostgresSettlementRepository implements settlement.Repository using pgx
type PostgresSettlementRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSettlementRepository creates a new PostgreSQL settlement repository
func NewPostgresSettlementRepository(pool *pgxpool.Pool) *PostgresSettlementRepository {
	return &PostgresSettlementRepository{pool: pool}
}

// CreateSettlement inserts the record; settlements_auction_id_key rejects a second one
func (r *PostgresSettlementRepository) CreateSettlement(ctx context.Context, tx pgx.Tx, s *settlement.Settlement) error {
	query := `
		INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6::handoff_status, $7, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		s.ID,
		s.AuctionID,
		s.BidID,
		s.WinnerID,
		s.LockedPrice,
		s.HandoffStatus,
		s.HandoffAttempts,
		s.LastError,
		s.CreatedAt,
		s.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// GetSettlementByAuctionID reads and locks the auction's settlement
func (r *PostgresSettlementRepository) GetSettlementByAuctionID(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE auction_id = $1 FOR UPDATE`
	s, err := scanSettlement(tx.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

// UpdateHandoff persists the hand-off outcome
func (r *PostgresSettlementRepository) UpdateHandoff(ctx context.Context, tx pgx.Tx, s *settlement.Settlement) error {
	query := `
		UPDATE settlements
		SET handoff_status = $2::handoff_status, handoff_attempts = $3, last_error = $4, delivered_at = $5
		WHERE auction_id = $1
	`
	result, err := tx.Exec(ctx, query, s.AuctionID, s.HandoffStatus, s.HandoffAttempts, s.LastError, s.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to update hand-off: %w", err)
	}
	if result.RowsAffected() == 0 {
		return settlement.ErrSettlementNotFound
	}
	return nil
}

// ListUndelivered returns pending or failed settlements created before the cutoff, oldest first
func (r *PostgresSettlementRepository) ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]*settlement.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE handoff_status <> 'delivered' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered settlements: %w", err)
	}
	defer rows.Close()

	var result []*settlement.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlements: %w", err)
	}
	return result, nil
}

func scanSettlement(row pgx.Row) (*settlement.Settlement, error) {
	var s settlement.Settlement
	if err := row.Scan(
		&s.ID,
		&s.AuctionID,
		&s.BidID,
		&s.WinnerID,
		&s.LockedPrice,
		&s.HandoffStatus,
		&s.HandoffAttempts,
		&s.LastError,
		&s.CreatedAt,
		&s.DeliveredAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}
