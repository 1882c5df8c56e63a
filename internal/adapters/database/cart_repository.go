package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/livebid/internal/domain/fulfillment"
)

// PostgresCartRepository implements fulfillment.Repository using pgx
type PostgresCartRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCartRepository creates a new PostgreSQL cart repository
func NewPostgresCartRepository(pool *pgxpool.Pool) *PostgresCartRepository {
	return &PostgresCartRepository{pool: pool}
}

// AddCartItem inserts the item once per (auction_id, user_id)
func (r *PostgresCartRepository) AddCartItem(ctx context.Context, item *fulfillment.CartItem) (bool, error) {
	query := `
		INSERT INTO cart_items (id, user_id, auction_id, price, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (auction_id, user_id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, item.ID, item.UserID, item.AuctionID, item.Price, item.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert cart item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListCartItems returns a user's items, newest first
func (r *PostgresCartRepository) ListCartItems(ctx context.Context, userID uuid.UUID) ([]*fulfillment.CartItem, error) {
	query := `
		SELECT id, user_id, auction_id, price, created_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart items: %w", err)
	}
	defer rows.Close()

	result := []*fulfillment.CartItem{}
	for rows.Next() {
		var item fulfillment.CartItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.AuctionID, &item.Price, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cart items: %w", err)
	}
	return result, nil
}
