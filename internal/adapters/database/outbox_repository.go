package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgevents "github.com/floroz/livebid/pkg/events"
)

const outboxColumns = `id, event_type, payload, status, created_at, processed_at`

// PostgresOutboxRepository stores bid.placed and auction.* events in the
// transaction of the state change they describe and hands them to the relay.
type PostgresOutboxRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOutboxRepository creates a new PostgreSQL outbox repository
func NewPostgresOutboxRepository(pool *pgxpool.Pool) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{pool: pool}
}

// SaveEvent appends a structpb-encoded event. It is only visible to the relay
// once tx commits, so a rolled back bid never reaches the broker.
func (r *PostgresOutboxRepository) SaveEvent(ctx context.Context, tx pgx.Tx, event *pkgevents.OutboxEvent) error {
	status := event.Status
	if status == "" {
		status = pkgevents.OutboxStatusPending
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4::outbox_status, $5)`,
		event.ID, event.EventType, event.Payload, status, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.EventType, err)
	}
	return nil
}

// GetPendingEvents locks the oldest pending rows for the relay batch.
// Rows another relay holds are skipped, not waited on.
func (r *PostgresOutboxRepository) GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*pkgevents.OutboxEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock pending events: %w", err)
	}

	batch, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[pkgevents.OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	return batch, nil
}

// UpdateEventStatus moves an event along pending -> published/failed.
// Terminal states stamp processed_at from the database clock.
func (r *PostgresOutboxRepository) UpdateEventStatus(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, status pkgevents.OutboxStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2::outbox_status,
		    processed_at = CASE WHEN $2::outbox_status IN ('published', 'failed') THEN now() END
		WHERE id = $1`,
		eventID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event %s %s: %w", eventID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", eventID)
	}
	return nil
}
