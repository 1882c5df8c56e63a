//go:build integration

package events_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/floroz/livebid/internal/adapters/database"
	pkgdb "github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
	"github.com/floroz/livebid/pkg/testhelpers"
)

// TestRelayPublishesToRabbitMQ drains a real outbox table into a real broker
func TestRelayPublishesToRabbitMQ(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	rabbitmqContainer, err := rabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
		rabbitmq.WithAdminPassword("password"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rabbitmqContainer.Terminate(context.Background())
	})

	amqpURL, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	testDB := testhelpers.NewTestDatabase(t, "../../migrations")

	pubConn, err := amqp091.Dial(amqpURL)
	require.NoError(t, err)
	defer pubConn.Close()

	publisher, err := events.NewRabbitMQPublisher(pubConn, events.DefaultExchange)
	require.NoError(t, err)
	defer publisher.Close()

	txManager := pkgdb.NewPostgresTransactionManager(testDB.Pool, time.Second)
	outboxRepo := database.NewPostgresOutboxRepository(testDB.Pool)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := events.NewOutboxRelay(outboxRepo, publisher, txManager, 10, 50*time.Millisecond, "", logger)

	// bind a consumer queue before anything is published
	conn, err := amqp091.Dial(amqpURL)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, false, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "auction.*", events.DefaultExchange, false, nil))

	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	require.NoError(t, err)

	event, err := events.NewEvent(events.EventAuctionWon, map[string]any{
		"auction_id":   "b7c1a7f2-3d43-4c9e-9a55-0d8f3c1a2b10",
		"locked_price": "90.00",
	}, time.Now().UTC())
	require.NoError(t, err)

	tx, err := txManager.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, outboxRepo.SaveEvent(ctx, tx, event))
	require.NoError(t, tx.Commit(ctx))

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	go func() {
		_ = relay.Run(relayCtx)
	}()

	select {
	case msg := <-msgs:
		assert.Equal(t, events.EventAuctionWon, msg.RoutingKey)
		assert.Equal(t, "application/x-protobuf", msg.ContentType)
		fields, err := events.DecodePayload(msg.Body)
		require.NoError(t, err)
		assert.Equal(t, "90.00", fields["locked_price"])
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for message from RabbitMQ")
	}

	require.Eventually(t, func() bool {
		var status string
		var processed *time.Time
		err := testDB.Pool.QueryRow(ctx,
			"SELECT status, processed_at FROM outbox_events WHERE id = $1", event.ID,
		).Scan(&status, &processed)
		return err == nil && status == string(events.OutboxStatusPublished) && processed != nil
	}, 2*time.Second, 100*time.Millisecond, "event should be marked published")
}
