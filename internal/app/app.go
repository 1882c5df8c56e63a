// Package app wires configuration, storage backends and domain services for the cmd binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/floroz/livebid/internal/adapters/cache"
	"github.com/floroz/livebid/internal/adapters/database"
	"github.com/floroz/livebid/internal/adapters/memory"
	"github.com/floroz/livebid/internal/config"
	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/lifecycle"
	"github.com/floroz/livebid/internal/domain/query"
	"github.com/floroz/livebid/internal/domain/settlement"
	"github.com/floroz/livebid/internal/metrics"
	"github.com/floroz/livebid/pkg/auth"
	pkgdb "github.com/floroz/livebid/pkg/database"
	"github.com/floroz/livebid/pkg/events"
)

// NewLogger builds the JSON process logger and installs it as the slog default
func NewLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// Outbox is both sides of the outbox table
type Outbox interface {
	events.OutboxWriter
	events.OutboxRepository
}

// Backend is one storage implementation of every repository port
type Backend struct {
	TxManager   pkgdb.TransactionManager
	Auctions    auctions.Repository
	Bids        bids.Repository
	Settlements settlement.Repository
	Cart        fulfillment.Repository
	Outbox      Outbox
	// Pool is nil for the memory backend
	Pool *pgxpool.Pool
}

// OpenBackend connects the configured store, migrating Postgres first when asked to
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Store == config.StoreMemory {
		store := memory.NewStore()
		logger.Warn("Using the in-memory store; state is lost on exit")
		return &Backend{
			TxManager:   store,
			Auctions:    store,
			Bids:        store,
			Settlements: store,
			Cart:        store,
			Outbox:      store,
		}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := pkgdb.Migrate(ctx, cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		logger.Info("Migrations applied", "dir", cfg.Database.MigrationsDir)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Postgres Connected")

	return &Backend{
		TxManager:   pkgdb.NewPostgresTransactionManager(pool, cfg.Database.LockTimeout),
		Auctions:    database.NewPostgresAuctionRepository(pool),
		Bids:        database.NewPostgresBidRepository(pool),
		Settlements: database.NewPostgresSettlementRepository(pool),
		Cart:        database.NewPostgresCartRepository(pool),
		Outbox:      database.NewPostgresOutboxRepository(pool),
		Pool:        pool,
	}, nil
}

// Close releases the connection pool, if any
func (b *Backend) Close() {
	if b.Pool != nil {
		b.Pool.Close()
	}
}

// OpenCache connects the Redis detail cache. It returns nil, nil when no address is configured.
func OpenCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cache.RedisDetailCache, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("Redis not configured; auction detail cache disabled")
		return nil, nil, nil
	}
	client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Redis Connected", "addr", cfg.Redis.Addr)
	return cache.NewRedisDetailCache(client, cfg.Redis.DetailTTL, logger), client, nil
}

// Core is the wired domain layer
type Core struct {
	Cart       *fulfillment.Service
	Engine     *settlement.Engine
	Ledger     *bids.Ledger
	Manager    *lifecycle.Manager
	Facade     *query.Facade
	Sweeper    *lifecycle.Sweeper
	Reconciler *settlement.Reconciler
}

// NewCore builds every domain service on top of b. detailCache may be nil.
func NewCore(b *Backend, cfg *config.Config, detailCache *cache.RedisDetailCache, clock clockwork.Clock, logger *slog.Logger) *Core {
	var (
		invalidator auctions.CacheInvalidator
		reader      query.DetailCache
	)
	if detailCache != nil {
		invalidator = detailCache
		reader = detailCache
	}

	cart := fulfillment.NewService(b.Cart, clock, logger)
	engine := settlement.NewEngine(b.TxManager, b.Settlements, b.Bids, b.Outbox, cart, clock, logger, settlement.Config{
		HandoffTimeout:     cfg.Settlement.HandoffTimeout,
		HandoffMaxAttempts: cfg.Settlement.HandoffMaxAttempts,
	})

	ledgerOpts := []bids.LedgerOption{
		bids.WithMaxAttempts(cfg.Bids.MaxAttempts),
		bids.WithLogger(logger),
	}
	if invalidator != nil {
		ledgerOpts = append(ledgerOpts, bids.WithCacheInvalidator(invalidator))
	}

	manager := lifecycle.NewManager(b.TxManager, b.Auctions, b.Bids, engine, b.Outbox, invalidator, clock, logger)

	return &Core{
		Cart:    cart,
		Engine:  engine,
		Ledger:  bids.NewLedger(b.TxManager, b.Auctions, b.Bids, b.Outbox, clock, ledgerOpts...),
		Manager: manager,
		Facade:  query.NewFacade(b.Auctions, b.Bids, reader, logger),
		Sweeper: lifecycle.NewSweeper(manager, b.Auctions, clock, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, logger),
		Reconciler: settlement.NewReconciler(engine, b.Settlements, clock,
			cfg.Settlement.ReconcileInterval, cfg.Settlement.ReconcileGrace, cfg.Settlement.ReconcileBatchSize, logger),
	}
}

// LoadSigner reads the identity provider's public key
func LoadSigner(cfg *config.Config) (*auth.Signer, error) {
	if cfg.Auth.PublicKeyPath == "" {
		return nil, errors.New("auth.public_key_path is not set")
	}
	keyPEM, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return auth.NewSignerFromPublicKey(keyPEM, cfg.Auth.Issuer)
}

// Relay is a running outbox relay and the broker connection it owns
type Relay struct {
	*events.OutboxRelay
	conn      *amqp.Connection
	publisher *events.RabbitMQPublisher
}

// NewRelay dials RabbitMQ and builds a relay draining b's outbox
func NewRelay(b *Backend, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ Connected")

	publisher, err := events.NewRabbitMQPublisher(conn, cfg.RabbitMQ.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create RabbitMQ publisher: %w", err)
	}

	relay := events.NewOutboxRelay(b.Outbox, publisher, b.TxManager,
		cfg.Relay.BatchSize, cfg.Relay.Interval, cfg.RabbitMQ.Exchange, logger)
	return &Relay{OutboxRelay: relay, conn: conn, publisher: publisher}, nil
}

// Close closes the channel and the connection
func (r *Relay) Close() {
	_ = r.publisher.Close()
	_ = r.conn.Close()
}

// BaseMux serves /health and /metrics
func BaseMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Serve runs an h2c server on addr until ctx is cancelled, then shuts it down gracefully
func Serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
