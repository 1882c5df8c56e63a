package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/livebid/internal/app"
	"github.com/floroz/livebid/internal/config"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Settlement worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Settlement worker stopped")
}

// run drives the outbox relay, the expiry sweeper and the hand-off reconciler against Postgres
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Store != config.StorePostgres {
		return errors.New("the settlement worker needs the postgres store")
	}
	if cfg.RabbitMQ.URL == "" {
		return errors.New("rabbitmq.url is not set")
	}

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// ending auctions invalidates cached details, so the worker shares the API's cache
	detailCache, redisClient, err := app.OpenCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	relay, err := app.NewRelay(backend, cfg, logger)
	if err != nil {
		return err
	}
	defer relay.Close()

	core := app.NewCore(backend, cfg, detailCache, clockwork.NewRealClock(), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(ctx, cfg, app.BaseMux(), logger) })
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error { return core.Sweeper.Run(ctx) })
	g.Go(func() error { return core.Reconciler.Run(ctx) })

	logger.Info("Settlement worker started")
	return g.Wait()
}
