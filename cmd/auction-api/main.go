package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/livebid/internal/adapters/api"
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
		logger.Error("Auction API stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Auction API stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	detailCache, redisClient, err := app.OpenCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	signer, err := app.LoadSigner(cfg)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	core := app.NewCore(backend, cfg, detailCache, clock, logger)

	handler := api.NewAuctionServiceHandler(core.Manager, core.Ledger, core.Facade, core.Cart, clock, logger)
	mux := app.BaseMux()
	path, h := handler.Routes(signer)
	mux.Handle(path, h)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(ctx, cfg, mux, logger)
	})

	// the memory store is private to this process, so its background loops run here too
	if cfg.Store == config.StoreMemory {
		g.Go(func() error { return core.Sweeper.Run(ctx) })
		g.Go(func() error { return core.Reconciler.Run(ctx) })

		if cfg.RabbitMQ.URL != "" {
			relay, err := app.NewRelay(backend, cfg, logger)
			if err != nil {
				return err
			}
			defer relay.Close()
			g.Go(func() error { return relay.Run(ctx) })
		}
	}

	return g.Wait()
}
