package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/api"
	"github.com/jensholdgaard/auctionhouse/internal/auction"
	natsbroker "github.com/jensholdgaard/auctionhouse/internal/broker/nats"
	redisbroker "github.com/jensholdgaard/auctionhouse/internal/broker/redis"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event"
	"github.com/jensholdgaard/auctionhouse/internal/health"
	"github.com/jensholdgaard/auctionhouse/internal/leader"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
	"github.com/jensholdgaard/auctionhouse/internal/settlement"
	"github.com/jensholdgaard/auctionhouse/internal/store"
	"github.com/jensholdgaard/auctionhouse/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auctionhouse/internal/store/postgres"
	_ "github.com/jensholdgaard/auctionhouse/internal/store/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open the ledger using the configured driver (postgres or sqlite).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	// Event feeds. Both are optional; without them events are dropped.
	var publishers event.Fanout
	if cfg.Redis.Addr != "" {
		rp, redisErr := redisbroker.New(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to redis: %w", redisErr)
		}
		defer rp.Close()
		publishers = append(publishers, rp)
		checkers = append(checkers, health.Checker{Name: "redis", Check: rp.Ping, Optional: true})
		logger.InfoContext(ctx, "publishing live bid feed to redis", slog.String("addr", cfg.Redis.Addr))
	}
	if cfg.NATS.URL != "" {
		np, natsErr := natsbroker.New(ctx, cfg.NATS)
		if natsErr != nil {
			return fmt.Errorf("connecting to nats: %w", natsErr)
		}
		defer np.Close()
		publishers = append(publishers, np)
		checkers = append(checkers, health.Checker{Name: "nats", Check: np.Ping, Optional: true})
		logger.InfoContext(ctx, "publishing events to jetstream", slog.String("stream", cfg.NATS.Stream))
	}
	var events event.Publisher = event.Nop{}
	if len(publishers) > 0 {
		events = publishers
	}

	// Initialize managers.
	accounts := account.NewManager(repos.Users, repos.Items, repos.Favorites, events, logger, tp.TracerProvider, clk)
	auctions, err := auction.NewManager(cfg.Bidding, repos.Items, repos.Users, events, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating auction manager: %w", err)
	}
	ratings, err := rating.NewManager(cfg.Bidding, repos.Reviews, repos.Items, repos.Users, events, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating rating manager: %w", err)
	}

	healthHandler := health.NewHandler(clk, checkers...)
	handler := api.NewHandler(accounts, auctions, ratings, healthHandler, logger, tp.TracerProvider)

	// The API runs on all replicas.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctionhouse is running", slog.String("version", version))

	// The settlement dispatcher only runs on the leader.
	var wg sync.WaitGroup
	if cfg.Settlement.Enabled {
		dispatcher := settlement.NewDispatcher(cfg.Settlement, auctions, events, logger, tp.TracerProvider, clk)
		wg.Add(1)
		go func() {
			defer wg.Done()
			gateErr := leader.Gate(ctx, cfg.LeaderElection, logger, func(ctx context.Context) {
				if runErr := dispatcher.Run(ctx); runErr != nil {
					logger.ErrorContext(ctx, "settlement dispatcher error", slog.Any("error", runErr))
				}
			})
			if gateErr != nil {
				logger.ErrorContext(ctx, "leader election failed, settlement dispatcher not running", slog.Any("error", gateErr))
			}
		}()
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}
