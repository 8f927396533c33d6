package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kancha/bus-go/internal/config"
	"github.com/kancha/bus-go/internal/expiry"
	"github.com/kancha/bus-go/internal/payment"
	"github.com/kancha/bus-go/internal/postgres"
	redisx "github.com/kancha/bus-go/internal/redis"
	postgresrepo "github.com/kancha/bus-go/internal/repository/postgres"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
	"github.com/kancha/bus-go/internal/service"
	"github.com/kancha/bus-go/internal/service/query"
	"github.com/kancha/bus-go/internal/service/reservation"
	httpgin "github.com/kancha/bus-go/internal/transport/http/gin"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	scheduler  *expiry.Scheduler
	sweeper    *expiry.Sweeper
	pubsub     *redisx.SeatsPubSub
	cache      *redisrepo.Cache
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize dependencies
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Name,
		cfg.Postgres.SSLMode,
	)

	pgxPool, err := postgres.New(context.Background(), postgres.Config{DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redisx.New(context.Background(), redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	cache := redisrepo.New(rdb)
	pubsub := redisx.NewSeatsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "rl", 10, 1*time.Minute)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	scheduler := expiry.NewScheduler(logger)

	gateway := payment.NewClient(payment.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	})

	// Initialize services
	services := service.NewServices(store, cache, pubsub, limiter, scheduler, gateway, idempotencyStore, service.Config{
		Reservation: reservation.Config{
			TTL:        cfg.Hold.TTL,
			SweepGrace: cfg.Hold.SweepGrace,
		},
		Query: query.Config{
			SeatStateTTL: 15 * time.Second,
			ScheduleTTL:  time.Minute,
		},
	}, logger)

	// Expiry timers call back into the reservation service. Bound before
	// any hold can arm one.
	scheduler.OnFire(services.Reservation.HandleExpiry)

	sweeper := expiry.NewSweeper(services.Reservation, cfg.Hold.SweepInterval, logger)

	// Initialize Gin router
	router := httpgin.NewRouter(services, idempotencyStore, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
		services:  services,
		scheduler: scheduler,
		sweeper:   sweeper,
		pubsub:    pubsub,
		cache:     cache,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// In-process timers did not survive the last restart; rebuild them
	// from durable hold state before accepting traffic.
	if err := a.services.Reservation.RearmActive(ctx); err != nil {
		return fmt.Errorf("failed to re-arm expiry timers: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Reconciliation sweep for holds whose timers were lost or starved
	g.Go(func() error {
		if err := a.sweeper.Run(gCtx); err != nil && gCtx.Err() == nil {
			return fmt.Errorf("reservation sweeper stopped: %w", err)
		}
		return nil
	})

	// Seat-change fanout: other instances invalidate their cached seat
	// maps when any instance mutates the ledger
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, busID int64, date string) {
			if err := a.cache.InvalidateSeatState(ctx, busID, date); err != nil {
				a.logger.Warn("seat state cache invalidation failed",
					"bus_id", busID, "travel_date", date, "error", err)
			}
		})
		if err != nil && gCtx.Err() == nil {
			return fmt.Errorf("seat change subscription failed: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		a.scheduler.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}
