package service

import (
	"log/slog"

	"github.com/kancha/bus-go/internal/expiry"
	"github.com/kancha/bus-go/internal/payment"
	redisx "github.com/kancha/bus-go/internal/redis"
	postgres "github.com/kancha/bus-go/internal/repository/postgres"
	redis "github.com/kancha/bus-go/internal/repository/redis"
	"github.com/kancha/bus-go/internal/service/admin"
	"github.com/kancha/bus-go/internal/service/payments"
	"github.com/kancha/bus-go/internal/service/query"
	"github.com/kancha/bus-go/internal/service/reservation"
)

type Services struct {
	Reservation *reservation.Service
	Payments    *payments.Service
	Query       *query.Service
	Admin       *admin.Service
}

type Config struct {
	Reservation reservation.Config
	Query       query.Config
}

func NewServices(
	store *postgres.Store,
	cache *redis.Cache,
	pubsub *redisx.SeatsPubSub,
	limiter *redis.SlidingWindowLimiter,
	timers *expiry.Scheduler,
	gateway payment.Gateway,
	idem *redis.IdempotencyStore,
	cfg Config,
	logger *slog.Logger,
) *Services {
	resv := reservation.NewService(
		store.Reservations(),
		store.Tickets(),
		timers,
		cache,
		pubsub,
		limiter,
		cfg.Reservation,
		logger,
	)

	return &Services{
		Reservation: resv,
		Payments: payments.NewService(
			store.Tickets(),
			store.Payments(),
			store.Reservations(),
			resv,
			gateway,
			idem,
			logger,
		),
		Query: query.NewService(
			store.Ledger(),
			store.Schedules(),
			store.Tickets(),
			cache,
			cfg.Query,
			logger,
		),
		Admin: admin.NewService(store.Schedules(), cache, logger),
	}
}
