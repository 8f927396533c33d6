// Package query serves the read side: seat maps for a travel date, the
// date-keyed list of permanently booked seats, schedules and tickets.
// Reads go through the redis cache when one is wired; writes elsewhere
// invalidate it.
package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
	redisx "github.com/kancha/bus-go/internal/redis"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoSchedule   = errors.New("no schedule for bus")
	ErrInvalidInput = errors.New("invalid input")
)

// LedgerReader reads seat state. *postgres.LedgerRepo satisfies it.
type LedgerReader interface {
	State(ctx context.Context, busID int64, date string) (*domain.SeatState, error)
	PermanentByDate(ctx context.Context, busID int64) ([]domain.DateSeats, error)
}

// ScheduleReader loads bus schedules. *postgres.ScheduleRepo satisfies it.
type ScheduleReader interface {
	GetByBus(ctx context.Context, busID int64) (*domain.Schedule, error)
}

// TicketReader loads tickets. *postgres.TicketRepo satisfies it.
type TicketReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	GetByBooking(ctx context.Context, bookingID string) (*domain.Ticket, error)
}

type Config struct {
	SeatStateTTL time.Duration
	ScheduleTTL  time.Duration
}

type Service struct {
	ledger    LedgerReader
	schedules ScheduleReader
	tickets   TicketReader
	cache     *redisrepo.Cache
	cfg       Config
	logger    *slog.Logger
}

func NewService(
	ledger LedgerReader,
	schedules ScheduleReader,
	tickets TicketReader,
	cache *redisrepo.Cache,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:    ledger,
		schedules: schedules,
		tickets:   tickets,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
	}
}

// SeatView pairs the seat map with the permanently booked subset so one
// response answers both "what can I pick" and "what is gone for good".
type SeatView struct {
	BusID      int64              `json:"bus_id"`
	TravelDate string             `json:"travel_date"`
	Available  []string           `json:"available"`
	Booked     []string           `json:"booked"`
	Permanent  []domain.DateSeats `json:"permanently_booked"`
}

// Seats returns the seat map for a bus and travel date. Dates never
// touched by a hold fall back to the schedule's full seat list, all
// available. Cached per (bus, date) with a short TTL; every mutation
// invalidates.
func (s *Service) Seats(ctx context.Context, busID int64, date string) (*SeatView, error) {
	if busID <= 0 {
		return nil, ErrInvalidInput
	}

	normalized, err := domain.ParseDate(date)
	if err != nil {
		return nil, ErrInvalidInput
	}

	load := func(ctx context.Context) (*SeatView, error) {
		state, err := s.ledger.State(ctx, busID, normalized)
		if err != nil {
			return nil, err
		}

		perm, err := s.ledger.PermanentByDate(ctx, busID)
		if err != nil {
			return nil, err
		}

		return &SeatView{
			BusID:      busID,
			TravelDate: normalized,
			Available:  state.Available,
			Booked:     state.Booked,
			Permanent:  perm,
		}, nil
	}

	if s.cache == nil {
		view, err := load(ctx)
		return view, translateErr(err)
	}

	view, err := redisrepo.GetOrSetJSON(
		ctx, s.cache, redisx.KeySeatState(busID, normalized), s.cfg.SeatStateTTL, load,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	return view, nil
}

func (s *Service) Schedule(ctx context.Context, busID int64) (*domain.Schedule, error) {
	if busID <= 0 {
		return nil, ErrInvalidInput
	}

	load := func(ctx context.Context) (*domain.Schedule, error) {
		return s.schedules.GetByBus(ctx, busID)
	}

	if s.cache == nil {
		sched, err := load(ctx)
		return sched, translateErr(err)
	}

	sched, err := redisrepo.GetOrSetJSON(
		ctx, s.cache, redisx.KeySchedule(busID), s.cfg.ScheduleTTL, load,
	)
	if err != nil {
		return nil, translateErr(err)
	}

	return sched, nil
}

// Ticket resolves either a ticket UUID or a booking reference, whichever
// the caller holds.
func (s *Service) Ticket(ctx context.Context, idOrBooking string) (*domain.Ticket, error) {
	if idOrBooking == "" {
		return nil, ErrInvalidInput
	}

	if id, err := uuid.Parse(idOrBooking); err == nil {
		t, err := s.tickets.Get(ctx, id)
		return t, translateErr(err)
	}

	t, err := s.tickets.GetByBooking(ctx, idOrBooking)
	return t, translateErr(err)
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNoSchedule):
		return ErrNoSchedule
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	}
	return err
}
