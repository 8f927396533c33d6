// Package reservation implements the hold lifecycle: seats are held for a
// limited time, then either confirmed by a verified payment or returned
// to the pool by an explicit release, an in-process expiry timer, or the
// periodic reconciliation sweep. All state transitions go through the
// transactional store; this layer adds validation, timers, rate limiting
// and cache/event side effects.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
)

// HoldStore is the transactional persistence surface the manager drives.
// *postgres.ReservationRepo satisfies it.
type HoldStore interface {
	CreateHold(ctx context.Context, busID int64, date string, seats []string, ttl time.Duration) (*domain.Reservation, error)
	ReleaseHold(ctx context.Context, id uuid.UUID, finalState domain.HoldState) (*domain.ReleaseOutcome, error)
	ConfirmSeats(ctx context.Context, in domain.ConfirmInput) (*domain.ConfirmOutcome, error)
	RefundSeats(ctx context.Context, ticketID uuid.UUID, payment domain.PaymentStatus) (*domain.ConfirmOutcome, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	ListActive(ctx context.Context) ([]domain.Reservation, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]domain.Reservation, error)
}

// TicketReader answers the paid-seats question for status reads.
type TicketReader interface {
	FindPaidBySeats(ctx context.Context, busID int64, date string, seats []string) (*domain.Ticket, error)
}

// Timers is the in-process expiry scheduler. *expiry.Scheduler satisfies
// it.
type Timers interface {
	Arm(id uuid.UUID, ttl time.Duration)
	Cancel(id uuid.UUID) bool
}

type Config struct {
	TTL        time.Duration
	SweepGrace time.Duration
}

type Service struct {
	store   HoldStore
	tickets TicketReader
	timers  Timers
	cache   *redisrepo.Cache
	pubsub  SeatsPublisher
	limiter *redisrepo.SlidingWindowLimiter
	cfg     Config
	logger  *slog.Logger
}

// SeatsPublisher fans seat changes out to interested listeners. May be
// nil when eventing is disabled.
type SeatsPublisher interface {
	PublishSeatsChanged(ctx context.Context, busID int64, date string) error
}

func NewService(
	store HoldStore,
	tickets TicketReader,
	timers Timers,
	cache *redisrepo.Cache,
	pubsub SeatsPublisher,
	limiter *redisrepo.SlidingWindowLimiter,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:   store,
		tickets: tickets,
		timers:  timers,
		cache:   cache,
		pubsub:  pubsub,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

type ReserveInput struct {
	BusID      int64
	TravelDate string
	Seats      []string
	// LimitKey scopes rate limiting, typically the client IP.
	LimitKey string
}

// Reserve places a time-limited hold on the requested seats and arms its
// expiry timer. Every seat must be free; on conflict the hold is not
// created and *SeatConflictError lists the unavailable seats.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (*domain.Reservation, error) {
	date, seats, err := validateRequest(in.BusID, in.TravelDate, in.Seats)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && in.LimitKey != "" {
		allowed, _, retryAfter, err := s.limiter.Allow(ctx, in.LimitKey)
		if err != nil {
			// The limiter is protection, not a dependency. Losing redis
			// must not take reservations down with it.
			s.logger.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			return nil, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	res, err := s.store.CreateHold(ctx, in.BusID, date, seats, s.cfg.TTL)
	if err != nil {
		return nil, translateErr(err)
	}

	s.timers.Arm(res.ID, s.cfg.TTL)
	s.seatsChanged(ctx, res.BusID, res.TravelDate)

	s.logger.Info("hold placed",
		"reservation_id", res.ID,
		"bus_id", res.BusID,
		"travel_date", res.TravelDate,
		"seats", res.Seats,
		"expires_at", res.ExpiresAt,
	)

	return res, nil
}

// StatusView is the client-facing picture of a hold.
type StatusView struct {
	Reservation      *domain.Reservation
	RemainingSeconds int64
	Expired          bool
	Paid             bool
}

// Status reports a hold's remaining lifetime and whether a paid ticket
// already covers its seats. A hold past its TTL but not yet swept reads
// as expired with zero remaining time.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	res, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, translateErr(err)
	}

	now := time.Now()
	view := &StatusView{
		Reservation:      res,
		RemainingSeconds: int64(res.Remaining(now).Seconds()),
		Expired:          res.State != domain.HoldActive || res.Expired(now),
	}

	paid, err := s.tickets.FindPaidBySeats(ctx, res.BusID, res.TravelDate, res.Seats)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, translateErr(err)
	}
	view.Paid = paid != nil

	return view, nil
}

// Release gives the seats back before the TTL runs out. Releasing a hold
// that no longer exists, or whose seats a paid ticket now owns, succeeds
// without touching seat state.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (*domain.ReleaseOutcome, error) {
	s.timers.Cancel(id)

	out, err := s.store.ReleaseHold(ctx, id, domain.HoldReleased)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.ReleaseOutcome{AlreadyDone: true}, nil
		}
		return nil, translateErr(err)
	}

	s.afterRelease(ctx, out, "hold released")

	return out, nil
}

// HandleExpiry is the timer callback. It never returns an error: a timer
// firing has no caller to report to, so failures are logged and left for
// the sweep.
func (s *Service) HandleExpiry(ctx context.Context, id uuid.UUID) {
	res, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("expiry: load failed", "reservation_id", id, "error", err)
		}
		return
	}

	// The durable expires_at wins over the timer. A clock or re-arm skew
	// that fired early just re-arms for the remainder.
	if remaining := res.Remaining(time.Now()); remaining > 0 {
		s.timers.Arm(id, remaining)
		return
	}

	out, err := s.store.ReleaseHold(ctx, id, domain.HoldExpired)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("expiry: release failed", "reservation_id", id, "error", err)
		}
		return
	}

	s.afterRelease(ctx, out, "hold expired")
}

// SweepExpired releases every hold whose TTL passed more than the grace
// period ago. It backs up the in-process timers, which are lost on
// restart and can be starved under load. Returns how many holds it
// resolved.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, time.Now().Add(-s.cfg.SweepGrace))
	if err != nil {
		return 0, translateErr(err)
	}

	var n int
	for _, res := range expired {
		s.timers.Cancel(res.ID)

		out, err := s.store.ReleaseHold(ctx, res.ID, domain.HoldExpired)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			s.logger.Error("sweep: release failed", "reservation_id", res.ID, "error", err)
			continue
		}

		if !out.AlreadyDone {
			n++
		}
		s.afterRelease(ctx, out, "hold swept")
	}

	return n, nil
}

// RearmActive restores in-process timers from durable state after a
// restart. Holds already past their TTL get an immediate firing.
func (s *Service) RearmActive(ctx context.Context) error {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return translateErr(err)
	}

	now := time.Now()
	for _, res := range active {
		s.timers.Arm(res.ID, res.Remaining(now))
	}

	if len(active) > 0 {
		s.logger.Info("re-armed expiry timers", "count", len(active))
	}

	return nil
}

// Confirm makes a hold permanent after the payment gateway verified the
// charge. It is the step that wins the race against expiry: once the
// ticket is paid inside this transaction, any concurrent or later release
// sees it and leaves the seats booked.
func (s *Service) Confirm(ctx context.Context, in domain.ConfirmInput) (*domain.ConfirmOutcome, error) {
	if in.ReservationID != nil {
		s.timers.Cancel(*in.ReservationID)
	}

	out, err := s.store.ConfirmSeats(ctx, in)
	if err != nil {
		return nil, translateErr(err)
	}

	s.seatsChanged(ctx, out.BusID, out.TravelDate)

	s.logger.Info("hold confirmed",
		"bus_id", out.BusID,
		"travel_date", out.TravelDate,
		"seats", out.Seats,
		"booking_id", out.BookingID,
		"already_confirmed", out.AlreadyConfirmed,
	)

	return out, nil
}

// ConfirmRefund undoes a confirmed booking after the gateway reported a
// refund, expiry or cancellation of the payment.
func (s *Service) ConfirmRefund(ctx context.Context, ticketID uuid.UUID, payment domain.PaymentStatus) (*domain.ConfirmOutcome, error) {
	out, err := s.store.RefundSeats(ctx, ticketID, payment)
	if err != nil {
		return nil, translateErr(err)
	}

	s.seatsChanged(ctx, out.BusID, out.TravelDate)

	s.logger.Info("booking refunded",
		"ticket_id", ticketID,
		"bus_id", out.BusID,
		"travel_date", out.TravelDate,
		"seats", out.Seats,
	)

	return out, nil
}

func (s *Service) afterRelease(ctx context.Context, out *domain.ReleaseOutcome, msg string) {
	if out.AlreadyDone {
		return
	}

	res := out.Reservation

	if out.SkippedPaid {
		s.logger.Info("release skipped, seats paid",
			"reservation_id", res.ID,
			"bus_id", res.BusID,
			"travel_date", res.TravelDate,
			"seats", res.Seats,
		)
		return
	}

	if len(out.Released) > 0 {
		s.seatsChanged(ctx, res.BusID, res.TravelDate)
	}

	s.logger.Info(msg,
		"reservation_id", res.ID,
		"bus_id", res.BusID,
		"travel_date", res.TravelDate,
		"released", out.Released,
		"kept_permanent", out.Excluded,
	)
}

func (s *Service) seatsChanged(ctx context.Context, busID int64, date string) {
	if s.cache != nil {
		if err := s.cache.InvalidateSeatState(ctx, busID, date); err != nil {
			s.logger.Warn("seat state cache invalidation failed",
				"bus_id", busID, "travel_date", date, "error", err)
		}
	}
	if s.pubsub != nil {
		if err := s.pubsub.PublishSeatsChanged(ctx, busID, date); err != nil {
			s.logger.Warn("seat change publish failed",
				"bus_id", busID, "travel_date", date, "error", err)
		}
	}
}

func validateRequest(busID int64, date string, seats []string) (string, []string, error) {
	if busID <= 0 {
		return "", nil, ErrInvalidInput
	}

	normalized, err := domain.ParseDate(date)
	if err != nil {
		return "", nil, ErrInvalidInput
	}

	if len(seats) == 0 {
		return "", nil, ErrInvalidInput
	}

	clean := make([]string, 0, len(seats))
	for _, seat := range seats {
		seat = strings.TrimSpace(seat)
		if seat == "" {
			return "", nil, ErrInvalidInput
		}
		clean = append(clean, seat)
	}

	slices.Sort(clean)
	if len(slices.Compact(slices.Clone(clean))) != len(clean) {
		return "", nil, ErrInvalidInput
	}

	return normalized, clean, nil
}

func translateErr(err error) error {
	var conflict *repository.SeatConflictError
	if errors.As(err, &conflict) {
		return &SeatConflictError{Seats: conflict.Seats}
	}

	switch {
	case errors.Is(err, repository.ErrNoSchedule):
		return ErrNoSchedule
	case errors.Is(err, repository.ErrHoldNotFound),
		errors.Is(err, repository.ErrNotFound):
		return ErrReservationNotFound
	}

	return err
}
