// Package payments bridges the asynchronous payment gateway to the hold
// lifecycle. Initiate records a pending ticket and its gateway reference
// while the hold keeps ticking; Verify asks the gateway what actually
// happened to the charge and turns the answer into a confirm, a refund
// or nothing at all.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/payment"
	"github.com/kancha/bus-go/internal/repository"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
)

var (
	// ErrPaymentNotFound is returned when no payment record matches the
	// gateway reference.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrReservationExpired is returned when payment is initiated against
	// a hold that already ran out.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrVerifyInFlight is returned when the same reference is being
	// verified by a concurrent request.
	ErrVerifyInFlight = errors.New("verification already in progress")
	// ErrInvalidInput is returned for malformed initiate requests.
	ErrInvalidInput = errors.New("invalid input")
)

// TicketStore is the ticket persistence surface. *postgres.TicketRepo
// satisfies it.
type TicketStore interface {
	Create(ctx context.Context, t *domain.Ticket) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	MarkCanceled(ctx context.Context, id uuid.UUID, payment domain.PaymentStatus) error
}

// PaymentStore is the payment-record persistence surface.
// *postgres.PaymentRepo satisfies it.
type PaymentStore interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByRef(ctx context.Context, ref string) (*domain.Payment, error)
	MarkCompleted(ctx context.Context, ref, transactionID string, paidAt time.Time) error
	MarkStatus(ctx context.Context, ref, status string) error
}

// HoldReader loads the hold a payment is initiated against.
type HoldReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
}

// Booker applies verified payment outcomes to seat state. The
// reservation service satisfies it.
type Booker interface {
	Confirm(ctx context.Context, in domain.ConfirmInput) (*domain.ConfirmOutcome, error)
	ConfirmRefund(ctx context.Context, ticketID uuid.UUID, payment domain.PaymentStatus) (*domain.ConfirmOutcome, error)
	Release(ctx context.Context, id uuid.UUID) (*domain.ReleaseOutcome, error)
}

type Service struct {
	tickets  TicketStore
	payments PaymentStore
	holds    HoldReader
	booker   Booker
	gateway  payment.Gateway
	idem     *redisrepo.IdempotencyStore
	logger   *slog.Logger
}

func NewService(
	tickets TicketStore,
	payments PaymentStore,
	holds HoldReader,
	booker Booker,
	gateway payment.Gateway,
	idem *redisrepo.IdempotencyStore,
	logger *slog.Logger,
) *Service {
	return &Service{
		tickets:  tickets,
		payments: payments,
		holds:    holds,
		booker:   booker,
		gateway:  gateway,
		idem:     idem,
		logger:   logger,
	}
}

type InitiateInput struct {
	ReservationID uuid.UUID
	Ref           string
	AmountCents   int64
	Passenger     domain.Passenger
}

// Initiate records a pending ticket for the hold and links it to the
// gateway reference the client will pay against. The hold keeps its TTL;
// only a verified payment stops the clock.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*domain.Ticket, error) {
	if in.Ref == "" || in.Passenger.Name == "" {
		return nil, ErrInvalidInput
	}

	res, err := s.holds.Get(ctx, in.ReservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrReservationExpired
		}
		return nil, err
	}

	if res.State != domain.HoldActive || res.Expired(time.Now()) {
		return nil, ErrReservationExpired
	}

	ticket := &domain.Ticket{
		ID:            uuid.New(),
		BookingID:     domain.NewBookingID(),
		BusID:         res.BusID,
		TravelDate:    res.TravelDate,
		Seats:         res.Seats,
		Passenger:     in.Passenger,
		PriceCents:    in.AmountCents,
		Status:        domain.TicketPending,
		PaymentStatus: domain.PaymentPending,
		ReservationID: &res.ID,
		CreatedAt:     time.Now(),
	}

	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, err
	}

	if err := s.payments.Create(ctx, &domain.Payment{
		Ref:           in.Ref,
		TicketID:      ticket.ID,
		ReservationID: &res.ID,
		AmountCents:   in.AmountCents,
		Status:        domain.PaymentRecInitiated,
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, err
	}

	s.logger.Info("payment initiated",
		"ref", in.Ref,
		"ticket_id", ticket.ID,
		"booking_id", ticket.BookingID,
		"reservation_id", res.ID,
	)

	return ticket, nil
}

// VerifyResult reports what verification concluded and, when the charge
// went through, which booking it produced.
type VerifyResult struct {
	Outcome          payment.Outcome `json:"outcome"`
	TicketID         uuid.UUID       `json:"ticket_id"`
	BookingID        string          `json:"booking_id,omitempty"`
	BusID            int64           `json:"bus_id"`
	TravelDate       string          `json:"travel_date"`
	Seats            []string        `json:"seats"`
	AlreadyConfirmed bool            `json:"already_confirmed,omitempty"`
}

// Verify asks the gateway for the real state of the charge and applies
// it. Completed confirms the booking, refund-class outcomes cancel it,
// pending leaves the hold running toward its TTL. The reference never
// trusts the client: only the gateway's answer moves seat state.
//
// Verify is safe to call repeatedly for the same reference. A completed
// payment record whose ticket is paid short-circuits redelivered
// completions, and a redis lock collapses concurrent calls.
func (s *Service) Verify(ctx context.Context, ref string) (*VerifyResult, error) {
	if ref == "" {
		return nil, ErrInvalidInput
	}

	if s.idem != nil {
		if cached, done, err := s.cachedResult(ctx, ref); err != nil {
			s.logger.Warn("idempotency read failed", "ref", ref, "error", err)
		} else if done {
			return cached, nil
		}
	}

	pay, err := s.payments.GetByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if pay.Status == domain.PaymentRecCompleted {
		ticket, err := s.tickets.Get(ctx, pay.TicketID)
		if err != nil {
			return nil, err
		}
		if ticket.Paid() {
			return &VerifyResult{
				Outcome:          payment.OutcomeCompleted,
				TicketID:         ticket.ID,
				BookingID:        ticket.BookingID,
				BusID:            ticket.BusID,
				TravelDate:       ticket.TravelDate,
				Seats:            ticket.Seats,
				AlreadyConfirmed: true,
			}, nil
		}
		// Completed record but an unpaid ticket: the confirm failed after
		// the status write. Re-drive it; Confirm is idempotent.
		return s.confirmCompleted(ctx, pay)
	}

	var unlock func()
	if s.idem != nil {
		ok, err := s.idem.AcquireLock(ctx, redisrepo.KeyIdemVerify(ref), 30*time.Second)
		if err != nil {
			s.logger.Warn("idempotency lock failed", "ref", ref, "error", err)
		} else if !ok {
			return nil, ErrVerifyInFlight
		} else {
			unlock = func() {
				if err := s.idem.Release(context.WithoutCancel(ctx), redisrepo.KeyIdemVerify(ref)); err != nil {
					s.logger.Warn("idempotency unlock failed", "ref", ref, "error", err)
				}
			}
		}
	}

	looked, err := s.gateway.Lookup(ctx, ref)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, err
	}

	result, err := s.applyOutcome(ctx, pay, looked)
	if err != nil {
		if unlock != nil {
			unlock()
		}
		return nil, err
	}

	if s.idem != nil && result.Outcome != payment.OutcomePending {
		if body, err := json.Marshal(result); err == nil {
			if err := s.idem.SaveResult(ctx, redisrepo.KeyIdemVerify(ref), string(body)); err != nil {
				s.logger.Warn("idempotency save failed", "ref", ref, "error", err)
			}
		}
	} else if unlock != nil {
		// Pending stays retryable.
		unlock()
	}

	return result, nil
}

func (s *Service) applyOutcome(ctx context.Context, pay *domain.Payment, looked *payment.Result) (*VerifyResult, error) {
	switch looked.Outcome {
	case payment.OutcomeCompleted:
		if err := s.payments.MarkCompleted(ctx, pay.Ref, looked.TransactionID, time.Now()); err != nil {
			return nil, err
		}
		return s.confirmCompleted(ctx, pay)

	case payment.OutcomePending:
		s.logger.Info("payment still pending", "ref", pay.Ref)
		return s.resultFromTicket(ctx, pay, payment.OutcomePending, false)

	case payment.OutcomeRefunded:
		return s.cancel(ctx, pay, payment.OutcomeRefunded, domain.PaymentRefunded, domain.PaymentRecRefunded)

	case payment.OutcomeExpired, payment.OutcomeCanceled:
		return s.cancel(ctx, pay, looked.Outcome, domain.PaymentCanceled, domain.PaymentRecCanceled)
	}

	return nil, payment.ErrUnknownOutcome
}

// confirmCompleted applies a completed charge to seat state. Until the
// ticket reports Paid the seats are not safe from expiry, so a failure
// here must stay retryable: every redelivered Verify of the reference
// lands back here until Confirm succeeds.
func (s *Service) confirmCompleted(ctx context.Context, pay *domain.Payment) (*VerifyResult, error) {
	out, err := s.booker.Confirm(ctx, domain.ConfirmInput{
		ReservationID: pay.ReservationID,
		TicketID:      &pay.TicketID,
	})
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		Outcome:          payment.OutcomeCompleted,
		TicketID:         pay.TicketID,
		BookingID:        out.BookingID,
		BusID:            out.BusID,
		TravelDate:       out.TravelDate,
		Seats:            out.Seats,
		AlreadyConfirmed: out.AlreadyConfirmed,
	}, nil
}

// cancel disposes of a charge that will never complete. A paid ticket is
// refunded seat by seat; an unpaid one is canceled and its hold released
// so the seats go back on sale immediately instead of waiting out the
// TTL.
func (s *Service) cancel(
	ctx context.Context,
	pay *domain.Payment,
	outcome payment.Outcome,
	payStatus domain.PaymentStatus,
	recStatus string,
) (*VerifyResult, error) {
	if err := s.payments.MarkStatus(ctx, pay.Ref, recStatus); err != nil {
		return nil, err
	}

	ticket, err := s.tickets.Get(ctx, pay.TicketID)
	if err != nil {
		return nil, err
	}

	if ticket.Paid() {
		out, err := s.booker.ConfirmRefund(ctx, ticket.ID, payStatus)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{
			Outcome:    outcome,
			TicketID:   ticket.ID,
			BookingID:  ticket.BookingID,
			BusID:      out.BusID,
			TravelDate: out.TravelDate,
			Seats:      out.Seats,
		}, nil
	}

	if err := s.tickets.MarkCanceled(ctx, ticket.ID, payStatus); err != nil {
		return nil, err
	}

	if pay.ReservationID != nil {
		if _, err := s.booker.Release(ctx, *pay.ReservationID); err != nil {
			s.logger.Error("release after canceled payment failed",
				"ref", pay.Ref, "reservation_id", *pay.ReservationID, "error", err)
		}
	}

	s.logger.Info("payment canceled",
		"ref", pay.Ref, "outcome", outcome, "ticket_id", ticket.ID)

	return &VerifyResult{
		Outcome:    outcome,
		TicketID:   ticket.ID,
		BookingID:  ticket.BookingID,
		BusID:      ticket.BusID,
		TravelDate: ticket.TravelDate,
		Seats:      ticket.Seats,
	}, nil
}

func (s *Service) resultFromTicket(ctx context.Context, pay *domain.Payment, outcome payment.Outcome, confirmed bool) (*VerifyResult, error) {
	ticket, err := s.tickets.Get(ctx, pay.TicketID)
	if err != nil {
		return nil, err
	}

	return &VerifyResult{
		Outcome:          outcome,
		TicketID:         ticket.ID,
		BookingID:        ticket.BookingID,
		BusID:            ticket.BusID,
		TravelDate:       ticket.TravelDate,
		Seats:            ticket.Seats,
		AlreadyConfirmed: confirmed,
	}, nil
}

func (s *Service) cachedResult(ctx context.Context, ref string) (*VerifyResult, bool, error) {
	body, ok, err := s.idem.GetResult(ctx, redisrepo.KeyIdemVerify(ref))
	if err != nil || !ok {
		return nil, false, err
	}

	var result VerifyResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, false, err
	}

	return &result, true, nil
}
