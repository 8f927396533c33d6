package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
)

// The multi-table cores below are the atomicity boundary of the whole
// subsystem. Each runs inside one Serializable transaction spanning the
// seat ledger, the reservation record and (for release/confirm) the
// ticket lookup, so the check-then-mark sequence can never interleave
// with a concurrent writer on overlapping seats.

// CreateHold places a hold: seeds the date's seat rows, verifies none of
// the requested seats is taken, marks them held and records the
// reservation. The batch is all or nothing.
//
// Returns:
//   - *repository.SeatConflictError listing the exact unavailable seats.
//   - repository.ErrNoSchedule if the bus has no schedule.
func (r *ReservationRepo) CreateHold(
	ctx context.Context,
	busID int64,
	date string,
	seats []string,
	ttl time.Duration,
) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.CreateHold"

	if r.db != nil {
		res, err := r.createHoldCore(ctx, r.db, busID, date, seats, ttl)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		return res, nil
	}

	var res *domain.Reservation
	err := r.inTx(ctx, func(db DB) error {
		var err error
		res, err = r.createHoldCore(ctx, db, busID, date, seats, ttl)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return res, nil
}

// ReleaseHold runs the shared release/expire logic: no-op when the hold
// is already resolved, skip when a paid ticket owns the seats, otherwise
// return every non-permanent seat to available and drop the record.
// finalState distinguishes an explicit release from a timer expiry.
//
// Returns repository.ErrNotFound when the hold is absent; callers treat
// that as already-released.
func (r *ReservationRepo) ReleaseHold(
	ctx context.Context,
	id uuid.UUID,
	finalState domain.HoldState,
) (*domain.ReleaseOutcome, error) {
	const op = "postgres.ReservationRepo.ReleaseHold"

	if r.db != nil {
		out, err := r.releaseHoldCore(ctx, r.db, id, finalState)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		return out, nil
	}

	var out *domain.ReleaseOutcome
	err := r.inTx(ctx, func(db DB) error {
		var err error
		out, err = r.releaseHoldCore(ctx, db, id, finalState)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// ConfirmSeats makes a hold permanent after verified payment: the ticket
// flips to confirmed/paid, the seats to booked+permanent with the ticket
// stamped on them, and the hold record is removed. Safe to run more than
// once for the same payment signal.
func (r *ReservationRepo) ConfirmSeats(ctx context.Context, in domain.ConfirmInput) (*domain.ConfirmOutcome, error) {
	const op = "postgres.ReservationRepo.ConfirmSeats"

	if r.db != nil {
		out, err := r.confirmSeatsCore(ctx, r.db, in)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		return out, nil
	}

	var out *domain.ConfirmOutcome
	err := r.inTx(ctx, func(db DB) error {
		var err error
		out, err = r.confirmSeatsCore(ctx, db, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// RefundSeats reverses a confirmed booking after the gateway reports a
// refund or cancellation: the permanence flag comes off, seats return to
// available and the ticket is canceled. The permanent-seat exclusion does
// not apply here; payment did not stand.
func (r *ReservationRepo) RefundSeats(
	ctx context.Context,
	ticketID uuid.UUID,
	payment domain.PaymentStatus,
) (*domain.ConfirmOutcome, error) {
	const op = "postgres.ReservationRepo.RefundSeats"

	if r.db != nil {
		out, err := r.refundSeatsCore(ctx, r.db, ticketID, payment)
		if err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
		return out, nil
	}

	var out *domain.ConfirmOutcome
	err := r.inTx(ctx, func(db DB) error {
		var err error
		out, err = r.refundSeatsCore(ctx, db, ticketID, payment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// inTx runs fn in a Serializable transaction, retrying serialization
// failures. Two holds racing for disjoint seats on the same date can
// trip 40001 even though both deserve to succeed.
func (r *ReservationRepo) inTx(ctx context.Context, fn func(db DB) error) error {
	store := r.store
	if store == nil {
		store = &Store{pool: r.pool}
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = store.RunTx(ctx, nil, func(ctx context.Context, tx DB) error {
			return fn(tx)
		})
		if err == nil || !IsRetryable(err) {
			break
		}
	}
	if err != nil {
		return translateDBErr(err)
	}

	return nil
}

func (r *ReservationRepo) createHoldCore(
	ctx context.Context,
	db DB,
	busID int64,
	date string,
	seats []string,
	ttl time.Duration,
) (*domain.Reservation, error) {
	ledger := (&LedgerRepo{pool: r.pool}).With(db)

	if err := ledger.EnsureDate(ctx, busID, date); err != nil {
		return nil, err
	}

	conflicts, err := ledger.Unavailable(ctx, busID, date, seats)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &repository.SeatConflictError{Seats: conflicts}
	}

	now := time.Now()
	res := &domain.Reservation{
		ID:         uuid.New(),
		BusID:      busID,
		TravelDate: date,
		Seats:      seats,
		State:      domain.HoldActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	if err := ledger.MarkHeld(ctx, busID, date, seats, res.ID); err != nil {
		return nil, err
	}

	if err := r.With(db).Create(ctx, res); err != nil {
		return nil, err
	}

	return res, nil
}

func (r *ReservationRepo) releaseHoldCore(
	ctx context.Context,
	db DB,
	id uuid.UUID,
	finalState domain.HoldState,
) (*domain.ReleaseOutcome, error) {
	self := r.With(db)

	res, err := self.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if res.State != domain.HoldActive {
		if err := self.Delete(ctx, id); err != nil {
			return nil, err
		}
		return &domain.ReleaseOutcome{Reservation: res, AlreadyDone: true}, nil
	}

	ledger := (&LedgerRepo{pool: r.pool}).With(db)
	tickets := (&TicketRepo{pool: r.pool}).With(db)

	// The race this subsystem exists to resolve: a confirm may have paid
	// for these seats moments ago. Reading the ticket in the same
	// Serializable transaction as the release guarantees we see it.
	paid, err := tickets.FindPaidBySeats(ctx, res.BusID, res.TravelDate, res.Seats)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if paid != nil {
		owned := intersect(res.Seats, paid.Seats)
		if len(owned) > 0 {
			if err := ledger.MarkBookedPermanent(
				ctx, res.BusID, res.TravelDate, owned, &paid.ID, paid.BookingID,
			); err != nil {
				return nil, err
			}
		}
		if err := self.Delete(ctx, id); err != nil {
			return nil, err
		}
		return &domain.ReleaseOutcome{Reservation: res, SkippedPaid: true}, nil
	}

	perm, err := ledger.PermanentlyBooked(ctx, res.BusID, res.TravelDate, res.Seats)
	if err != nil {
		return nil, err
	}

	toRelease := subtract(res.Seats, perm)

	var released []string
	if len(toRelease) > 0 {
		released, err = ledger.MarkAvailable(ctx, res.BusID, res.TravelDate, toRelease)
		if err != nil {
			return nil, err
		}
	}

	if err := self.Delete(ctx, id); err != nil {
		return nil, err
	}

	res.State = finalState

	return &domain.ReleaseOutcome{
		Reservation: res,
		Released:    released,
		Excluded:    perm,
	}, nil
}

func (r *ReservationRepo) confirmSeatsCore(
	ctx context.Context,
	db DB,
	in domain.ConfirmInput,
) (*domain.ConfirmOutcome, error) {
	self := r.With(db)
	ledger := (&LedgerRepo{pool: r.pool}).With(db)
	tickets := (&TicketRepo{pool: r.pool}).With(db)

	var res *domain.Reservation
	var err error

	if in.ReservationID != nil {
		res, err = self.Get(ctx, *in.ReservationID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if res == nil && in.TicketID != nil {
		res, err = self.ByTicket(ctx, *in.TicketID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	var ticket *domain.Ticket
	switch {
	case in.TicketID != nil:
		ticket, err = tickets.Get(ctx, *in.TicketID)
		if err != nil {
			return nil, err
		}
	case res != nil && res.TicketID != nil:
		ticket, err = tickets.Get(ctx, *res.TicketID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	case res != nil:
		ticket, err = tickets.ByReservation(ctx, res.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	// With neither a surviving hold nor a ticket there is nothing to pin
	// the seats to.
	if res == nil && ticket == nil {
		return nil, repository.ErrHoldNotFound
	}

	out := &domain.ConfirmOutcome{BusID: in.BusID, TravelDate: in.TravelDate, Seats: in.Seats}
	if ticket != nil {
		out.AlreadyConfirmed = ticket.Paid()
		out.TicketID = &ticket.ID
		out.BookingID = ticket.BookingID
		if out.BusID == 0 {
			out.BusID = ticket.BusID
		}
		if out.TravelDate == "" {
			out.TravelDate = ticket.TravelDate
		}
		if len(out.Seats) == 0 {
			out.Seats = ticket.Seats
		}
	}
	if res != nil {
		if out.BusID == 0 {
			out.BusID = res.BusID
		}
		if out.TravelDate == "" {
			out.TravelDate = res.TravelDate
		}
		if len(out.Seats) == 0 {
			out.Seats = res.Seats
		}
	}

	if ticket != nil {
		if err := tickets.MarkPaid(ctx, ticket.ID); err != nil {
			return nil, err
		}
	}

	// Re-running this over already-permanent seats changes nothing, which
	// is what makes redelivered payment signals safe.
	if err := ledger.MarkBookedPermanent(
		ctx, out.BusID, out.TravelDate, out.Seats, out.TicketID, out.BookingID,
	); err != nil {
		return nil, err
	}

	if res != nil {
		if out.TicketID != nil {
			if err := self.MarkConfirmed(ctx, res.ID, *out.TicketID); err != nil {
				return nil, err
			}
		}
		if err := self.Delete(ctx, res.ID); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (r *ReservationRepo) refundSeatsCore(
	ctx context.Context,
	db DB,
	ticketID uuid.UUID,
	payment domain.PaymentStatus,
) (*domain.ConfirmOutcome, error) {
	self := r.With(db)
	ledger := (&LedgerRepo{pool: r.pool}).With(db)
	tickets := (&TicketRepo{pool: r.pool}).With(db)

	ticket, err := tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if err := ledger.ClearPermanent(
		ctx, ticket.BusID, ticket.TravelDate, ticket.Seats, ticket.ID,
	); err != nil {
		return nil, err
	}

	if err := tickets.MarkCanceled(ctx, ticket.ID, payment); err != nil {
		return nil, err
	}

	if res, err := self.ByTicket(ctx, ticket.ID); err == nil {
		if err := self.Delete(ctx, res.ID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return &domain.ConfirmOutcome{
		BusID:      ticket.BusID,
		TravelDate: ticket.TravelDate,
		Seats:      ticket.Seats,
		TicketID:   &ticket.ID,
		BookingID:  ticket.BookingID,
	}, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}

	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}

	var out []string
	for _, s := range a {
		if _, ok := set[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
