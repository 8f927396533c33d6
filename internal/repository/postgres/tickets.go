package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kancha/bus-go/internal/domain"
)

type TicketRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *TicketRepo) With(db DB) *TicketRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *TicketRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

const ticketColumns = `id, booking_id, bus_id, travel_date, seats, passenger,
	price_cents, status, payment_status, reservation_id, created_at`

func (r *TicketRepo) Create(ctx context.Context, t *domain.Ticket) error {
	const op = "postgres.TicketRepo.Create"

	db := r.handle()

	passenger, err := json.Marshal(t.Passenger)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO tickets
		   (id, booking_id, bus_id, travel_date, seats, passenger,
		    price_cents, status, payment_status, reservation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.BookingID, t.BusID, t.TravelDate, t.Seats, passenger,
		t.PriceCents, string(t.Status), string(t.PaymentStatus),
		t.ReservationID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *TicketRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.Get"

	return r.one(ctx, op,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
}

func (r *TicketRepo) GetByBooking(ctx context.Context, bookingID string) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.GetByBooking"

	return r.one(ctx, op,
		`SELECT `+ticketColumns+` FROM tickets WHERE booking_id = $1`, bookingID)
}

func (r *TicketRepo) ByReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.ByReservation"

	return r.one(ctx, op,
		`SELECT `+ticketColumns+` FROM tickets WHERE reservation_id = $1`,
		reservationID)
}

// FindPaidBySeats looks for a paid or confirmed ticket on (busID, date)
// whose seat set overlaps the given seats. This is the guard the release
// and expire paths consult before giving seats back: inside a
// Serializable transaction its read is ordered against confirm's write.
//
// Returns repository.ErrNotFound when no such ticket exists.
func (r *TicketRepo) FindPaidBySeats(ctx context.Context, busID int64, date string, seats []string) (*domain.Ticket, error) {
	const op = "postgres.TicketRepo.FindPaidBySeats"

	return r.one(ctx, op,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seats && $3
		   AND (payment_status = 'paid' OR status = 'confirmed')
		 LIMIT 1`,
		busID, date, seats)
}

// MarkPaid transitions the ticket to confirmed/paid. Idempotent: a ticket
// already in that state is simply written again.
func (r *TicketRepo) MarkPaid(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.TicketRepo.MarkPaid"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE tickets
		 SET status = 'confirmed', payment_status = 'paid'
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkCanceled records a refund or cancellation outcome on the ticket.
func (r *TicketRepo) MarkCanceled(ctx context.Context, id uuid.UUID, payment domain.PaymentStatus) error {
	const op = "postgres.TicketRepo.MarkCanceled"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE tickets
		 SET status = 'canceled', payment_status = $2
		 WHERE id = $1`,
		id, string(payment),
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *TicketRepo) one(ctx context.Context, op, sql string, args ...any) (*domain.Ticket, error) {
	db := r.handle()

	var t domain.Ticket
	var status, paymentStatus string
	var passenger []byte
	err := db.QueryRow(ctx, sql, args...).Scan(
		&t.ID, &t.BookingID, &t.BusID, &t.TravelDate, &t.Seats, &passenger,
		&t.PriceCents, &status, &paymentStatus, &t.ReservationID, &t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	t.Status = domain.TicketStatus(status)
	t.PaymentStatus = domain.PaymentStatus(paymentStatus)

	if len(passenger) > 0 {
		if err := json.Unmarshal(passenger, &t.Passenger); err != nil {
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	}

	return &t, nil
}
