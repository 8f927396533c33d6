package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kancha/bus-go/internal/domain"
)

// ReservationRepo persists in-flight holds. Confirmed and released holds
// are deleted rather than kept: once a hold is resolved, seat ownership
// lives in the ledger and the ticket, not here.
type ReservationRepo struct {
	pool  *pgxpool.Pool
	store *Store
	db    DB
}

func (r *ReservationRepo) With(db DB) *ReservationRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ReservationRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *ReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	const op = "postgres.ReservationRepo.Create"

	db := r.handle()

	_, err := db.Exec(ctx,
		`INSERT INTO reservations
		   (id, bus_id, travel_date, seats, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.BusID, res.TravelDate, res.Seats,
		string(res.State), res.CreatedAt, res.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get retrieves a hold by ID.
//
// Returns repository.ErrNotFound when the hold is absent, which release
// and expire treat as already-resolved.
func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.Get"

	db := r.handle()

	var res domain.Reservation
	var state string
	err := db.QueryRow(ctx,
		`SELECT id, bus_id, travel_date, seats, state, ticket_id, created_at, expires_at
		 FROM reservations WHERE id = $1`,
		id,
	).Scan(
		&res.ID, &res.BusID, &res.TravelDate, &res.Seats,
		&state, &res.TicketID, &res.CreatedAt, &res.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	res.State = domain.HoldState(state)

	return &res, nil
}

// Delete removes a hold record. Deleting an already-deleted hold is not
// an error.
func (r *ReservationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "postgres.ReservationRepo.Delete"

	db := r.handle()

	if _, err := db.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkConfirmed stamps the hold with its ticket before deletion so that a
// crash between confirm steps still leaves a traceable record.
func (r *ReservationRepo) MarkConfirmed(ctx context.Context, id, ticketID uuid.UUID) error {
	const op = "postgres.ReservationRepo.MarkConfirmed"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE reservations
		 SET state = 'confirmed', ticket_id = $2
		 WHERE id = $1`,
		id, ticketID,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ByTicket finds the hold linked to a ticket, if any survives.
func (r *ReservationRepo) ByTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ByTicket"

	db := r.handle()

	var res domain.Reservation
	var state string
	err := db.QueryRow(ctx,
		`SELECT id, bus_id, travel_date, seats, state, ticket_id, created_at, expires_at
		 FROM reservations WHERE ticket_id = $1`,
		ticketID,
	).Scan(
		&res.ID, &res.BusID, &res.TravelDate, &res.Seats,
		&state, &res.TicketID, &res.CreatedAt, &res.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	res.State = domain.HoldState(state)

	return &res, nil
}

// ListActive returns all holds still in the active state, used to re-arm
// in-process timers after a restart.
func (r *ReservationRepo) ListActive(ctx context.Context) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListActive"

	return r.list(ctx, op,
		`SELECT id, bus_id, travel_date, seats, state, ticket_id, created_at, expires_at
		 FROM reservations
		 WHERE state = 'active'
		 ORDER BY expires_at`,
	)
}

// ListExpired returns active holds whose expiry passed before asOf. The
// reconciliation sweep feeds each of them back through the expire path.
func (r *ReservationRepo) ListExpired(ctx context.Context, asOf time.Time) ([]domain.Reservation, error) {
	const op = "postgres.ReservationRepo.ListExpired"

	return r.list(ctx, op,
		`SELECT id, bus_id, travel_date, seats, state, ticket_id, created_at, expires_at
		 FROM reservations
		 WHERE state = 'active' AND expires_at <= $1
		 ORDER BY expires_at`,
		asOf,
	)
}

func (r *ReservationRepo) list(ctx context.Context, op, sql string, args ...any) ([]domain.Reservation, error) {
	db := r.handle()

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		var state string
		if err := rows.Scan(
			&res.ID, &res.BusID, &res.TravelDate, &res.Seats,
			&state, &res.TicketID, &res.CreatedAt, &res.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		res.State = domain.HoldState(state)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}
