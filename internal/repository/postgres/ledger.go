package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
)

// LedgerRepo is the single source of truth for date-scoped seat state.
// One row per (bus, travel date, seat label); rows for a date are seeded
// lazily from the bus-global inventory on schedules the first time the
// date is touched. Every status change is a conditional update checked
// via RowsAffected, so two writers can never both move the same seat.
type LedgerRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *LedgerRepo) With(db DB) *LedgerRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *LedgerRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// EnsureDate seeds the seat rows for (busID, date) from the schedule's
// global inventory. Existing rows are left untouched.
//
// Returns repository.ErrNoSchedule if the bus has no schedule.
func (r *LedgerRepo) EnsureDate(ctx context.Context, busID int64, date string) error {
	const op = "postgres.LedgerRepo.EnsureDate"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`INSERT INTO schedule_seats (bus_id, travel_date, seat_label, status)
		 SELECT s.bus_id, $2, unnest(s.seat_labels), 'available'
		 FROM schedules s
		 WHERE s.bus_id = $1
		 ON CONFLICT (bus_id, travel_date, seat_label) DO NOTHING`,
		busID, date,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		var n int64
		err := db.QueryRow(ctx,
			`SELECT count(*) FROM schedule_seats
			 WHERE bus_id = $1 AND travel_date = $2`,
			busID, date,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		if n == 0 {
			return fmt.Errorf("%s:%w", op, repository.ErrNoSchedule)
		}
	}

	return nil
}

// State reads the seat buckets for (busID, date). When no date rows exist
// yet it falls back to the bus-global inventory, reported fully available.
func (r *LedgerRepo) State(ctx context.Context, busID int64, date string) (*domain.SeatState, error) {
	const op = "postgres.LedgerRepo.State"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT seat_label, status FROM schedule_seats
		 WHERE bus_id = $1 AND travel_date = $2
		 ORDER BY seat_label`,
		busID, date,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var st domain.SeatState
	for rows.Next() {
		var label, status string
		if err := rows.Scan(&label, &status); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		if domain.SeatStatus(status) == domain.SeatAvailable {
			st.Available = append(st.Available, label)
		} else {
			st.Booked = append(st.Booked, label)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if len(st.Available) > 0 || len(st.Booked) > 0 {
		return &st, nil
	}

	// No date entry yet: the global inventory is the default state.
	var labels []string
	err = db.QueryRow(ctx,
		`SELECT seat_labels FROM schedules WHERE bus_id = $1`,
		busID,
	).Scan(&labels)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	st.Available = labels

	return &st, nil
}

// Unavailable returns the subset of seats that is not currently available
// on (busID, date). Permanently booked seats are always in this set.
func (r *LedgerRepo) Unavailable(ctx context.Context, busID int64, date string, seats []string) ([]string, error) {
	const op = "postgres.LedgerRepo.Unavailable"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT seat_label FROM schedule_seats
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)
		   AND (status <> 'available' OR permanent)
		 ORDER BY seat_label`,
		busID, date, seats,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// MarkHeld transitions the given seats available -> held for a
// reservation. The WHERE clause is the mutual-exclusion point: a seat
// grabbed by a concurrent reservation no longer matches, the row count
// comes up short, and the whole batch fails with the exact conflicting
// seats. All-or-nothing only inside a transaction, which is how the
// reservation store calls it.
func (r *LedgerRepo) MarkHeld(ctx context.Context, busID int64, date string, seats []string, reservationID uuid.UUID) error {
	const op = "postgres.LedgerRepo.MarkHeld"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE schedule_seats
		 SET status = 'held', reservation_id = $4, updated_at = now()
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)
		   AND status = 'available'
		   AND NOT permanent`,
		busID, date, seats, reservationID,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if int(tag.RowsAffected()) != len(seats) {
		conflicts, cerr := r.Unavailable(ctx, busID, date, seats)
		if cerr != nil || len(conflicts) == 0 {
			return fmt.Errorf("%s:%w", op, repository.ErrSeatsUnavailable)
		}
		return fmt.Errorf("%s:%w", op, &repository.SeatConflictError{Seats: conflicts})
	}

	return nil
}

// MarkAvailable releases held seats back to available. The WHERE clause
// skips permanently booked rows. The returned labels are the seats
// actually released; the caller treats the difference as excluded, not
// as an error.
func (r *LedgerRepo) MarkAvailable(ctx context.Context, busID int64, date string, seats []string) ([]string, error) {
	const op = "postgres.LedgerRepo.MarkAvailable"

	db := r.handle()

	rows, err := db.Query(ctx,
		`UPDATE schedule_seats
		 SET status = 'available', reservation_id = NULL, updated_at = now()
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)
		   AND status = 'held'
		   AND NOT permanent
		 RETURNING seat_label`,
		busID, date, seats,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var released []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		released = append(released, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return released, nil
}

// MarkBookedPermanent transitions seats to booked and flags them
// permanent, stamping the owning ticket and booking reference for
// traceability. Re-running it over already-permanent seats is a no-op,
// which is what makes confirm safe to redeliver.
func (r *LedgerRepo) MarkBookedPermanent(
	ctx context.Context,
	busID int64,
	date string,
	seats []string,
	ticketID *uuid.UUID,
	bookingID string,
) error {
	const op = "postgres.LedgerRepo.MarkBookedPermanent"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE schedule_seats
		 SET status = 'booked', permanent = TRUE,
		     ticket_id = $4, booking_id = NULLIF($5, ''),
		     reservation_id = NULL, updated_at = now()
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)`,
		busID, date, seats, ticketID, bookingID,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ClearPermanent reverses a permanent booking after a refund or
// cancellation, returning the seats to available.
func (r *LedgerRepo) ClearPermanent(ctx context.Context, busID int64, date string, seats []string, ticketID uuid.UUID) error {
	const op = "postgres.LedgerRepo.ClearPermanent"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE schedule_seats
		 SET status = 'available', permanent = FALSE,
		     ticket_id = NULL, booking_id = NULL,
		     reservation_id = NULL, updated_at = now()
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)
		   AND ticket_id = $4`,
		busID, date, seats, ticketID,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// PermanentlyBooked returns the subset of seats that is permanently booked
// on (busID, date) and must never be released automatically.
func (r *LedgerRepo) PermanentlyBooked(ctx context.Context, busID int64, date string, seats []string) ([]string, error) {
	const op = "postgres.LedgerRepo.PermanentlyBooked"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT seat_label FROM schedule_seats
		 WHERE bus_id = $1 AND travel_date = $2
		   AND seat_label = ANY($3)
		   AND permanent
		 ORDER BY seat_label`,
		busID, date, seats,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}

// PermanentByDate lists a bus's permanently booked seats grouped per
// travel date.
func (r *LedgerRepo) PermanentByDate(ctx context.Context, busID int64) ([]domain.DateSeats, error) {
	const op = "postgres.LedgerRepo.PermanentByDate"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT travel_date, array_agg(seat_label ORDER BY seat_label)
		 FROM schedule_seats
		 WHERE bus_id = $1 AND permanent
		 GROUP BY travel_date
		 ORDER BY travel_date`,
		busID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.DateSeats
	for rows.Next() {
		var ds domain.DateSeats
		if err := rows.Scan(&ds.Date, &ds.Seats); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return out, nil
}
