package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kancha/bus-go/internal/domain"
)

type ScheduleRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *ScheduleRepo) With(db DB) *ScheduleRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ScheduleRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create inserts a schedule with its bus-global seat inventory. Seats for
// a travel date come into existence implicitly the first time the ledger
// touches that date.
//
// Returns repository.ErrConflict if the bus already has a schedule.
func (r *ScheduleRepo) Create(ctx context.Context, s *domain.Schedule) (int64, error) {
	const op = "postgres.ScheduleRepo.Create"

	db := r.handle()

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO schedules
		   (bus_id, operator_id, from_place, to_place, departure, arrival, seat_labels)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		s.BusID, s.OperatorID, s.FromPlace, s.ToPlace,
		s.Departure, s.Arrival, s.SeatLabels,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

func (r *ScheduleRepo) GetByBus(ctx context.Context, busID int64) (*domain.Schedule, error) {
	const op = "postgres.ScheduleRepo.GetByBus"

	db := r.handle()

	var s domain.Schedule
	err := db.QueryRow(ctx,
		`SELECT id, bus_id, operator_id, from_place, to_place,
		        departure, arrival, seat_labels, created_at
		 FROM schedules WHERE bus_id = $1`,
		busID,
	).Scan(
		&s.ID, &s.BusID, &s.OperatorID, &s.FromPlace, &s.ToPlace,
		&s.Departure, &s.Arrival, &s.SeatLabels, &s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &s, nil
}
