package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kancha/bus-go/internal/domain"
)

// PaymentRepo records gateway transactions keyed by the provider's
// transaction reference. A reference is processed at most once into a
// confirm; later verifications of the same reference short-circuit.
type PaymentRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *PaymentRepo) With(db DB) *PaymentRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *PaymentRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	const op = "postgres.PaymentRepo.Create"

	db := r.handle()

	_, err := db.Exec(ctx,
		`INSERT INTO payments
		   (ref, ticket_id, reservation_id, amount_cents, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Ref, p.TicketID, p.ReservationID, p.AmountCents, p.Status, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *PaymentRepo) GetByRef(ctx context.Context, ref string) (*domain.Payment, error) {
	const op = "postgres.PaymentRepo.GetByRef"

	db := r.handle()

	var p domain.Payment
	err := db.QueryRow(ctx,
		`SELECT ref, ticket_id, reservation_id, amount_cents, status,
		        COALESCE(transaction_id, ''), paid_at, created_at
		 FROM payments WHERE ref = $1`,
		ref,
	).Scan(
		&p.Ref, &p.TicketID, &p.ReservationID, &p.AmountCents, &p.Status,
		&p.TransactionID, &p.PaidAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &p, nil
}

// MarkCompleted records the terminal completed state with the gateway's
// transaction ID.
func (r *PaymentRepo) MarkCompleted(ctx context.Context, ref, transactionID string, paidAt time.Time) error {
	const op = "postgres.PaymentRepo.MarkCompleted"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE payments
		 SET status = 'completed', transaction_id = $2, paid_at = $3
		 WHERE ref = $1`,
		ref, transactionID, paidAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *PaymentRepo) MarkStatus(ctx context.Context, ref, status string) error {
	const op = "postgres.PaymentRepo.MarkStatus"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE ref = $1`,
		ref, status,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}
