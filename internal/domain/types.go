package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// TravelDateLayout is the wire format for journey dates. Seat state is
// keyed by date string rather than a timestamp to avoid timezone and
// time-of-day ambiguity between clients.
const TravelDateLayout = "2006-01-02"

// NormalizeDate formats t as a travel-date string.
func NormalizeDate(t time.Time) string {
	return t.Format(TravelDateLayout)
}

// ParseDate validates a YYYY-MM-DD travel-date string.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(TravelDateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid travel date %q: %w", s, err)
	}
	return NormalizeDate(t), nil
}

type SeatStatus string

const (
	SeatAvailable   SeatStatus = "available"
	SeatHeld        SeatStatus = "held"
	SeatBooked      SeatStatus = "booked"
	SeatDamaged     SeatStatus = "damaged"
	SeatMaintenance SeatStatus = "maintenance"
)

// SeatState is the date-scoped view of a bus's seat buckets. Available and
// booked are disjoint; held seats are reported in the booked bucket since
// they are unavailable to other bookers either way.
type SeatState struct {
	Available []string
	Booked    []string
}

// DateSeats is one entry of the date-keyed permanently-booked listing.
// Each date carries its own seat list, so journey dates of a recurring
// schedule never collide.
type DateSeats struct {
	Date  string   `json:"date"`
	Seats []string `json:"seats"`
}

type HoldState string

const (
	HoldActive    HoldState = "active"
	HoldConfirmed HoldState = "confirmed"
	HoldReleased  HoldState = "released"
	HoldExpired   HoldState = "expired"
)

// Reservation is a time-bounded hold on specific seats pending payment.
// While State is active exactly one expiry timer exists for it; every
// other state is terminal.
type Reservation struct {
	ID         uuid.UUID
	BusID      int64
	TravelDate string
	Seats      []string
	State      HoldState
	TicketID   *uuid.UUID
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Remaining reports the time left before expiry, clamped at zero.
func (r *Reservation) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketConfirmed TicketStatus = "confirmed"
	TicketCanceled  TicketStatus = "canceled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentCanceled PaymentStatus = "canceled"
)

type Passenger struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Ticket is the durable proof of seat ownership. Once paid it outlives the
// reservation that produced it.
type Ticket struct {
	ID            uuid.UUID
	BookingID     string
	BusID         int64
	TravelDate    string
	Seats         []string
	Passenger     Passenger
	PriceCents    int64
	Status        TicketStatus
	PaymentStatus PaymentStatus
	ReservationID *uuid.UUID
	CreatedAt     time.Time
}

func (t *Ticket) Paid() bool {
	return t.PaymentStatus == PaymentPaid || t.Status == TicketConfirmed
}

// NewBookingID mints the externally visible booking reference printed on
// tickets, e.g. BK-1717245000123.
func NewBookingID() string {
	return fmt.Sprintf("BK-%d%03d", time.Now().Unix(), rand.Intn(1000))
}

// Payment is one gateway transaction, keyed by the provider's reference.
type Payment struct {
	Ref           string
	TicketID      uuid.UUID
	ReservationID *uuid.UUID
	AmountCents   int64
	Status        string
	TransactionID string
	PaidAt        *time.Time
	CreatedAt     time.Time
}

const (
	PaymentRecInitiated = "initiated"
	PaymentRecCompleted = "completed"
	PaymentRecRefunded  = "refunded"
	PaymentRecCanceled  = "canceled"
)

// ReleaseOutcome reports what a release or expire actually did. Excluded
// lists permanently booked seats that were skipped; that is a warning
// condition, never an error. SkippedPaid means a paid ticket already
// owned the seats and only the hold record was removed.
type ReleaseOutcome struct {
	Reservation *Reservation
	Released    []string
	Excluded    []string
	SkippedPaid bool
	AlreadyDone bool
}

// ConfirmInput identifies what to confirm. At least one of ReservationID
// and TicketID must be set; Seats and BusID override what the records
// carry when the payment adapter knows better.
type ConfirmInput struct {
	ReservationID *uuid.UUID
	TicketID      *uuid.UUID
	BusID         int64
	TravelDate    string
	Seats         []string
}

type ConfirmOutcome struct {
	BusID            int64
	TravelDate       string
	Seats            []string
	TicketID         *uuid.UUID
	BookingID        string
	AlreadyConfirmed bool
}

// Schedule carries the bus-global seat inventory used to seed date-scoped
// seat state the first time a date is touched.
type Schedule struct {
	ID         int64
	BusID      int64
	OperatorID int64
	FromPlace  string
	ToPlace    string
	Departure  string
	Arrival    string
	SeatLabels []string
	CreatedAt  time.Time
}
