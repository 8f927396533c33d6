package httpgin

import "github.com/kancha/bus-go/internal/domain"

type ReserveSeatsRequest struct {
	TravelDate string   `json:"travel_date" binding:"required"`
	Seats      []string `json:"seats" binding:"required,min=1,dive,required"`
}

type ReserveSeatsResponse struct {
	ReservationID string   `json:"reservation_id"`
	BusID         int64    `json:"bus_id"`
	TravelDate    string   `json:"travel_date"`
	Seats         []string `json:"seats"`
	ExpiresAt     string   `json:"expires_at"`
	ExpiresInSec  int64    `json:"expires_in_sec"`
}

type ReservationStatusResponse struct {
	ReservationID string   `json:"reservation_id"`
	BusID         int64    `json:"bus_id"`
	TravelDate    string   `json:"travel_date"`
	Seats         []string `json:"seats"`
	State         string   `json:"state"`
	RemainingSec  int64    `json:"remaining_sec"`
	Expired       bool     `json:"expired"`
	Paid          bool     `json:"paid"`
}

type ReleaseResponse struct {
	Released      []string `json:"released"`
	KeptPermanent []string `json:"kept_permanent,omitempty"`
	SkippedPaid   bool     `json:"skipped_paid,omitempty"`
}

type InitiatePaymentRequest struct {
	ReservationID string         `json:"reservation_id" binding:"required,uuid"`
	Ref           string         `json:"ref" binding:"required"`
	AmountCents   int64          `json:"amount_cents" binding:"required,gt=0"`
	Passenger     PassengerInput `json:"passenger" binding:"required"`
}

type PassengerInput struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type InitiatePaymentResponse struct {
	TicketID  string `json:"ticket_id"`
	BookingID string `json:"booking_id"`
	Ref       string `json:"ref"`
}

type VerifyPaymentRequest struct {
	Ref string `json:"ref" binding:"required"`
}

type CreateScheduleRequest struct {
	BusID      int64    `json:"bus_id" binding:"required"`
	OperatorID int64    `json:"operator_id"`
	FromPlace  string   `json:"from_place" binding:"required"`
	ToPlace    string   `json:"to_place" binding:"required"`
	Departure  string   `json:"departure"`
	Arrival    string   `json:"arrival"`
	SeatLabels []string `json:"seat_labels" binding:"required,min=1,dive,required"`
}

type CreateScheduleResponse struct {
	ScheduleID int64 `json:"schedule_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// ConflictingSeats is set on seat conflicts so clients can retry with
	// a different selection.
	ConflictingSeats []string `json:"conflicting_seats,omitempty"`
}

func domainPassenger(name, email, phone string) domain.Passenger {
	return domain.Passenger{Name: name, Email: email, Phone: phone}
}

func scheduleFromRequest(req CreateScheduleRequest) *domain.Schedule {
	return &domain.Schedule{
		BusID:      req.BusID,
		OperatorID: req.OperatorID,
		FromPlace:  req.FromPlace,
		ToPlace:    req.ToPlace,
		Departure:  req.Departure,
		Arrival:    req.Arrival,
		SeatLabels: req.SeatLabels,
	}
}
