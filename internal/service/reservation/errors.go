package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrReservationNotFound is returned when the hold does not exist or
	// was already resolved.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrNoSchedule is returned when the bus has no schedule to seed seat
	// inventory from.
	ErrNoSchedule = errors.New("no schedule for bus")
	// ErrInvalidInput is returned for malformed dates, empty or duplicate
	// seat lists and other bad requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited is returned when the caller exceeded the reservation
	// rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// SeatConflictError reports which of the requested seats could not be
// held. Callers surface the list so the client can retry with others.
type SeatConflictError struct {
	Seats []string
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.Seats, ", "))
}

// RateLimitError carries the window hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
