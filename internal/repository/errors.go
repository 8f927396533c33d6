package repository

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrSeatsUnavailable = errors.New("some seats unavailable")
	ErrHoldNotFound     = errors.New("hold not found")
	ErrNoSchedule       = errors.New("no schedule for bus")
)

// SeatConflictError reports exactly which requested seats are already
// booked or held. It wraps ErrSeatsUnavailable so errors.Is keeps working.
type SeatConflictError struct {
	Seats []string
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.Seats, ", "))
}

func (e *SeatConflictError) Unwrap() error {
	return ErrSeatsUnavailable
}
