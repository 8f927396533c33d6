// Package admin covers operator-facing schedule management.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("schedule already exists")
)

// ScheduleStore persists schedules. *postgres.ScheduleRepo satisfies it.
type ScheduleStore interface {
	Create(ctx context.Context, s *domain.Schedule) (int64, error)
	GetByBus(ctx context.Context, busID int64) (*domain.Schedule, error)
}

type Service struct {
	schedules ScheduleStore
	cache     *redisrepo.Cache
	logger    *slog.Logger
}

func NewService(schedules ScheduleStore, cache *redisrepo.Cache, logger *slog.Logger) *Service {
	return &Service{schedules: schedules, cache: cache, logger: logger}
}

// CreateSchedule registers a bus route with its seat inventory. The seat
// labels recorded here seed every travel date's ledger rows on first
// touch.
func (s *Service) CreateSchedule(ctx context.Context, sched *domain.Schedule) (*domain.Schedule, error) {
	if sched.BusID <= 0 || sched.FromPlace == "" || sched.ToPlace == "" {
		return nil, ErrInvalidInput
	}
	if len(sched.SeatLabels) == 0 {
		return nil, ErrInvalidInput
	}

	seen := make(map[string]struct{}, len(sched.SeatLabels))
	for i, label := range sched.SeatLabels {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, ErrInvalidInput
		}
		if _, dup := seen[label]; dup {
			return nil, ErrInvalidInput
		}
		seen[label] = struct{}{}
		sched.SeatLabels[i] = label
	}

	id, err := s.schedules.Create(ctx, sched)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	sched.ID = id

	if s.cache != nil {
		if err := s.cache.InvalidateSchedule(ctx, sched.BusID); err != nil {
			s.logger.Warn("schedule cache invalidation failed", "bus_id", sched.BusID, "error", err)
		}
	}

	s.logger.Info("schedule created",
		"schedule_id", id, "bus_id", sched.BusID, "seats", len(sched.SeatLabels))

	return sched, nil
}
