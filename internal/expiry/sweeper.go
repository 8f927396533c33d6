package expiry

import (
	"context"
	"log/slog"
	"time"
)

// SweepService resolves every active reservation whose expiry passed.
type SweepService interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically re-runs the expire logic for holds whose timer was
// lost to a restart or a dropped callback. It is the final authority that
// no hold stays active past its TTL plus the grace period.
type Sweeper struct {
	svc      SweepService
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(svc SweepService, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled. One sweep runs immediately so a
// restart resolves overdue holds without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.svc.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("reservation sweep failed", "error", err)
		return
	}

	if n > 0 {
		s.logger.Info("reservation sweep resolved overdue holds", "count", n)
	}
}
