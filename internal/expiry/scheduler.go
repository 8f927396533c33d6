package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc receives only the reservation ID. The handler re-reads
// current state before acting; by the time a timer fires the reservation
// may already be confirmed or released.
type HandlerFunc func(ctx context.Context, id uuid.UUID)

// Scheduler keeps one in-process timer per active reservation. Timers
// are volatile: they do not survive a restart, and the
// reconciliation sweep is the durable backstop. Arm and Cancel are both
// idempotent; canceling an already-fired or unknown timer is a no-op.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	handler HandlerFunc
	logger  *slog.Logger
	closed  bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[uuid.UUID]*time.Timer),
		logger: logger,
	}
}

// OnFire sets the callback invoked when a timer fires. Must be called
// before the first Arm; the split exists because the reservation manager
// and the scheduler reference each other.
func (s *Scheduler) OnFire(h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Arm schedules a single firing at now + ttl. Re-arming an already armed
// reservation resets its timer.
func (s *Scheduler) Arm(id uuid.UUID, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	s.timers[id] = time.AfterFunc(ttl, func() {
		s.fire(id)
	})
}

// Cancel stops the timer for id if one is still pending. Best effort: a
// firing already in flight is not interrupted, which is why every expire
// handler re-checks state.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false
	}

	delete(s.timers, id)

	return t.Stop()
}

// Active reports the number of pending timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops all pending timers. Holds already past their TTL are
// picked up by the sweep on the next start.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, id)
	handler := s.handler
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	if handler == nil {
		s.logger.Warn("expiry timer fired with no handler bound", "reservation_id", id)
		return
	}

	// The firing is detached from any request lifecycle.
	handler(context.Background(), id)
}
