package expiry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firingLog struct {
	mu  sync.Mutex
	ids []uuid.UUID
	ch  chan uuid.UUID
}

func newFiringLog() *firingLog {
	return &firingLog{ch: make(chan uuid.UUID, 16)}
}

func (l *firingLog) handler(_ context.Context, id uuid.UUID) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
	l.ch <- id
}

func (l *firingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *firingLog) wait(t *testing.T) uuid.UUID {
	t.Helper()
	select {
	case id := <-l.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return uuid.Nil
	}
}

func newTestScheduler(log *firingLog) *Scheduler {
	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.OnFire(log.handler)
	return s
}

func TestArmFiresOnce(t *testing.T) {
	log := newFiringLog()
	s := newTestScheduler(log)
	defer s.Shutdown()

	id := uuid.New()
	s.Arm(id, 10*time.Millisecond)

	assert.Equal(t, id, log.wait(t))

	// One-shot: the timer is gone after firing.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count())
	assert.Equal(t, 0, s.Active())
}

func TestCancelStopsPendingTimer(t *testing.T) {
	log := newFiringLog()
	s := newTestScheduler(log)
	defer s.Shutdown()

	id := uuid.New()
	s.Arm(id, time.Hour)
	require.Equal(t, 1, s.Active())

	assert.True(t, s.Cancel(id))
	assert.Equal(t, 0, s.Active())

	// Canceling again, or canceling the unknown, is a quiet no-op.
	assert.False(t, s.Cancel(id))
	assert.False(t, s.Cancel(uuid.New()))
}

func TestRearmResetsTimer(t *testing.T) {
	log := newFiringLog()
	s := newTestScheduler(log)
	defer s.Shutdown()

	id := uuid.New()
	s.Arm(id, time.Hour)
	s.Arm(id, 10*time.Millisecond)

	assert.Equal(t, id, log.wait(t))
	assert.Equal(t, 1, log.count())
}

func TestShutdownStopsEverything(t *testing.T) {
	log := newFiringLog()
	s := newTestScheduler(log)

	for i := 0; i < 5; i++ {
		s.Arm(uuid.New(), 50*time.Millisecond)
	}
	require.Equal(t, 5, s.Active())

	s.Shutdown()
	assert.Equal(t, 0, s.Active())

	// Arming after shutdown is ignored.
	s.Arm(uuid.New(), time.Millisecond)
	assert.Equal(t, 0, s.Active())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, log.count())
}

func TestConcurrentArmCancel(t *testing.T) {
	log := newFiringLog()
	s := newTestScheduler(log)
	defer s.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := uuid.New()
				s.Arm(id, time.Hour)
				s.Cancel(id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, s.Active())
}
