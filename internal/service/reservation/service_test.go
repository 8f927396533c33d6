package reservation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory HoldStore with the same check-then-mark
// semantics as the transactional postgres implementation. A single mutex
// stands in for the Serializable transaction.
type fakeStore struct {
	mu        sync.Mutex
	holds     map[uuid.UUID]*domain.Reservation
	seats     map[string]string
	permanent map[string]bool
	paid      []*domain.Ticket
}

func newFakeStore(busID int64, date string, labels ...string) *fakeStore {
	s := &fakeStore{
		holds:     make(map[uuid.UUID]*domain.Reservation),
		seats:     make(map[string]string),
		permanent: make(map[string]bool),
	}
	for _, l := range labels {
		s.seats[seatKey(busID, date, l)] = "available"
	}
	return s
}

func seatKey(busID int64, date, seat string) string {
	return fmt.Sprintf("%d|%s|%s", busID, date, seat)
}

func (s *fakeStore) CreateHold(_ context.Context, busID int64, date string, seats []string, ttl time.Duration) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for _, seat := range seats {
		if st, ok := s.seats[seatKey(busID, date, seat)]; !ok || st != "available" {
			conflicts = append(conflicts, seat)
		}
	}
	if len(conflicts) > 0 {
		return nil, &repository.SeatConflictError{Seats: conflicts}
	}

	for _, seat := range seats {
		s.seats[seatKey(busID, date, seat)] = "held"
	}

	now := time.Now()
	res := &domain.Reservation{
		ID:         uuid.New(),
		BusID:      busID,
		TravelDate: date,
		Seats:      seats,
		State:      domain.HoldActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	s.holds[res.ID] = res

	return res, nil
}

func (s *fakeStore) ReleaseHold(_ context.Context, id uuid.UUID, finalState domain.HoldState) (*domain.ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	if res.State != domain.HoldActive {
		delete(s.holds, id)
		return &domain.ReleaseOutcome{Reservation: res, AlreadyDone: true}, nil
	}

	if t := s.paidFor(res.BusID, res.TravelDate, res.Seats); t != nil {
		for _, seat := range res.Seats {
			s.seats[seatKey(res.BusID, res.TravelDate, seat)] = "booked"
			s.permanent[seatKey(res.BusID, res.TravelDate, seat)] = true
		}
		delete(s.holds, id)
		return &domain.ReleaseOutcome{Reservation: res, SkippedPaid: true}, nil
	}

	var released, excluded []string
	for _, seat := range res.Seats {
		key := seatKey(res.BusID, res.TravelDate, seat)
		if s.permanent[key] {
			excluded = append(excluded, seat)
			continue
		}
		s.seats[key] = "available"
		released = append(released, seat)
	}

	delete(s.holds, id)
	res.State = finalState

	return &domain.ReleaseOutcome{Reservation: res, Released: released, Excluded: excluded}, nil
}

func (s *fakeStore) ConfirmSeats(_ context.Context, in domain.ConfirmInput) (*domain.ConfirmOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res *domain.Reservation
	if in.ReservationID != nil {
		res = s.holds[*in.ReservationID]
	}

	var ticket *domain.Ticket
	if in.TicketID != nil {
		for _, t := range s.paid {
			if t.ID == *in.TicketID {
				ticket = t
			}
		}
	}

	if res == nil && ticket == nil {
		return nil, repository.ErrHoldNotFound
	}

	out := &domain.ConfirmOutcome{BusID: in.BusID, TravelDate: in.TravelDate, Seats: in.Seats}
	if ticket != nil {
		out.AlreadyConfirmed = ticket.Paid()
		out.TicketID = &ticket.ID
		out.BookingID = ticket.BookingID
		ticket.PaymentStatus = domain.PaymentPaid
		ticket.Status = domain.TicketConfirmed
		if len(out.Seats) == 0 {
			out.Seats = ticket.Seats
		}
		if out.BusID == 0 {
			out.BusID = ticket.BusID
		}
		if out.TravelDate == "" {
			out.TravelDate = ticket.TravelDate
		}
	}
	if res != nil {
		if out.BusID == 0 {
			out.BusID = res.BusID
		}
		if out.TravelDate == "" {
			out.TravelDate = res.TravelDate
		}
		if len(out.Seats) == 0 {
			out.Seats = res.Seats
		}
		delete(s.holds, res.ID)
	}

	for _, seat := range out.Seats {
		key := seatKey(out.BusID, out.TravelDate, seat)
		s.seats[key] = "booked"
		s.permanent[key] = true
	}

	return out, nil
}

func (s *fakeStore) RefundSeats(_ context.Context, ticketID uuid.UUID, _ domain.PaymentStatus) (*domain.ConfirmOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.paid {
		if t.ID != ticketID {
			continue
		}
		for _, seat := range t.Seats {
			key := seatKey(t.BusID, t.TravelDate, seat)
			s.seats[key] = "available"
			delete(s.permanent, key)
		}
		t.Status = domain.TicketCanceled
		t.PaymentStatus = domain.PaymentRefunded
		return &domain.ConfirmOutcome{
			BusID: t.BusID, TravelDate: t.TravelDate, Seats: t.Seats,
			TicketID: &t.ID, BookingID: t.BookingID,
		}, nil
	}

	return nil, repository.ErrNotFound
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *fakeStore) ListActive(_ context.Context) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, res := range s.holds {
		if res.State == domain.HoldActive {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpired(_ context.Context, asOf time.Time) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, res := range s.holds {
		if res.State == domain.HoldActive && !res.ExpiresAt.After(asOf) {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (s *fakeStore) paidFor(busID int64, date string, seats []string) *domain.Ticket {
	for _, t := range s.paid {
		if t.BusID != busID || t.TravelDate != date || !t.Paid() {
			continue
		}
		for _, a := range seats {
			for _, b := range t.Seats {
				if a == b {
					return t
				}
			}
		}
	}
	return nil
}

func (s *fakeStore) addPaidTicket(busID int64, date string, seats ...string) *domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &domain.Ticket{
		ID:            uuid.New(),
		BookingID:     domain.NewBookingID(),
		BusID:         busID,
		TravelDate:    date,
		Seats:         seats,
		Status:        domain.TicketConfirmed,
		PaymentStatus: domain.PaymentPaid,
	}
	s.paid = append(s.paid, t)
	return t
}

func (s *fakeStore) seatStatus(busID int64, date, seat string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seats[seatKey(busID, date, seat)]
}

type fakeTickets struct {
	store *fakeStore
}

func (f *fakeTickets) FindPaidBySeats(_ context.Context, busID int64, date string, seats []string) (*domain.Ticket, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	if t := f.store.paidFor(busID, date, seats); t != nil {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

type fakeTimers struct {
	mu       sync.Mutex
	armed    map[uuid.UUID]time.Duration
	canceled map[uuid.UUID]bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{
		armed:    make(map[uuid.UUID]time.Duration),
		canceled: make(map[uuid.UUID]bool),
	}
}

func (f *fakeTimers) Arm(id uuid.UUID, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[id] = ttl
}

func (f *fakeTimers) Cancel(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[id] = true
	_, ok := f.armed[id]
	delete(f.armed, id)
	return ok
}

func (f *fakeTimers) armedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

const (
	testBus  = int64(7)
	testDate = "2026-09-15"
)

func newTestService(store *fakeStore, timers *fakeTimers) *Service {
	return NewService(
		store,
		&fakeTickets{store: store},
		timers,
		nil, nil, nil,
		Config{TTL: 10 * time.Minute, SweepGrace: 30 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestReserveHoldsSeatsAndArmsTimer(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2", "B1")
	timers := newFakeTimers()
	svc := newTestService(store, timers)

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1", "A2"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, domain.HoldActive, res.State)
	assert.Equal(t, "held", store.seatStatus(testBus, testDate, "A1"))
	assert.Equal(t, "held", store.seatStatus(testBus, testDate, "A2"))
	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "B1"))
	assert.Equal(t, 1, timers.armedCount())
}

func TestReserveConflictListsSeats(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2")
	svc := newTestService(store, newFakeTimers())

	_, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	_, err = svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1", "A2"},
	})
	var conflict *SeatConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A1"}, conflict.Seats)

	// The partial request must not have held A2.
	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "A2"))
}

func TestReserveValidation(t *testing.T) {
	svc := newTestService(newFakeStore(testBus, testDate, "A1"), newFakeTimers())

	cases := []struct {
		name string
		in   ReserveInput
	}{
		{"no seats", ReserveInput{BusID: testBus, TravelDate: testDate}},
		{"bad date", ReserveInput{BusID: testBus, TravelDate: "15-09-2026", Seats: []string{"A1"}}},
		{"duplicate seats", ReserveInput{BusID: testBus, TravelDate: testDate, Seats: []string{"A1", "A1"}}},
		{"blank seat", ReserveInput{BusID: testBus, TravelDate: testDate, Seats: []string{"  "}}},
		{"bad bus", ReserveInput{TravelDate: testDate, Seats: []string{"A1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Reserve(context.Background(), tc.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	svc := newTestService(store, newFakeTimers())

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), ReserveInput{
				BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *SeatConflictError
		require.ErrorAs(t, err, &conflict)
		conflicts++
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
}

func TestReleaseReturnsSeats(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2")
	timers := newFakeTimers()
	svc := newTestService(store, timers)

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1", "A2"},
	})
	require.NoError(t, err)

	out, err := svc.Release(context.Background(), res.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A1", "A2"}, out.Released)
	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "A1"))
	assert.True(t, timers.canceled[res.ID])
}

func TestReleaseUnknownIsBenign(t *testing.T) {
	svc := newTestService(newFakeStore(testBus, testDate, "A1"), newFakeTimers())

	out, err := svc.Release(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, out.AlreadyDone)
}

func TestReleaseSkipsPaidSeats(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	svc := newTestService(store, newFakeTimers())

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	// Payment lands between the hold and its release.
	store.addPaidTicket(testBus, testDate, "A1")

	out, err := svc.Release(context.Background(), res.ID)
	require.NoError(t, err)
	assert.True(t, out.SkippedPaid)
	assert.Empty(t, out.Released)
	assert.Equal(t, "booked", store.seatStatus(testBus, testDate, "A1"))
}

func TestReleaseExcludesPermanentSeats(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2")
	svc := newTestService(store, newFakeTimers())

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1", "A2"},
	})
	require.NoError(t, err)

	// A1 became permanently booked with no paid ticket overlapping the
	// hold, as after a refund that left the permanence flag behind.
	store.mu.Lock()
	store.seats[seatKey(testBus, testDate, "A1")] = "booked"
	store.permanent[seatKey(testBus, testDate, "A1")] = true
	store.mu.Unlock()

	out, err := svc.Release(context.Background(), res.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"A2"}, out.Released)
	assert.Equal(t, []string{"A1"}, out.Excluded)
	assert.False(t, out.SkippedPaid)
	assert.Equal(t, "booked", store.seatStatus(testBus, testDate, "A1"))
	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "A2"))
}

func TestHandleExpiryReleasesOverdueHold(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	svc := newTestService(store, newFakeTimers())

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	store.mu.Lock()
	store.holds[res.ID].ExpiresAt = time.Now().Add(-time.Second)
	store.mu.Unlock()

	svc.HandleExpiry(context.Background(), res.ID)

	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "A1"))
	_, err = store.Get(context.Background(), res.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHandleExpiryRearmsEarlyFiring(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	timers := newFakeTimers()
	svc := newTestService(store, timers)

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	svc.HandleExpiry(context.Background(), res.ID)

	// TTL has not elapsed: the hold survives and a fresh timer covers the
	// remainder.
	assert.Equal(t, "held", store.seatStatus(testBus, testDate, "A1"))
	assert.Equal(t, 1, timers.armedCount())
}

func TestSweepExpiredCountsResolvedHolds(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2", "A3")
	svc := newTestService(store, newFakeTimers())

	var expired []uuid.UUID
	for _, seat := range []string{"A1", "A2"} {
		res, err := svc.Reserve(context.Background(), ReserveInput{
			BusID: testBus, TravelDate: testDate, Seats: []string{seat},
		})
		require.NoError(t, err)
		expired = append(expired, res.ID)
	}
	fresh, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A3"},
	})
	require.NoError(t, err)

	store.mu.Lock()
	for _, id := range expired {
		store.holds[id].ExpiresAt = time.Now().Add(-time.Minute)
	}
	store.mu.Unlock()

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "available", store.seatStatus(testBus, testDate, "A1"))
	assert.Equal(t, "held", store.seatStatus(testBus, testDate, "A3"))

	_, err = store.Get(context.Background(), fresh.ID)
	assert.NoError(t, err)
}

func TestRearmActiveRestoresTimers(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1", "A2")
	svc := newTestService(store, newFakeTimers())

	for _, seat := range []string{"A1", "A2"} {
		_, err := svc.Reserve(context.Background(), ReserveInput{
			BusID: testBus, TravelDate: testDate, Seats: []string{seat},
		})
		require.NoError(t, err)
	}

	// Fresh timers after a simulated restart.
	timers := newFakeTimers()
	restarted := NewService(
		store, &fakeTickets{store: store}, timers, nil, nil, nil,
		Config{TTL: 10 * time.Minute, SweepGrace: 30 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	require.NoError(t, restarted.RearmActive(context.Background()))
	assert.Equal(t, 2, timers.armedCount())
}

func TestConfirmBooksPermanently(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	timers := newFakeTimers()
	svc := newTestService(store, timers)

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	out, err := svc.Confirm(context.Background(), domain.ConfirmInput{ReservationID: &res.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, out.Seats)
	assert.Equal(t, "booked", store.seatStatus(testBus, testDate, "A1"))
	assert.True(t, timers.canceled[res.ID])

	// A later expiry firing must not free confirmed seats.
	svc.HandleExpiry(context.Background(), res.ID)
	assert.Equal(t, "booked", store.seatStatus(testBus, testDate, "A1"))
}

func TestStatusReportsPaidAndRemaining(t *testing.T) {
	store := newFakeStore(testBus, testDate, "A1")
	svc := newTestService(store, newFakeTimers())

	res, err := svc.Reserve(context.Background(), ReserveInput{
		BusID: testBus, TravelDate: testDate, Seats: []string{"A1"},
	})
	require.NoError(t, err)

	view, err := svc.Status(context.Background(), res.ID)
	require.NoError(t, err)
	assert.False(t, view.Expired)
	assert.False(t, view.Paid)
	assert.Greater(t, view.RemainingSeconds, int64(0))

	store.addPaidTicket(testBus, testDate, "A1")

	view, err = svc.Status(context.Background(), res.ID)
	require.NoError(t, err)
	assert.True(t, view.Paid)

	_, err = svc.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrReservationNotFound)
}
