package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kancha/bus-go/internal/domain"
	"github.com/kancha/bus-go/internal/repository"
	"github.com/kancha/bus-go/internal/service"
	"github.com/kancha/bus-go/internal/service/admin"
	"github.com/kancha/bus-go/internal/service/query"
	"github.com/kancha/bus-go/internal/service/reservation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore backs the handler tests with the same semantics the
// transactional store provides, guarded by one mutex.
type memStore struct {
	mu       sync.Mutex
	labels   []string
	busID    int64
	date     string
	statuses map[string]string
	holds    map[uuid.UUID]*domain.Reservation
	schedule *domain.Schedule
}

func newMemStore(busID int64, date string, labels ...string) *memStore {
	statuses := make(map[string]string, len(labels))
	for _, l := range labels {
		statuses[l] = "available"
	}
	return &memStore{
		labels:   labels,
		busID:    busID,
		date:     date,
		statuses: statuses,
		holds:    make(map[uuid.UUID]*domain.Reservation),
		schedule: &domain.Schedule{
			ID:         1,
			BusID:      busID,
			FromPlace:  "Kathmandu",
			ToPlace:    "Pokhara",
			SeatLabels: labels,
		},
	}
}

func (m *memStore) CreateHold(_ context.Context, busID int64, date string, seats []string, ttl time.Duration) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if busID != m.busID {
		return nil, repository.ErrNoSchedule
	}

	var conflicts []string
	for _, seat := range seats {
		if m.statuses[seat] != "available" {
			conflicts = append(conflicts, seat)
		}
	}
	if len(conflicts) > 0 {
		return nil, &repository.SeatConflictError{Seats: conflicts}
	}

	for _, seat := range seats {
		m.statuses[seat] = "held"
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
	m.holds[res.ID] = res

	return res, nil
}

func (m *memStore) ReleaseHold(_ context.Context, id uuid.UUID, finalState domain.HoldState) (*domain.ReleaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	var released []string
	for _, seat := range res.Seats {
		m.statuses[seat] = "available"
		released = append(released, seat)
	}

	delete(m.holds, id)
	res.State = finalState

	return &domain.ReleaseOutcome{Reservation: res, Released: released}, nil
}

func (m *memStore) ConfirmSeats(_ context.Context, _ domain.ConfirmInput) (*domain.ConfirmOutcome, error) {
	return nil, repository.ErrHoldNotFound
}

func (m *memStore) RefundSeats(_ context.Context, _ uuid.UUID, _ domain.PaymentStatus) (*domain.ConfirmOutcome, error) {
	return nil, repository.ErrNotFound
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.holds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *memStore) ListActive(_ context.Context) ([]domain.Reservation, error) {
	return nil, nil
}

func (m *memStore) ListExpired(_ context.Context, _ time.Time) ([]domain.Reservation, error) {
	return nil, nil
}

// query-side fakes

func (m *memStore) State(_ context.Context, busID int64, _ string) (*domain.SeatState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if busID != m.busID {
		return nil, repository.ErrNoSchedule
	}

	state := &domain.SeatState{}
	for _, l := range m.labels {
		if m.statuses[l] == "available" {
			state.Available = append(state.Available, l)
		} else {
			state.Booked = append(state.Booked, l)
		}
	}
	return state, nil
}

func (m *memStore) PermanentByDate(_ context.Context, _ int64) ([]domain.DateSeats, error) {
	return nil, nil
}

func (m *memStore) GetByBus(_ context.Context, busID int64) (*domain.Schedule, error) {
	if busID != m.busID {
		return nil, repository.ErrNotFound
	}
	return m.schedule, nil
}

func (m *memStore) Create(_ context.Context, _ *domain.Schedule) (int64, error) {
	return 2, nil
}

func (m *memStore) FindPaidBySeats(_ context.Context, _ int64, _ string, _ []string) (*domain.Ticket, error) {
	return nil, repository.ErrNotFound
}

type noTickets struct{}

func (noTickets) Get(_ context.Context, _ uuid.UUID) (*domain.Ticket, error) {
	return nil, repository.ErrNotFound
}

func (noTickets) GetByBooking(_ context.Context, _ string) (*domain.Ticket, error) {
	return nil, repository.ErrNotFound
}

type noopTimers struct{}

func (noopTimers) Arm(_ uuid.UUID, _ time.Duration) {}
func (noopTimers) Cancel(_ uuid.UUID) bool          { return false }

func newTestRouter(store *memStore) *gin.Engine {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resv := reservation.NewService(
		store, store, noopTimers{}, nil, nil, nil,
		reservation.Config{TTL: 10 * time.Minute, SweepGrace: 30 * time.Second},
		logger,
	)

	svcs := &service.Services{
		Reservation: resv,
		Query:       query.NewService(store, store, noTickets{}, nil, query.Config{}, logger),
		Admin:       admin.NewService(store, nil, logger),
	}

	return NewRouter(svcs, nil, logger)
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReserveEndpoint(t *testing.T) {
	store := newMemStore(3, "2026-09-15", "A1", "A2")
	r := newTestRouter(store)

	w := doJSON(t, r, http.MethodPost, "/buses/3/reservations", ReserveSeatsRequest{
		TravelDate: "2026-09-15",
		Seats:      []string{"A1", "A2"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp ReserveSeatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ReservationID)
	assert.Equal(t, int64(3), resp.BusID)
	assert.ElementsMatch(t, []string{"A1", "A2"}, resp.Seats)
	assert.Greater(t, resp.ExpiresInSec, int64(0))
}

func TestReserveConflictReturns409WithSeats(t *testing.T) {
	store := newMemStore(3, "2026-09-15", "A1")
	r := newTestRouter(store)

	w := doJSON(t, r, http.MethodPost, "/buses/3/reservations", ReserveSeatsRequest{
		TravelDate: "2026-09-15", Seats: []string{"A1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/buses/3/reservations", ReserveSeatsRequest{
		TravelDate: "2026-09-15", Seats: []string{"A1"},
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"A1"}, resp.ConflictingSeats)
}

func TestReserveUnknownBusReturns404(t *testing.T) {
	r := newTestRouter(newMemStore(3, "2026-09-15", "A1"))

	w := doJSON(t, r, http.MethodPost, "/buses/99/reservations", ReserveSeatsRequest{
		TravelDate: "2026-09-15", Seats: []string{"A1"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReservationStatusAndRelease(t *testing.T) {
	store := newMemStore(3, "2026-09-15", "A1")
	r := newTestRouter(store)

	w := doJSON(t, r, http.MethodPost, "/buses/3/reservations", ReserveSeatsRequest{
		TravelDate: "2026-09-15", Seats: []string{"A1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created ReserveSeatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodGet, "/reservations/"+created.ReservationID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status ReservationStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "active", status.State)
	assert.False(t, status.Expired)
	assert.False(t, status.Paid)

	w = doJSON(t, r, http.MethodDelete, "/reservations/"+created.ReservationID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var released ReleaseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &released))
	assert.Equal(t, []string{"A1"}, released.Released)

	// The hold is gone now.
	w = doJSON(t, r, http.MethodGet, "/reservations/"+created.ReservationID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Releasing again stays a success.
	w = doJSON(t, r, http.MethodDelete, "/reservations/"+created.ReservationID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSeatMapEndpointWithETag(t *testing.T) {
	store := newMemStore(3, "2026-09-15", "A1", "A2")
	r := newTestRouter(store)

	path := "/buses/3/seats?date=2026-09-15"

	w := doJSON(t, r, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var view query.SeatView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.ElementsMatch(t, []string{"A1", "A2"}, view.Available)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestSeatMapRequiresValidDate(t *testing.T) {
	r := newTestRouter(newMemStore(3, "2026-09-15", "A1"))

	w := doJSON(t, r, http.MethodGet, "/buses/3/seats?date=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateScheduleEndpoint(t *testing.T) {
	r := newTestRouter(newMemStore(3, "2026-09-15", "A1"))

	w := doJSON(t, r, http.MethodPost, "/admin/schedules", CreateScheduleRequest{
		BusID:      5,
		FromPlace:  "Kathmandu",
		ToPlace:    "Chitwan",
		SeatLabels: []string{"A1", "A2", "B1"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp CreateScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.ScheduleID)
}

func TestTicketNotFound(t *testing.T) {
	r := newTestRouter(newMemStore(3, "2026-09-15", "A1"))

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/tickets/%s", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
