package httpgin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	redisrepo "github.com/kancha/bus-go/internal/repository/redis"
	"github.com/kancha/bus-go/internal/service"
	"github.com/kancha/bus-go/internal/service/admin"
	"github.com/kancha/bus-go/internal/service/payments"
	"github.com/kancha/bus-go/internal/service/query"
	"github.com/kancha/bus-go/internal/service/reservation"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/buses/:id/schedule", handleGetSchedule(svcs))
	r.GET("/buses/:id/seats", handleGetSeats(svcs))

	r.POST("/buses/:id/reservations", handleReserveSeats(svcs, idem))
	r.GET("/reservations/:id", handleReservationStatus(svcs))
	r.DELETE("/reservations/:id", handleReleaseReservation(svcs))

	r.POST("/payments/initiate", handleInitiatePayment(svcs))
	r.POST("/payments/verify", handleVerifyPayment(svcs))

	r.GET("/tickets/:id", handleGetTicket(svcs))

	// Admin-API
	// TODO: add admin middleware
	adm := r.Group("/admin")
	{
		adm.POST("/schedules", handleCreateSchedule(svcs))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  Get bus schedule
// @Param    id  path  int  true  "Bus ID"
// @Success  200  {object}  domain.Schedule
// @Failure  404  {object}  ErrorResponse
// @Router   /buses/{id}/schedule [get]
func handleGetSchedule(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		busID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		sched, err := svcs.Query.Schedule(c.Request.Context(), busID)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 60s
		writeJSONWithCache(c, http.StatusOK, sched, "public, max-age=60", true)
	}
}

// @Summary  Get seat map for a travel date
// @Param    id    path   int     true  "Bus ID"
// @Param    date  query  string  true  "Travel date (YYYY-MM-DD)"
// @Success  200  {object}  query.SeatView
// @Failure  404  {object}  ErrorResponse
// @Router   /buses/{id}/seats [get]
func handleGetSeats(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		busID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		view, err := svcs.Query.Seats(c.Request.Context(), busID, c.Query("date"))
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 15s, seat maps churn
		writeJSONWithCache(c, http.StatusOK, view, "public, max-age=15", true)
	}
}

// @Summary  Reserve seats (idempotent)
// @Param    id  path  int  true  "Bus ID"
// @Param    req body  ReserveSeatsRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} ReserveSeatsResponse
// @Failure  400 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "seats unavailable / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /buses/{id}/reservations [post]
func handleReserveSeats(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		busID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req ReserveSeatsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemReserve(busID, idemKey)

			if payload, ok, _ := idem.GetResult(
				c.Request.Context(),
				idemStorageKey,
			); ok {
				c.Header("Idempotency-Key", idemKey)
				c.Data(
					http.StatusCreated,
					"application/json; charset=utf-8",
					[]byte(payload),
				)
				return
			}

			locked, err := idem.AcquireLock(
				c.Request.Context(),
				idemStorageKey,
				60*time.Second,
			)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(
					c.Request.Context(),
					idemStorageKey,
				); ok {
					c.Header("Idempotency-Key", idemKey)
					c.Data(
						http.StatusCreated,
						"application/json; charset=utf-8",
						[]byte(payload),
					)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(
					http.StatusConflict,
					ErrorResponse{Error: "idempotency key in progress"},
				)
				return
			}
		}

		res, err := svcs.Reservation.Reserve(c.Request.Context(), reservation.ReserveInput{
			BusID:      busID,
			TravelDate: req.TravelDate,
			Seats:      req.Seats,
			LimitKey:   "ip:" + c.ClientIP(),
		})
		if err != nil {
			if idemStorageKey != "" && idem != nil {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := ReserveSeatsResponse{
			ReservationID: res.ID.String(),
			BusID:         res.BusID,
			TravelDate:    res.TravelDate,
			Seats:         res.Seats,
			ExpiresAt:     res.ExpiresAt.UTC().Format(time.RFC3339),
			ExpiresInSec:  int64(time.Until(res.ExpiresAt).Seconds()),
		}

		if idemStorageKey != "" && idem != nil {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary  Reservation status
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} ReservationStatusResponse
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [get]
func handleReservationStatus(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		view, err := svcs.Reservation.Status(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		res := view.Reservation
		c.JSON(http.StatusOK, ReservationStatusResponse{
			ReservationID: res.ID.String(),
			BusID:         res.BusID,
			TravelDate:    res.TravelDate,
			Seats:         res.Seats,
			State:         string(res.State),
			RemainingSec:  view.RemainingSeconds,
			Expired:       view.Expired,
			Paid:          view.Paid,
		})
	}
}

// @Summary  Release reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} ReleaseResponse
// @Router   /reservations/{id} [delete]
func handleReleaseReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		out, err := svcs.Reservation.Release(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, ReleaseResponse{
			Released:      out.Released,
			KeptPermanent: out.Excluded,
			SkippedPaid:   out.SkippedPaid,
		})
	}
}

// @Summary  Initiate payment for a reservation
// @Param    req body  InitiatePaymentRequest true "payload"
// @Success  201 {object} InitiatePaymentResponse
// @Failure  409 {object} ErrorResponse "reservation expired"
// @Router   /payments/initiate [post]
func handleInitiatePayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InitiatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		resID, err := uuid.Parse(req.ReservationID)
		if err != nil {
			badRequest(c, "invalid reservation_id")
			return
		}
		ticket, err := svcs.Payments.Initiate(c.Request.Context(), payments.InitiateInput{
			ReservationID: resID,
			Ref:           req.Ref,
			AmountCents:   req.AmountCents,
			Passenger: domainPassenger(
				req.Passenger.Name, req.Passenger.Email, req.Passenger.Phone,
			),
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, InitiatePaymentResponse{
			TicketID:  ticket.ID.String(),
			BookingID: ticket.BookingID,
			Ref:       req.Ref,
		})
	}
}

// @Summary  Verify payment against the gateway
// @Param    req body  VerifyPaymentRequest true "payload"
// @Success  200 {object} payments.VerifyResult
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "verification in progress"
// @Router   /payments/verify [post]
func handleVerifyPayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VerifyPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		result, err := svcs.Payments.Verify(c.Request.Context(), req.Ref)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// @Summary  Get ticket by ID or booking reference
// @Param    id  path  string  true  "Ticket UUID or booking reference"
// @Success  200 {object} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Router   /tickets/{id} [get]
func handleGetTicket(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svcs.Query.Ticket(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Create schedule
// @Param    req body  CreateScheduleRequest true "payload"
// @Success  201 {object} CreateScheduleResponse
// @Failure  409 {object} ErrorResponse
// @Router   /admin/schedules [post]
func handleCreateSchedule(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		sched, err := svcs.Admin.CreateSchedule(c.Request.Context(), scheduleFromRequest(req))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateScheduleResponse{ScheduleID: sched.ID})
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var seatConflict *reservation.SeatConflictError
	if errors.As(err, &seatConflict) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:            "seats unavailable",
			ConflictingSeats: seatConflict.Seats,
		})
		return
	}

	var rateLimited *reservation.RateLimitError
	if errors.As(err, &rateLimited) {
		retry := int64(rateLimited.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retry, 10))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	switch {
	// reservation service
	case errors.Is(err, reservation.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reservation not found"})
		return
	case errors.Is(err, reservation.ErrNoSchedule):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no schedule for bus"})
		return
	case errors.Is(err, reservation.ErrRateLimited):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	case errors.Is(err, reservation.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	// payments service
	case errors.Is(err, payments.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "payment not found"})
		return
	case errors.Is(err, payments.ErrReservationExpired):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "reservation expired"})
		return
	case errors.Is(err, payments.ErrVerifyInFlight):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, ErrorResponse{Error: "verification in progress"})
		return
	case errors.Is(err, payments.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	// query service
	case errors.Is(err, query.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
		return
	case errors.Is(err, query.ErrNoSchedule):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no schedule for bus"})
		return
	case errors.Is(err, query.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	// admin service
	case errors.Is(err, admin.ErrDuplicate):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "schedule already exists"})
		return
	case errors.Is(err, admin.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
