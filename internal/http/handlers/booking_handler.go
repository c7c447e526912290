// README: Booking handlers for create/get/pay/cancel/complete and payment lookup.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/booking"
	"carpool/internal/types"
)

type BookingHandler struct {
	bookings *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{bookings: svc}
}

type createBookingReq struct {
	RouteID string    `json:"route_id"`
	Pickup  pointJSON `json:"pickup"`
	Dropoff pointJSON `json:"dropoff"`
}

type bookingResp struct {
	ID              types.ID       `json:"booking_id"`
	RouteID         types.ID       `json:"route_id"`
	PassengerID     types.ID       `json:"passenger_id"`
	Pickup          pointJSON      `json:"pickup"`
	Dropoff         pointJSON      `json:"dropoff"`
	DistanceKm      float64        `json:"distance_km"`
	CalculatedPrice float64        `json:"calculated_price"`
	Currency        string         `json:"currency"`
	Status          booking.Status `json:"status"`
	BookedAt        time.Time      `json:"booked_at"`
}

type paymentResp struct {
	ID            types.ID              `json:"payment_id"`
	BookingID     types.ID              `json:"booking_id"`
	Status        booking.PaymentStatus `json:"status"`
	Amount        float64               `json:"amount"`
	Currency      string                `json:"currency"`
	SettlementRef string                `json:"settlement_ref"`
	CreatedAt     time.Time             `json:"created_at"`
}

func toBookingResp(b *booking.Booking) bookingResp {
	return bookingResp{
		ID:              b.ID,
		RouteID:         b.RouteID,
		PassengerID:     b.PassengerID,
		Pickup:          toPointJSON(b.Pickup),
		Dropoff:         toPointJSON(b.Dropoff),
		DistanceKm:      b.DistanceKm,
		CalculatedPrice: moneyJSON(b.CalculatedPrice),
		Currency:        b.CalculatedPrice.Currency,
		Status:          b.Status,
		BookedAt:        b.BookedAt,
	}
}

func toPaymentResp(p *booking.Payment) paymentResp {
	return paymentResp{
		ID:            p.ID,
		BookingID:     p.BookingID,
		Status:        p.Status,
		Amount:        moneyJSON(p.Amount),
		Currency:      p.Amount.Currency,
		SettlementRef: p.SettlementRef,
		CreatedAt:     p.CreatedAt,
	}
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if !isValidID(req.RouteID) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid route_id")
		return
	}
	pickup, ok := req.Pickup.point()
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid pickup")
		return
	}
	dropoff, ok := req.Dropoff.point()
	if !ok {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid dropoff")
		return
	}

	b, err := h.bookings.Create(c.Request.Context(), booking.CreateCommand{
		PassengerID: types.ID(middleware.CallerUID(c)),
		RouteID:     types.ID(req.RouteID),
		Pickup:      pickup,
		Dropoff:     dropoff,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toBookingResp(b))
}

func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.bookings.Get(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResp(b))
}

func (h *BookingHandler) Pay(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	p, err := h.bookings.Pay(c.Request.Context(), booking.PayCommand{
		BookingID:   id,
		PassengerID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toPaymentResp(p))
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.bookings.Cancel(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResp(b))
}

func (h *BookingHandler) Complete(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.bookings.Complete(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResp(b))
}

func (h *BookingHandler) Payment(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	p, err := h.bookings.GetPayment(c.Request.Context(), id, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toPaymentResp(p))
}

func bookingID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid booking id")
		return "", false
	}
	return types.ID(id), true
}
