// README: Base handler utilities (JSON helpers, error mapping, wire shapes shared by handlers).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/pricing"
	"carpool/internal/modules/route"
	"carpool/internal/types"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// pointJSON is a coordinate on the wire.
type pointJSON struct {
	Lon *float64 `json:"lon"`
	Lat *float64 `json:"lat"`
}

func (p pointJSON) point() (types.Point, bool) {
	if p.Lon == nil || p.Lat == nil {
		return types.Point{}, false
	}
	pt := types.Point{Lng: *p.Lon, Lat: *p.Lat}
	return pt, pt.Valid()
}

func toPointJSON(p types.Point) pointJSON {
	lon, lat := p.Lng, p.Lat
	return pointJSON{Lon: &lon, Lat: &lat}
}

func isValidID(v string) bool {
	return types.ValidID(v)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code, RequestID: middleware.GetRequestID(c)})
}

// writeDomainError maps module errors onto HTTP statuses and stable codes.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, booking.ErrPaymentNotFound),
		errors.Is(err, booking.ErrRouteNotFound),
		errors.Is(err, route.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, pricing.ErrGeometryMismatch):
		writeError(c, http.StatusBadRequest, "geometry_mismatch", err.Error())
	case errors.Is(err, booking.ErrRouteUnavailable):
		writeError(c, http.StatusBadRequest, "route_unavailable", err.Error())
	case errors.Is(err, booking.ErrBadRequest),
		errors.Is(err, route.ErrBadRequest),
		errors.Is(err, pricing.ErrInvalidRate):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, booking.ErrForbidden), errors.Is(err, route.ErrForbidden):
		writeError(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrNoSeats):
		writeError(c, http.StatusConflict, "no_seats", err.Error())
	case errors.Is(err, booking.ErrInvalidState), errors.Is(err, route.ErrInvalidState):
		writeError(c, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.Is(err, route.ErrConflict):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, booking.ErrTransient):
		writeError(c, http.StatusServiceUnavailable, "transient", "temporarily unavailable, retry")
	default:
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func moneyJSON(m types.Money) float64 {
	return m.Major()
}
