// README: Route handlers for create/get/search and driver status changes.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/route"
	"carpool/internal/types"
)

type RouteHandler struct {
	routes   *route.Service
	currency string
}

func NewRouteHandler(svc *route.Service, currency string) *RouteHandler {
	return &RouteHandler{routes: svc, currency: currency}
}

type createRouteReq struct {
	DepartureTime        time.Time    `json:"departure_time"`
	EstimatedArrivalTime *time.Time   `json:"estimated_arrival_time"`
	AvailableSeats       int          `json:"available_seats"`
	PricePerKm           *float64     `json:"price_per_km"`
	Path                 [][2]float64 `json:"path"`
}

type routeResp struct {
	ID                   types.ID     `json:"id"`
	DriverID             types.ID     `json:"driver_id"`
	DepartureTime        time.Time    `json:"departure_time"`
	EstimatedArrivalTime time.Time    `json:"estimated_arrival_time"`
	AvailableSeats       int          `json:"available_seats"`
	PricePerKm           float64      `json:"price_per_km"`
	Currency             string       `json:"currency"`
	Status               route.Status `json:"status"`
	Path                 [][2]float64 `json:"path"`
	LengthKm             float64      `json:"length_km"`
	StartCity            string       `json:"start_city,omitempty"`
	StartCountry         string       `json:"start_country,omitempty"`
	EndCity              string       `json:"end_city,omitempty"`
	EndCountry           string       `json:"end_country,omitempty"`
}

type searchHitResp struct {
	routeResp
	FromDistanceM float64 `json:"from_distance_m"`
	ToDistanceM   float64 `json:"to_distance_m"`
	SegmentKm     float64 `json:"segment_km"`
}

func toRouteResp(r *route.Route) routeResp {
	pts := r.Path.Points()
	path := make([][2]float64, len(pts))
	for i, p := range pts {
		path[i] = p.LngLat()
	}
	return routeResp{
		ID:                   r.ID,
		DriverID:             r.DriverID,
		DepartureTime:        r.DepartureTime,
		EstimatedArrivalTime: r.EstimatedArrivalTime,
		AvailableSeats:       r.AvailableSeats,
		PricePerKm:           moneyJSON(r.PricePerKm),
		Currency:             r.PricePerKm.Currency,
		Status:               r.Status,
		Path:                 path,
		LengthKm:             r.Path.LengthKm(),
		StartCity:            r.StartCity,
		StartCountry:         r.StartCountry,
		EndCity:              r.EndCity,
		EndCountry:           r.EndCountry,
	}
}

func (h *RouteHandler) Create(c *gin.Context) {
	var req createRouteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	cmd := route.CreateCommand{
		DriverID:       types.ID(middleware.CallerUID(c)),
		DepartureTime:  req.DepartureTime,
		AvailableSeats: req.AvailableSeats,
		Path:           make([]types.Point, len(req.Path)),
	}
	if req.EstimatedArrivalTime != nil {
		cmd.EstimatedArrivalTime = *req.EstimatedArrivalTime
	}
	if req.PricePerKm != nil {
		cmd.PricePerKm = &types.Money{Amount: types.MinorFromMajor(*req.PricePerKm), Currency: h.currency}
	}
	for i, p := range req.Path {
		cmd.Path[i] = types.PointFromLngLat(p)
	}

	r, err := h.routes.Create(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toRouteResp(r))
}

func (h *RouteHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid route id")
		return
	}
	r, err := h.routes.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toRouteResp(r))
}

// Search answers GET /api/routes/search?from_lat=&from_lon=&to_lat=&to_lon=[&buffer_meters=].
func (h *RouteHandler) Search(c *gin.Context) {
	vals := make(map[string]float64, 5)
	for _, key := range []string{"from_lat", "from_lon", "to_lat", "to_lon"} {
		v, err := strconv.ParseFloat(c.Query(key), 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "missing or invalid "+key)
			return
		}
		vals[key] = v
	}
	var buffer float64
	if raw := c.Query("buffer_meters"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid buffer_meters")
			return
		}
		buffer = v
	}

	hits, err := h.routes.Search(c.Request.Context(), route.SearchQuery{
		From:    types.Point{Lng: vals["from_lon"], Lat: vals["from_lat"]},
		To:      types.Point{Lng: vals["to_lon"], Lat: vals["to_lat"]},
		BufferM: buffer,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]searchHitResp, 0, len(hits))
	for _, m := range hits {
		out = append(out, searchHitResp{
			routeResp:     toRouteResp(m.Route),
			FromDistanceM: m.FromM,
			ToDistanceM:   m.ToM,
			SegmentKm:     m.SegmentKm,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"routes": out})
}

func (h *RouteHandler) Cancel(c *gin.Context) {
	h.transition(c, h.routes.Cancel, route.StatusCancelled)
}

func (h *RouteHandler) Complete(c *gin.Context) {
	h.transition(c, h.routes.Complete, route.StatusCompleted)
}

func (h *RouteHandler) transition(c *gin.Context, fn func(ctx context.Context, id, driverID types.ID) error, to route.Status) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid route id")
		return
	}
	if err := fn(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c))); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "status": to})
}
