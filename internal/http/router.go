// README: HTTP router registration (gin) with middleware, API routes, health and metrics.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carpool/internal/http/handlers"
	"carpool/internal/http/middleware"
	"carpool/internal/infra"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/route"
)

type RouterDeps struct {
	Routes   *route.Service
	Bookings *booking.Service
	Verifier infra.TokenVerifier
	Currency string
	Log      *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(d.Verifier, d.Log))

	routeHandler := handlers.NewRouteHandler(d.Routes, d.Currency)
	api.POST("/routes", routeHandler.Create)
	api.GET("/routes/search", routeHandler.Search)
	api.GET("/routes/:id", routeHandler.Get)
	api.POST("/routes/:id/cancel", routeHandler.Cancel)
	api.POST("/routes/:id/complete", routeHandler.Complete)

	bookingHandler := handlers.NewBookingHandler(d.Bookings)
	api.POST("/bookings", bookingHandler.Create)
	api.GET("/bookings/:id", bookingHandler.Get)
	api.POST("/bookings/:id/pay", bookingHandler.Pay)
	api.POST("/bookings/:id/cancel", bookingHandler.Cancel)
	api.POST("/bookings/:id/complete", bookingHandler.Complete)
	api.GET("/bookings/:id/payment", bookingHandler.Payment)

	return r
}
