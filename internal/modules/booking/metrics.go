// README: Prometheus instruments for booking creation and payment.
package booking

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carpool/internal/modules/pricing"
)

var (
	bookingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_created_total",
		Help: "Booking creation attempts by result.",
	}, []string{"result"})

	paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_payment_total",
		Help: "Booking payment attempts by result.",
	}, []string{"result"})

	paymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_payment_duration_seconds",
		Help:    "Time spent in the pay operation, retries included.",
		Buckets: prometheus.DefBuckets,
	})

	paymentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_payment_retries_total",
		Help: "Pay transactions retried after a transient failure.",
	})
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoSeats):
		return "no_seats"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRouteNotFound):
		return "not_found"
	case errors.Is(err, pricing.ErrGeometryMismatch):
		return "geometry_mismatch"
	case errors.Is(err, ErrRouteUnavailable), errors.Is(err, ErrBadRequest):
		return "rejected"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
	}
}
