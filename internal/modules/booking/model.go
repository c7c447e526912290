// README: Booking and Payment aggregates with their status definitions.
package booking

import (
	"time"

	"carpool/internal/types"
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusConfirmed            Status = "confirmed"
	StatusCancelledByPassenger Status = "cancelled_by_passenger"
	StatusCompleted            Status = "completed"
)

type Booking struct {
	ID              types.ID
	PassengerID     types.ID
	RouteID         types.ID
	Pickup          types.Point
	Dropoff         types.Point
	DistanceKm      float64
	CalculatedPrice types.Money
	Status          Status
	BookedAt        time.Time
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is written once, by the transaction that confirms its booking.
type Payment struct {
	ID            types.ID
	BookingID     types.ID
	Amount        types.Money
	Status        PaymentStatus
	SettlementRef string
	CreatedAt     time.Time
}

// Event is published after a booking changes state.
type Event struct {
	Type        string    `json:"type"`
	BookingID   types.ID  `json:"booking_id"`
	RouteID     types.ID  `json:"route_id"`
	PassengerID types.ID  `json:"passenger_id"`
	Status      Status    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	PaymentID   types.ID  `json:"payment_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

const (
	EventCreated   = "booking.created"
	EventConfirmed = "booking.confirmed"
	EventCancelled = "booking.cancelled"
	EventCompleted = "booking.completed"
)

// AllowedTransitions is the booking state flow. pending -> confirmed only
// happens inside the payment transaction.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelledByPassenger},
	StatusConfirmed: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
