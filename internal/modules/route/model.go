// README: Route aggregate (driver-offered path with seat inventory) and status definitions.
package route

import (
	"time"

	"carpool/internal/modules/geometry"
	"carpool/internal/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusFull      Status = "full"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

type Route struct {
	ID                   types.ID
	DriverID             types.ID
	DepartureTime        time.Time
	EstimatedArrivalTime time.Time
	AvailableSeats       int
	PricePerKm           types.Money
	Status               Status
	Path                 geometry.Polyline
	StartCity            string
	StartCountry         string
	EndCity              string
	EndCountry           string
	CreatedAt            time.Time
}

// Bookable is the advisory check done before a booking is priced. The
// authoritative seat check happens while paying.
func (r *Route) Bookable() bool {
	return r.Status == StatusActive && r.AvailableSeats > 0
}

// AllowedTransitions is the route status flow. full is entered by the
// payment transaction when the last seat is taken.
var AllowedTransitions = map[Status][]Status{
	StatusActive: {StatusFull, StatusCancelled, StatusCompleted},
	StatusFull:   {StatusCancelled, StatusCompleted},
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
