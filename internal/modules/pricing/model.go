// README: Fare request/quote definitions for distance-based route pricing.
package pricing

import (
	"carpool/internal/modules/geometry"
	"carpool/internal/types"
)

// DefaultToleranceM is how far a pickup or dropoff may sit from the route
// path before the fare is refused.
const DefaultToleranceM = 500.0

// DefaultRateKey is the system_configs key holding the fallback price per km (major units).
const DefaultRateKey = "default_price_per_km_cop"

type FareRequest struct {
	Path      geometry.Polyline
	RatePerKm types.Money
	Pickup    types.Point
	Dropoff   types.Point
}

type Quote struct {
	PickupFraction  float64
	DropoffFraction float64
	PickupOffsetM   float64
	DropoffOffsetM  float64
	DistanceKm      float64
	Amount          types.Money
}
