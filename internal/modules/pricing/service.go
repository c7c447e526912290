// README: Pricing service computes distance-based fares along a route path.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"carpool/internal/types"
)

var (
	ErrGeometryMismatch = errors.New("points are not near the route path")
	ErrInvalidRate      = errors.New("rate per km must not be negative")
)

type RateStore interface {
	DefaultRatePerKm(ctx context.Context) (float64, error)
}

type Config struct {
	ToleranceM    float64
	Currency      string
	FallbackPerKm float64
}

type Service struct {
	store RateStore
	cfg   Config
	log   *zap.Logger
}

func NewService(store RateStore, cfg Config, log *zap.Logger) *Service {
	if cfg.ToleranceM <= 0 {
		cfg.ToleranceM = DefaultToleranceM
	}
	if cfg.Currency == "" {
		cfg.Currency = "COP"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, log: log}
}

// Fare prices the part of the path between the projections of pickup and
// dropoff. It has no side effects and takes no locks.
func (s *Service) Fare(ctx context.Context, req FareRequest) (Quote, error) {
	if req.RatePerKm.Amount < 0 {
		return Quote{}, ErrInvalidRate
	}
	if req.Path.NumPoints() < 2 {
		return Quote{}, fmt.Errorf("%w: route has no path", ErrGeometryMismatch)
	}

	pick := req.Path.Project(req.Pickup)
	if pick.DistanceM > s.cfg.ToleranceM {
		return Quote{}, fmt.Errorf("%w: pickup is %.0fm away (limit %.0fm)", ErrGeometryMismatch, pick.DistanceM, s.cfg.ToleranceM)
	}
	drop := req.Path.Project(req.Dropoff)
	if drop.DistanceM > s.cfg.ToleranceM {
		return Quote{}, fmt.Errorf("%w: dropoff is %.0fm away (limit %.0fm)", ErrGeometryMismatch, drop.DistanceM, s.cfg.ToleranceM)
	}

	km := req.Path.Subpath(pick.Fraction, drop.Fraction).LengthKm()
	currency := req.RatePerKm.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	amount := types.Money{Amount: req.RatePerKm.Amount, Currency: currency}.Scale(km)

	return Quote{
		PickupFraction:  pick.Fraction,
		DropoffFraction: drop.Fraction,
		PickupOffsetM:   pick.DistanceM,
		DropoffOffsetM:  drop.DistanceM,
		DistanceKm:      km,
		Amount:          amount,
	}, nil
}

// DefaultRate is the price per km used when a driver does not set one.
func (s *Service) DefaultRate(ctx context.Context) types.Money {
	perKm := s.cfg.FallbackPerKm
	if s.store != nil {
		v, err := s.store.DefaultRatePerKm(ctx)
		switch {
		case err == nil:
			perKm = v
		case errors.Is(err, ErrRateNotConfigured):
		default:
			s.log.Warn("default rate lookup failed", zap.Error(err))
		}
	}
	return types.Money{Amount: types.MinorFromMajor(perKm), Currency: s.cfg.Currency}
}
