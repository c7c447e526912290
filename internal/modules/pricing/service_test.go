package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"carpool/internal/modules/geometry"
	"carpool/internal/types"
)

var caliPath = []types.Point{
	{Lng: -76.53676, Lat: 3.42158},
	{Lng: -76.53000, Lat: 3.42500},
	{Lng: -76.52000, Lat: 3.43000},
}

func cop(major float64) types.Money {
	return types.Money{Amount: types.MinorFromMajor(major), Currency: "COP"}
}

func testPath(t *testing.T) geometry.Polyline {
	t.Helper()
	pl, err := geometry.NewPolyline(caliPath)
	if err != nil {
		t.Fatalf("polyline: %v", err)
	}
	return pl
}

type stubRates struct {
	v   float64
	err error
}

func (s stubRates) DefaultRatePerKm(context.Context) (float64, error) { return s.v, s.err }

func TestService_Fare(t *testing.T) {
	path := testPath(t)
	s := NewService(nil, Config{}, nil)

	tests := []struct {
		name      string
		req       FareRequest
		wantMajor float64
		tolerance float64
	}{
		{
			// Full path is ~2.0826km; 2.0826 * 500 = 1041.3
			name:      "start to end at 500/km",
			req:       FareRequest{Path: path, RatePerKm: cop(500), Pickup: caliPath[0], Dropoff: caliPath[2]},
			wantMajor: 1041.3,
			tolerance: 0.5,
		},
		{
			name:      "reversed pickup and dropoff prices the same span",
			req:       FareRequest{Path: path, RatePerKm: cop(500), Pickup: caliPath[2], Dropoff: caliPath[0]},
			wantMajor: 1041.3,
			tolerance: 0.5,
		},
		{
			// Second leg only, ~1.2414km
			name:      "middle vertex to end",
			req:       FareRequest{Path: path, RatePerKm: cop(500), Pickup: caliPath[1], Dropoff: caliPath[2]},
			wantMajor: 620.7,
			tolerance: 0.5,
		},
		{
			name:      "pickup equals dropoff is free",
			req:       FareRequest{Path: path, RatePerKm: cop(500), Pickup: caliPath[1], Dropoff: caliPath[1]},
			wantMajor: 0,
			tolerance: 0,
		},
		{
			name:      "zero rate",
			req:       FareRequest{Path: path, RatePerKm: cop(0), Pickup: caliPath[0], Dropoff: caliPath[2]},
			wantMajor: 0,
			tolerance: 0,
		},
		{
			// ~55m north of both vertices is within tolerance; the fare uses the projections.
			name: "slightly off-path points snap to the path",
			req: FareRequest{
				Path:      path,
				RatePerKm: cop(500),
				Pickup:    types.Point{Lng: caliPath[0].Lng, Lat: caliPath[0].Lat + 0.0005},
				Dropoff:   types.Point{Lng: caliPath[2].Lng, Lat: caliPath[2].Lat + 0.0005},
			},
			wantMajor: 1028.7,
			tolerance: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := s.Fare(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Fare() error = %v", err)
			}
			if math.Abs(q.Amount.Major()-tt.wantMajor) > tt.tolerance {
				t.Errorf("Fare() = %.2f, want %.2f (±%.2f)", q.Amount.Major(), tt.wantMajor, tt.tolerance)
			}
			if q.Amount.Currency != "COP" {
				t.Errorf("currency = %q", q.Amount.Currency)
			}
			if q.Amount.Amount < 0 {
				t.Errorf("negative fare %d", q.Amount.Amount)
			}
		})
	}
}

func TestService_FareProportionalToRate(t *testing.T) {
	path := testPath(t)
	s := NewService(nil, Config{}, nil)
	req := FareRequest{
		Path:      path,
		RatePerKm: cop(350),
		Pickup:    types.Point{Lng: -76.5340, Lat: 3.4230},
		Dropoff:   types.Point{Lng: -76.5250, Lat: 3.4275},
	}
	single, err := s.Fare(context.Background(), req)
	if err != nil {
		t.Fatalf("fare: %v", err)
	}
	req.RatePerKm = cop(700)
	double, err := s.Fare(context.Background(), req)
	if err != nil {
		t.Fatalf("fare: %v", err)
	}
	// Rounding to minor units may differ by one cent.
	if diff := double.Amount.Amount - 2*single.Amount.Amount; diff < -1 || diff > 1 {
		t.Fatalf("doubling rate: %d vs 2*%d", double.Amount.Amount, single.Amount.Amount)
	}
	if single.DistanceKm != double.DistanceKm {
		t.Fatalf("distance must not depend on rate")
	}
}

func TestService_FareGeometryMismatch(t *testing.T) {
	path := testPath(t)
	s := NewService(nil, Config{ToleranceM: 200}, nil)
	far := types.Point{Lng: -76.50, Lat: 3.40} // several km away

	_, err := s.Fare(context.Background(), FareRequest{Path: path, RatePerKm: cop(500), Pickup: far, Dropoff: caliPath[2]})
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("pickup far away: expected ErrGeometryMismatch, got %v", err)
	}
	_, err = s.Fare(context.Background(), FareRequest{Path: path, RatePerKm: cop(500), Pickup: caliPath[0], Dropoff: far})
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("dropoff far away: expected ErrGeometryMismatch, got %v", err)
	}
	_, err = s.Fare(context.Background(), FareRequest{RatePerKm: cop(500), Pickup: caliPath[0], Dropoff: caliPath[2]})
	if !errors.Is(err, ErrGeometryMismatch) {
		t.Fatalf("empty path: expected ErrGeometryMismatch, got %v", err)
	}
}

func TestService_FareRejectsNegativeRate(t *testing.T) {
	s := NewService(nil, Config{}, nil)
	_, err := s.Fare(context.Background(), FareRequest{Path: testPath(t), RatePerKm: cop(-1), Pickup: caliPath[0], Dropoff: caliPath[2]})
	if !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
}

func TestService_DefaultRate(t *testing.T) {
	ctx := context.Background()

	s := NewService(nil, Config{FallbackPerKm: 350}, nil)
	if got := s.DefaultRate(ctx); got.Amount != 35000 || got.Currency != "COP" {
		t.Fatalf("fallback rate = %+v", got)
	}

	s = NewService(stubRates{v: 420.5}, Config{FallbackPerKm: 350}, nil)
	if got := s.DefaultRate(ctx); got.Amount != 42050 {
		t.Fatalf("stored rate = %+v", got)
	}

	s = NewService(stubRates{err: ErrRateNotConfigured}, Config{FallbackPerKm: 350}, nil)
	if got := s.DefaultRate(ctx); got.Amount != 35000 {
		t.Fatalf("unconfigured store should fall back, got %+v", got)
	}
}
