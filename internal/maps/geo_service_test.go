package maps

import (
	"context"
	"errors"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"carpool/internal/types"
)

type fakeAPI struct {
	geocode    []maps.GeocodingResult
	routes     []maps.Route
	err        error
	lastGeo    *maps.GeocodingRequest
	lastRoutes *maps.DirectionsRequest
}

func (f *fakeAPI) ReverseGeocode(_ context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	f.lastGeo = r
	return f.geocode, f.err
}

func (f *fakeAPI) Directions(_ context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.lastRoutes = r
	return f.routes, nil, f.err
}

var caliCentre = types.Point{Lng: -76.53676, Lat: 3.42158}

func TestGeoService_ReverseLocality(t *testing.T) {
	api := &fakeAPI{geocode: []maps.GeocodingResult{{
		AddressComponents: []maps.AddressComponent{
			{LongName: "Calle 5", Types: []string{"route"}},
			{LongName: "Santiago de Cali", Types: []string{"locality", "political"}},
			{LongName: "Valle del Cauca", Types: []string{"administrative_area_level_1", "political"}},
			{LongName: "Colombia", ShortName: "CO", Types: []string{"country", "political"}},
		},
	}}}
	svc := &GeoService{client: api, language: "es"}

	city, country, err := svc.ReverseLocality(context.Background(), caliCentre)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if city != "Santiago de Cali" || country != "Colombia" {
		t.Fatalf("got %q, %q", city, country)
	}
	if api.lastGeo.LatLng.Lat != caliCentre.Lat || api.lastGeo.LatLng.Lng != caliCentre.Lng {
		t.Fatalf("request used wrong coordinates: %+v", api.lastGeo.LatLng)
	}
	if api.lastGeo.Language != "es" {
		t.Fatalf("expected language es, got %q", api.lastGeo.Language)
	}
}

func TestGeoService_ReverseLocalityFallbacks(t *testing.T) {
	svc := &GeoService{client: &fakeAPI{geocode: []maps.GeocodingResult{
		{AddressComponents: []maps.AddressComponent{{LongName: "Colombia", Types: []string{"country"}}}},
		{AddressComponents: []maps.AddressComponent{{LongName: "Jamundí", Types: []string{"administrative_area_level_2"}}}},
	}}}
	city, country, err := svc.ReverseLocality(context.Background(), caliCentre)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if city != "Jamundí" || country != "Colombia" {
		t.Fatalf("got %q, %q", city, country)
	}

	svc = &GeoService{client: &fakeAPI{}}
	if _, _, err := svc.ReverseLocality(context.Background(), caliCentre); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}

	svc = &GeoService{client: &fakeAPI{err: errors.New("OVER_QUERY_LIMIT")}}
	if _, _, err := svc.ReverseLocality(context.Background(), caliCentre); err == nil {
		t.Fatal("expected api error")
	}
}

func TestGeoService_TravelTime(t *testing.T) {
	api := &fakeAPI{routes: []maps.Route{{Legs: []*maps.Leg{{Duration: 12 * time.Minute}}}}}
	svc := &GeoService{client: api}

	d, err := svc.TravelTime(context.Background(), caliCentre, types.Point{Lng: -76.52, Lat: 3.43})
	if err != nil {
		t.Fatalf("travel time: %v", err)
	}
	if d != 12*time.Minute {
		t.Fatalf("expected 12m, got %s", d)
	}
	if api.lastRoutes.Origin != "3.421580,-76.536760" || api.lastRoutes.Mode != maps.TravelModeDriving {
		t.Fatalf("unexpected request %+v", api.lastRoutes)
	}

	svc = &GeoService{client: &fakeAPI{}}
	if _, err := svc.TravelTime(context.Background(), caliCentre, caliCentre); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}
