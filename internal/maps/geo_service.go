// README: Google Maps client wrapper for reverse geocoding route endpoints and estimating driving time.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"carpool/internal/types"
)

var ErrNoResult = errors.New("maps: no result")

type api interface {
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// GeoService resolves localities and travel times for route endpoints.
type GeoService struct {
	client   api
	language string
}

func NewGeoService(apiKey, language string) (*GeoService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeoService{client: client, language: language}, nil
}

// ReverseLocality returns the city and country containing p.
func (s *GeoService) ReverseLocality(ctx context.Context, p types.Point) (string, string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: s.language,
	})
	if err != nil {
		return "", "", fmt.Errorf("maps api error: %w", err)
	}

	var city, country string
	for _, r := range results {
		for _, c := range r.AddressComponents {
			switch {
			case city == "" && hasType(c.Types, "locality"):
				city = c.LongName
			case city == "" && hasType(c.Types, "administrative_area_level_2"):
				city = c.LongName
			case country == "" && hasType(c.Types, "country"):
				country = c.LongName
			}
		}
		if city != "" && country != "" {
			break
		}
	}
	if city == "" && country == "" {
		return "", "", ErrNoResult
	}
	return city, country, nil
}

// TravelTime returns the driving duration of the first leg from origin to destination.
func (s *GeoService) TravelTime(ctx context.Context, origin, destination types.Point) (time.Duration, error) {
	routes, _, err := s.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
		Language:    s.language,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, ErrNoResult
	}
	return routes[0].Legs[0].Duration, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func hasType(ts []string, want string) bool {
	for _, t := range ts {
		if t == want {
			return true
		}
	}
	return false
}
