// README: Route service covers driver-side route creation, lookup, proximity search and status changes.
package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"carpool/internal/modules/geometry"
	"carpool/internal/types"
)

var (
	ErrNotFound     = errors.New("route not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid route state transition")
	ErrForbidden    = errors.New("route belongs to another driver")
	ErrConflict     = errors.New("route state conflict")
)

// DefaultSearchBufferM is the proximity radius used by Search when none is given.
const DefaultSearchBufferM = 1000.0

type Repository interface {
	Create(ctx context.Context, r *Route) error
	Get(ctx context.Context, id types.ID) (*Route, error)
	ListBookable(ctx context.Context) ([]*Route, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error)
}

// Geocoder resolves the city and country around a point.
type Geocoder interface {
	ReverseLocality(ctx context.Context, p types.Point) (city, country string, err error)
}

// TravelEstimator gives the driving time between two points.
type TravelEstimator interface {
	TravelTime(ctx context.Context, origin, destination types.Point) (time.Duration, error)
}

// RateSource supplies the price per km for routes created without one.
type RateSource interface {
	DefaultRate(ctx context.Context) types.Money
}

type Deps struct {
	Repo     Repository
	Geocoder Geocoder
	Travel   TravelEstimator
	Rates    RateSource
	BufferM  float64
	Log      *zap.Logger
}

type Service struct {
	repo     Repository
	geocoder Geocoder
	travel   TravelEstimator
	rates    RateSource
	bufferM  float64
	log      *zap.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.BufferM <= 0 {
		d.BufferM = DefaultSearchBufferM
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Service{
		repo:     d.Repo,
		geocoder: d.Geocoder,
		travel:   d.Travel,
		rates:    d.Rates,
		bufferM:  d.BufferM,
		log:      d.Log,
		now:      time.Now,
	}
}

type CreateCommand struct {
	DriverID             types.ID
	DepartureTime        time.Time
	EstimatedArrivalTime time.Time
	AvailableSeats       int
	// PricePerKm is optional; nil means the configured default rate.
	PricePerKm *types.Money
	Path       []types.Point
}

type SearchQuery struct {
	From    types.Point
	To      types.Point
	BufferM float64
}

// Match is a search hit with how far each endpoint sits from the path.
type Match struct {
	Route     *Route
	FromM     float64
	ToM       float64
	SegmentKm float64
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Route, error) {
	if cmd.DriverID == "" || cmd.AvailableSeats < 1 || cmd.DepartureTime.IsZero() {
		return nil, ErrBadRequest
	}
	if !cmd.EstimatedArrivalTime.IsZero() && !cmd.EstimatedArrivalTime.After(cmd.DepartureTime) {
		return nil, fmt.Errorf("%w: arrival must be after departure", ErrBadRequest)
	}
	path, err := geometry.NewPolyline(cmd.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	var price types.Money
	switch {
	case cmd.PricePerKm != nil:
		price = *cmd.PricePerKm
	case s.rates != nil:
		price = s.rates.DefaultRate(ctx)
	}
	if price.Amount <= 0 {
		return nil, fmt.Errorf("%w: price per km must be positive", ErrBadRequest)
	}

	r := &Route{
		ID:                   types.NewID(),
		DriverID:             cmd.DriverID,
		DepartureTime:        cmd.DepartureTime,
		EstimatedArrivalTime: cmd.EstimatedArrivalTime,
		AvailableSeats:       cmd.AvailableSeats,
		PricePerKm:           price,
		Status:               StatusActive,
		Path:                 path,
		CreatedAt:            s.now(),
	}
	if r.EstimatedArrivalTime.IsZero() {
		r.EstimatedArrivalTime = r.DepartureTime.Add(s.estimateTravel(ctx, path))
	}
	s.locate(ctx, r)

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("route created",
		zap.String("route_id", string(r.ID)),
		zap.String("driver_id", string(r.DriverID)),
		zap.Int("seats", r.AvailableSeats),
		zap.Float64("length_km", path.LengthKm()),
	)
	return r, nil
}

// locate fills start/end locality. Lookup failures leave the fields empty.
func (s *Service) locate(ctx context.Context, r *Route) {
	if s.geocoder == nil {
		return
	}
	pts := r.Path.Points()
	var err error
	if r.StartCity, r.StartCountry, err = s.geocoder.ReverseLocality(ctx, pts[0]); err != nil {
		s.log.Warn("reverse geocode start failed", zap.String("route_id", string(r.ID)), zap.Error(err))
	}
	if r.EndCity, r.EndCountry, err = s.geocoder.ReverseLocality(ctx, pts[len(pts)-1]); err != nil {
		s.log.Warn("reverse geocode end failed", zap.String("route_id", string(r.ID)), zap.Error(err))
	}
}

// averageSpeedKmh is used when no travel estimator answers.
const averageSpeedKmh = 30.0

func (s *Service) estimateTravel(ctx context.Context, path geometry.Polyline) time.Duration {
	if s.travel != nil {
		pts := path.Points()
		d, err := s.travel.TravelTime(ctx, pts[0], pts[len(pts)-1])
		if err == nil && d > 0 {
			return d
		}
		s.log.Warn("travel time estimate failed", zap.Error(err))
	}
	return time.Duration(path.LengthKm() / averageSpeedKmh * float64(time.Hour))
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Route, error) {
	return s.repo.Get(ctx, id)
}

// Search returns bookable routes passing near both points in travel order,
// closest first.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if !q.From.Valid() || !q.To.Valid() {
		return nil, ErrBadRequest
	}
	buffer := q.BufferM
	if buffer <= 0 {
		buffer = s.bufferM
	}

	routes, err := s.repo.ListBookable(ctx)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, r := range routes {
		from := r.Path.Project(q.From)
		if from.DistanceM > buffer {
			continue
		}
		to := r.Path.Project(q.To)
		if to.DistanceM > buffer || to.Fraction < from.Fraction {
			continue
		}
		out = append(out, Match{
			Route:     r,
			FromM:     from.DistanceM,
			ToM:       to.DistanceM,
			SegmentKm: r.Path.Subpath(from.Fraction, to.Fraction).LengthKm(),
		})
	}
	sortByDetour(out)
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, id, driverID types.ID) error {
	return s.transition(ctx, id, driverID, StatusCancelled)
}

func (s *Service) Complete(ctx context.Context, id, driverID types.ID) error {
	return s.transition(ctx, id, driverID, StatusCompleted)
}

func (s *Service) transition(ctx context.Context, id, driverID types.ID, to Status) error {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return ErrForbidden
	}
	if !CanTransition(r.Status, to) {
		return ErrInvalidState
	}
	ok, err := s.repo.UpdateStatus(ctx, id, r.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.log.Info("route status changed",
		zap.String("route_id", string(id)),
		zap.String("from", string(r.Status)),
		zap.String("to", string(to)),
	)
	return nil
}

// sortByDetour orders matches by combined walking distance to the path.
// Ties keep departure order from the store.
func sortByDetour(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].FromM+ms[i].ToM < ms[j].FromM+ms[j].ToM
	})
}
