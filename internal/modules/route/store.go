// README: Route store backed by PostgreSQL; paths are JSONB [[lon,lat],...] decoded into a Polyline on read.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/modules/geometry"
	"carpool/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const routeColumns = `
	id, driver_id, departure_time, estimated_arrival_time, available_seats,
	price_per_km, currency, status, path,
	start_city, start_country, end_city, end_country, created_at`

func (s *Store) Create(ctx context.Context, r *Route) error {
	path, err := encodePath(r.Path)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO routes (`+routeColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		string(r.ID),
		string(r.DriverID),
		r.DepartureTime,
		r.EstimatedArrivalTime,
		r.AvailableSeats,
		r.PricePerKm.Amount,
		r.PricePerKm.Currency,
		string(r.Status),
		path,
		r.StartCity, r.StartCountry, r.EndCity, r.EndCountry,
		r.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Route, error) {
	row := s.db.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, string(id))
	r, err := scanRoute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListBookable returns active routes that still report free seats.
func (s *Store) ListBookable(ctx context.Context) ([]*Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+routeColumns+`
		FROM routes
		WHERE status = 'active' AND available_seats > 0
		ORDER BY departure_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE routes SET status = $1
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanRoute(row pgx.Row) (*Route, error) {
	var r Route
	var rawPath []byte
	err := row.Scan(
		&r.ID, &r.DriverID, &r.DepartureTime, &r.EstimatedArrivalTime, &r.AvailableSeats,
		&r.PricePerKm.Amount, &r.PricePerKm.Currency, &r.Status, &rawPath,
		&r.StartCity, &r.StartCountry, &r.EndCity, &r.EndCountry, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Path, err = decodePath(rawPath)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodePath(pl geometry.Polyline) ([]byte, error) {
	pts := pl.Points()
	pairs := make([][2]float64, len(pts))
	for i, p := range pts {
		pairs[i] = p.LngLat()
	}
	return json.Marshal(pairs)
}

func decodePath(raw []byte) (geometry.Polyline, error) {
	var pairs [][2]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return geometry.Polyline{}, fmt.Errorf("decode path: %w", err)
	}
	pts := make([]types.Point, len(pairs))
	for i, p := range pairs {
		pts[i] = types.PointFromLngLat(p)
	}
	return geometry.NewPolyline(pts)
}
