// README: Pricing store backed by PostgreSQL (system_configs lookups).
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRateNotConfigured = errors.New("default rate not configured")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// DefaultRatePerKm returns the configured fallback price per km in major units.
func (s *Store) DefaultRatePerKm(ctx context.Context) (float64, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT value FROM system_configs WHERE key = $1`, DefaultRateKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrRateNotConfigured
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", DefaultRateKey, raw, err)
	}
	return v, nil
}
