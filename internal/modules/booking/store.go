// README: Booking/payment store backed by PostgreSQL; the pay transaction serializes on route rows with SELECT ... FOR UPDATE.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/modules/route"
	"carpool/internal/types"
)

type PgStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Postgres store. lockTimeout bounds row lock waits inside
// the pay transaction; 0 leaves the server default.
func NewStore(db *pgxpool.Pool, lockTimeout time.Duration) *PgStore {
	return &PgStore{db: db, lockTimeout: lockTimeout}
}

const bookingColumns = `
	id, passenger_id, route_id,
	pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
	distance_km, calculated_price, currency, status, booked_at`

func (s *PgStore) Create(ctx context.Context, b *Booking) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		string(b.ID),
		string(b.PassengerID),
		string(b.RouteID),
		b.Pickup.Lng, b.Pickup.Lat,
		b.Dropoff.Lng, b.Dropoff.Lat,
		b.DistanceKm,
		b.CalculatedPrice.Amount,
		b.CalculatedPrice.Currency,
		string(b.Status),
		b.BookedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrRouteNotFound
	}
	return err
}

func (s *PgStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return scanBooking(s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id)))
}

func (s *PgStore) GetPayment(ctx context.Context, bookingID types.ID) (*Payment, error) {
	var p Payment
	err := s.db.QueryRow(ctx, `
		SELECT id, booking_id, amount, currency, status, settlement_ref, created_at
		FROM payments
		WHERE booking_id = $1`, string(bookingID),
	).Scan(&p.ID, &p.BookingID, &p.Amount.Amount, &p.Amount.Currency, &p.Status, &p.SettlementRef, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	return updateStatus(ctx, s.db, id, from, to)
}

// RunInTx runs fn in a READ COMMITTED transaction. Row locks taken by fn are
// held until commit or rollback.
func (s *PgStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(context.Background())

	if s.lockTimeout > 0 {
		// SET LOCAL does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) BookingForPassenger(ctx context.Context, id, passengerID types.ID) (*Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1 AND passenger_id = $2
		FOR UPDATE`, string(id), string(passengerID)))
}

func (t *pgTx) LockRouteSeats(ctx context.Context, routeID types.ID) (int, route.Status, error) {
	var seats int
	var status route.Status
	err := t.tx.QueryRow(ctx, `
		SELECT available_seats, status
		FROM routes
		WHERE id = $1
		FOR UPDATE`, string(routeID),
	).Scan(&seats, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", ErrRouteNotFound
	}
	return seats, status, err
}

func (t *pgTx) TakeSeat(ctx context.Context, routeID types.ID) (int, error) {
	var left int
	err := t.tx.QueryRow(ctx, `
		UPDATE routes
		SET available_seats = available_seats - 1,
		    status = CASE WHEN available_seats = 1 AND status = 'active' THEN 'full' ELSE status END
		WHERE id = $1 AND available_seats > 0
		RETURNING available_seats`, string(routeID),
	).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoSeats
	}
	return left, err
}

func (t *pgTx) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	return updateStatus(ctx, t.tx, id, from, to)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (id, booking_id, amount, currency, status, settlement_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(p.ID),
		string(p.BookingID),
		p.Amount.Amount,
		p.Amount.Currency,
		string(p.Status),
		p.SettlementRef,
		p.CreatedAt,
	)
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateStatus(ctx context.Context, db execer, id types.ID, from, to Status) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE bookings SET status = $1
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ID, &b.PassengerID, &b.RouteID,
		&b.Pickup.Lng, &b.Pickup.Lat, &b.Dropoff.Lng, &b.Dropoff.Lat,
		&b.DistanceKm, &b.CalculatedPrice.Amount, &b.CalculatedPrice.Currency, &b.Status, &b.BookedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// classify maps SQLSTATEs the pay operation can retry onto ErrTransient and
// a duplicate payment onto ErrInvalidState.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", ErrTransient, pgErr.Message)
	case "23505":
		return fmt.Errorf("%w: payment already recorded", ErrInvalidState)
	}
	return err
}
