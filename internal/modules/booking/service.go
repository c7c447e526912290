// README: Booking service implements reservation, the atomic pay transaction and the remaining lifecycle moves.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"carpool/internal/modules/inventory"
	"carpool/internal/modules/pricing"
	"carpool/internal/modules/route"
	"carpool/internal/types"
)

var (
	ErrNotFound         = errors.New("booking not found")
	ErrInvalidState     = errors.New("invalid booking state transition")
	ErrNoSeats          = errors.New("no seats available")
	ErrBadRequest       = errors.New("bad request")
	ErrForbidden        = errors.New("caller is not the route driver")
	ErrRouteNotFound    = errors.New("route not found")
	ErrRouteUnavailable = errors.New("route is not accepting bookings")
	ErrPaymentNotFound  = errors.New("payment not found")
	// ErrTransient marks lock waits, serialization failures and deadlocks.
	// The pay operation retries it before surfacing it.
	ErrTransient = errors.New("transient storage failure")
)

// Store persists bookings and payments. RunInTx runs fn in one atomic unit;
// fn's writes are discarded when it returns an error.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	GetPayment(ctx context.Context, bookingID types.ID) (*Payment, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error)
	RunInTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of the store inside the pay transaction. Lock order is
// booking first, then route.
type Tx interface {
	// BookingForPassenger locks and returns the booking if the passenger owns it.
	BookingForPassenger(ctx context.Context, id, passengerID types.ID) (*Booking, error)
	// LockRouteSeats enters the route's exclusive section and reads its seat counter.
	LockRouteSeats(ctx context.Context, routeID types.ID) (int, route.Status, error)
	// TakeSeat decrements the counter, marking the route full at 0.
	TakeSeat(ctx context.Context, routeID types.ID) (int, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error)
	InsertPayment(ctx context.Context, p *Payment) error
}

type RouteReader interface {
	Get(ctx context.Context, id types.ID) (*route.Route, error)
}

type Fares interface {
	Fare(ctx context.Context, req pricing.FareRequest) (pricing.Quote, error)
}

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

type Config struct {
	PayRetries  int
	PayBackoff  time.Duration
	LockTimeout time.Duration
}

type Deps struct {
	Store  Store
	Routes RouteReader
	Fares  Fares
	// Locker adds a per-route section around the pay transaction, on top of
	// whatever the store does. Nil skips it.
	Locker inventory.Locker
	Events Publisher
	Log    *zap.Logger
	Config Config
}

type Service struct {
	store  Store
	routes RouteReader
	fares  Fares
	locker inventory.Locker
	events Publisher
	log    *zap.Logger
	cfg    Config
	now    func() time.Time
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Config.PayRetries < 0 {
		d.Config.PayRetries = 0
	}
	if d.Config.PayBackoff <= 0 {
		d.Config.PayBackoff = 50 * time.Millisecond
	}
	return &Service{
		store:  d.Store,
		routes: d.Routes,
		fares:  d.Fares,
		locker: d.Locker,
		events: d.Events,
		log:    d.Log,
		cfg:    d.Config,
		now:    time.Now,
	}
}

var tracer = otel.Tracer("carpool/booking")

type CreateCommand struct {
	PassengerID types.ID
	RouteID     types.ID
	Pickup      types.Point
	Dropoff     types.Point
}

type PayCommand struct {
	BookingID   types.ID
	PassengerID types.ID
}

// Create reserves nothing: it prices the trip and records a pending booking.
// The route check here is advisory; Pay makes the authoritative seat check.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (b *Booking, err error) {
	ctx, span := tracer.Start(ctx, "booking.Create")
	defer span.End()
	defer func() {
		bookingsCreated.WithLabelValues(resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if cmd.PassengerID == "" || cmd.RouteID == "" || !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, ErrBadRequest
	}
	r, err := s.routes.Get(ctx, cmd.RouteID)
	if errors.Is(err, route.ErrNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.DriverID == cmd.PassengerID {
		return nil, fmt.Errorf("%w: drivers cannot book their own route", ErrBadRequest)
	}
	if !r.Bookable() {
		return nil, ErrRouteUnavailable
	}

	q, err := s.fares.Fare(ctx, pricing.FareRequest{
		Path:      r.Path,
		RatePerKm: r.PricePerKm,
		Pickup:    cmd.Pickup,
		Dropoff:   cmd.Dropoff,
	})
	if err != nil {
		return nil, err
	}

	b = &Booking{
		ID:              types.NewID(),
		PassengerID:     cmd.PassengerID,
		RouteID:         r.ID,
		Pickup:          cmd.Pickup,
		Dropoff:         cmd.Dropoff,
		DistanceKm:      q.DistanceKm,
		CalculatedPrice: q.Amount,
		Status:          StatusPending,
		BookedAt:        s.now(),
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.id", string(b.ID)), attribute.String("route.id", string(r.ID)))
	s.log.Info("booking created",
		zap.String("booking_id", string(b.ID)),
		zap.String("route_id", string(r.ID)),
		zap.Float64("distance_km", q.DistanceKm),
		zap.Int64("price", b.CalculatedPrice.Amount),
	)
	s.publish(ctx, EventCreated, b, nil)
	return b, nil
}

// Pay confirms a pending booking: it takes one seat from the route and
// records a completed payment in a single transaction. Transient failures
// are retried with exponential backoff up to Config.PayRetries times.
func (s *Service) Pay(ctx context.Context, cmd PayCommand) (p *Payment, err error) {
	ctx, span := tracer.Start(ctx, "booking.Pay")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", string(cmd.BookingID)))

	start := time.Now()
	defer func() {
		paymentDuration.Observe(time.Since(start).Seconds())
		paymentsTotal.WithLabelValues(resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if cmd.BookingID == "" || cmd.PassengerID == "" {
		return nil, ErrBadRequest
	}

	var b *Booking
	for attempt := 0; ; attempt++ {
		b, p, err = s.payOnce(ctx, cmd)
		if !errors.Is(err, ErrTransient) || attempt >= s.cfg.PayRetries {
			break
		}
		paymentRetries.Inc()
		wait := s.cfg.PayBackoff << attempt
		s.log.Warn("pay attempt failed, retrying",
			zap.String("booking_id", string(cmd.BookingID)),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-time.After(wait):
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("booking paid",
		zap.String("booking_id", string(b.ID)),
		zap.String("route_id", string(b.RouteID)),
		zap.String("payment_id", string(p.ID)),
		zap.Int64("amount", p.Amount.Amount),
	)
	b.Status = StatusConfirmed
	s.publish(ctx, EventConfirmed, b, p)
	return p, nil
}

func (s *Service) payOnce(ctx context.Context, cmd PayCommand) (*Booking, *Payment, error) {
	if s.locker != nil {
		release, err := s.lockRoute(ctx, cmd)
		if err != nil {
			return nil, nil, err
		}
		defer release()
	}

	var (
		booked  *Booking
		payment *Payment
	)
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		b, err := tx.BookingForPassenger(ctx, cmd.BookingID, cmd.PassengerID)
		if err != nil {
			return err
		}
		if b.Status != StatusPending {
			return ErrInvalidState
		}

		seats, status, err := tx.LockRouteSeats(ctx, b.RouteID)
		if err != nil {
			return err
		}
		if status == route.StatusCancelled || status == route.StatusCompleted {
			return ErrRouteUnavailable
		}
		if seats <= 0 {
			return ErrNoSeats
		}
		if _, err := tx.TakeSeat(ctx, b.RouteID); err != nil {
			return err
		}

		ok, err := tx.UpdateStatus(ctx, b.ID, StatusPending, StatusConfirmed)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}

		p := &Payment{
			ID:            types.NewID(),
			BookingID:     b.ID,
			Amount:        b.CalculatedPrice,
			Status:        PaymentCompleted,
			SettlementRef: "sim_" + uuid.NewString(),
			CreatedAt:     s.now(),
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		booked, payment = b, p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return booked, payment, nil
}

// lockRoute enters the distributed section for the booking's route. The
// booking is read outside the transaction only to learn its route id.
func (s *Service) lockRoute(ctx context.Context, cmd PayCommand) (func(), error) {
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != cmd.PassengerID {
		return nil, ErrNotFound
	}
	lockCtx := ctx
	if s.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}
	release, err := s.locker.Acquire(lockCtx, b.RouteID)
	if errors.Is(err, inventory.ErrLockTimeout) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return release, err
}

// Cancel withdraws a pending booking. Pending bookings hold no seat, so
// nothing is returned to the route.
func (s *Service) Cancel(ctx context.Context, id, passengerID types.ID) (*Booking, error) {
	b, err := s.Get(ctx, id, passengerID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, StatusCancelledByPassenger) {
		return nil, ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, b.Status, StatusCancelledByPassenger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	b.Status = StatusCancelledByPassenger
	s.log.Info("booking cancelled", zap.String("booking_id", string(id)))
	s.publish(ctx, EventCancelled, b, nil)
	return b, nil
}

// Complete marks a confirmed booking as travelled. Only the route's driver
// may do it.
func (s *Service) Complete(ctx context.Context, id, driverID types.ID) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.routes.Get(ctx, b.RouteID)
	if errors.Is(err, route.ErrNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrForbidden
	}
	if !CanTransition(b.Status, StatusCompleted) {
		return nil, ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, b.Status, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}
	b.Status = StatusCompleted
	s.log.Info("booking completed", zap.String("booking_id", string(id)))
	s.publish(ctx, EventCompleted, b, nil)
	return b, nil
}

// Get returns the booking if passengerID owns it. Other callers see ErrNotFound.
func (s *Service) Get(ctx context.Context, id, passengerID types.ID) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != passengerID {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *Service) GetPayment(ctx context.Context, bookingID, passengerID types.ID) (*Payment, error) {
	if _, err := s.Get(ctx, bookingID, passengerID); err != nil {
		return nil, err
	}
	return s.store.GetPayment(ctx, bookingID)
}

func (s *Service) publish(ctx context.Context, kind string, b *Booking, p *Payment) {
	if s.events == nil {
		return
	}
	ev := Event{
		Type:        kind,
		BookingID:   b.ID,
		RouteID:     b.RouteID,
		PassengerID: b.PassengerID,
		Status:      b.Status,
		Amount:      b.CalculatedPrice.Amount,
		Currency:    b.CalculatedPrice.Currency,
		OccurredAt:  s.now(),
	}
	if p != nil {
		ev.PaymentID = p.ID
	}
	if err := s.events.Publish(ctx, kind, ev); err != nil {
		s.log.Warn("publish booking event failed", zap.String("subject", kind), zap.Error(err))
	}
}
