package booking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"carpool/internal/modules/geometry"
	"carpool/internal/modules/inventory"
	"carpool/internal/modules/pricing"
	"carpool/internal/modules/route"
	"carpool/internal/types"
)

var caliPath = []types.Point{
	{Lng: -76.53676, Lat: 3.42158},
	{Lng: -76.53000, Lat: 3.42500},
	{Lng: -76.52000, Lat: 3.43000},
}

// 500 COP per km over the 2082.6 m reference path.
const referenceFareMinor = 104130

const driverID types.ID = "driver-1"

type recordedEvent struct {
	subject string
	event   Event
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{subject: subject, event: payload.(Event)})
	return nil
}

func (r *recorder) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.subject
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	routes *route.MemoryStore
	events *recorder
}

func newFixture(t *testing.T, locker inventory.Locker) *fixture {
	t.Helper()
	routes := route.NewMemoryStore()
	store := NewMemoryStore(routes, time.Second)
	events := &recorder{}
	svc := NewService(Deps{
		Store:  store,
		Routes: routes,
		Fares:  pricing.NewService(nil, pricing.Config{}, nil),
		Locker: locker,
		Events: events,
		Config: Config{PayRetries: 3, PayBackoff: time.Millisecond, LockTimeout: time.Second},
	})
	return &fixture{svc: svc, store: store, routes: routes, events: events}
}

func (f *fixture) addRoute(t *testing.T, seats int) *route.Route {
	t.Helper()
	path, err := geometry.NewPolyline(caliPath)
	if err != nil {
		t.Fatalf("polyline: %v", err)
	}
	r := &route.Route{
		ID:             types.NewID(),
		DriverID:       driverID,
		DepartureTime:  time.Now().Add(time.Hour),
		AvailableSeats: seats,
		PricePerKm:     types.Money{Amount: 50000, Currency: "COP"},
		Status:         route.StatusActive,
		Path:           path,
	}
	if err := f.routes.Create(context.Background(), r); err != nil {
		t.Fatalf("create route: %v", err)
	}
	return r
}

func (f *fixture) book(t *testing.T, routeID, passengerID types.ID) *Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), CreateCommand{
		PassengerID: passengerID,
		RouteID:     routeID,
		Pickup:      caliPath[0],
		Dropoff:     caliPath[2],
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (f *fixture) seats(t *testing.T, id types.ID) (int, route.Status) {
	t.Helper()
	r, err := f.routes.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	return r.AvailableSeats, r.Status
}

func TestService_ReferenceScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 1)

	first := f.book(t, r.ID, "passenger-1")
	if first.Status != StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}
	if d := math.Abs(float64(first.CalculatedPrice.Amount - referenceFareMinor)); d > 50 {
		t.Fatalf("expected fare near %d, got %d", referenceFareMinor, first.CalculatedPrice.Amount)
	}
	// Booking creation is optimistic: a second passenger can still book.
	second := f.book(t, r.ID, "passenger-2")

	p, err := f.svc.Pay(ctx, PayCommand{BookingID: first.ID, PassengerID: "passenger-1"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if p.Status != PaymentCompleted || p.Amount != first.CalculatedPrice || p.BookingID != first.ID {
		t.Fatalf("unexpected payment %+v", p)
	}
	if !strings.HasPrefix(p.SettlementRef, "sim_") {
		t.Fatalf("unexpected settlement ref %q", p.SettlementRef)
	}
	seats, status := f.seats(t, r.ID)
	if seats != 0 || status != route.StatusFull {
		t.Fatalf("expected 0 seats and full, got %d %s", seats, status)
	}

	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: second.ID, PassengerID: "passenger-2"}); !errors.Is(err, ErrNoSeats) {
		t.Fatalf("expected ErrNoSeats, got %v", err)
	}
	got, err := f.svc.Get(ctx, second.ID, "passenger-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("losing booking must stay pending, got %s", got.Status)
	}
	if _, err := f.svc.Create(ctx, CreateCommand{
		PassengerID: "passenger-3", RouteID: r.ID, Pickup: caliPath[0], Dropoff: caliPath[2],
	}); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable on a full route, got %v", err)
	}
	if f.store.PaymentCount() != 1 {
		t.Fatalf("expected 1 payment, got %d", f.store.PaymentCount())
	}
}

func TestService_ConcurrentPayNeverOversells(t *testing.T) {
	lockers := map[string]inventory.Locker{
		"store only":    nil,
		"keyed section": inventory.NewKeyedMutex(),
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			const seats, passengers = 3, 12
			f := newFixture(t, locker)
			r := f.addRoute(t, seats)

			bookings := make([]*Booking, passengers)
			for i := range bookings {
				bookings[i] = f.book(t, r.ID, types.ID(fmt.Sprintf("passenger-%d", i)))
			}

			var wg sync.WaitGroup
			errs := make(chan error, passengers)
			start := make(chan struct{})
			for _, b := range bookings {
				wg.Add(1)
				go func(b *Booking) {
					defer wg.Done()
					<-start
					_, err := f.svc.Pay(context.Background(), PayCommand{BookingID: b.ID, PassengerID: b.PassengerID})
					errs <- err
				}(b)
			}
			close(start)
			wg.Wait()
			close(errs)

			var ok, noSeats int
			for err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrNoSeats):
					noSeats++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			if ok != seats || noSeats != passengers-seats {
				t.Fatalf("expected %d successes and %d conflicts, got %d and %d", seats, passengers-seats, ok, noSeats)
			}
			left, status := f.seats(t, r.ID)
			if left != 0 || status != route.StatusFull {
				t.Fatalf("expected 0 seats and full, got %d %s", left, status)
			}
			if f.store.PaymentCount() != seats {
				t.Fatalf("expected %d payments, got %d", seats, f.store.PaymentCount())
			}
		})
	}
}

func TestService_PayDifferentRoutesDoNotBlock(t *testing.T) {
	f := newFixture(t, inventory.NewKeyedMutex())
	a := f.addRoute(t, 1)
	b := f.addRoute(t, 1)
	ba := f.book(t, a.ID, "passenger-a")
	bb := f.book(t, b.ID, "passenger-b")

	// Hold route a's section; paying on route b must still go through.
	release, _, _, err := f.routes.LockSeats(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: bb.ID, PassengerID: "passenger-b"}); err != nil {
		t.Fatalf("pay on route b: %v", err)
	}
	release()
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: ba.ID, PassengerID: "passenger-a"}); err != nil {
		t.Fatalf("pay on route a: %v", err)
	}
}

func TestService_PayTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 2)
	b := f.book(t, r.ID, "passenger-1")

	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: b.ID, PassengerID: "passenger-1"}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: b.ID, PassengerID: "passenger-1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	left, _ := f.seats(t, r.ID)
	if left != 1 || f.store.PaymentCount() != 1 {
		t.Fatalf("second pay must not change state: seats=%d payments=%d", left, f.store.PaymentCount())
	}
}

func TestService_PayVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, inventory.NewKeyedMutex())
	r := f.addRoute(t, 1)
	b := f.book(t, r.ID, "passenger-1")

	tests := []struct {
		name string
		cmd  PayCommand
		want error
	}{
		{"other passenger", PayCommand{BookingID: b.ID, PassengerID: "passenger-2"}, ErrNotFound},
		{"missing booking", PayCommand{BookingID: types.NewID(), PassengerID: "passenger-1"}, ErrNotFound},
		{"empty caller", PayCommand{BookingID: b.ID}, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Pay(ctx, tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	left, _ := f.seats(t, r.ID)
	if left != 1 {
		t.Fatalf("rejected pays must not take seats, got %d left", left)
	}
}

func TestService_CreateRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 1)
	far := types.Point{Lng: -76.50, Lat: 3.45}

	tests := []struct {
		name string
		cmd  CreateCommand
		want error
	}{
		{"unknown route", CreateCommand{PassengerID: "p", RouteID: types.NewID(), Pickup: caliPath[0], Dropoff: caliPath[2]}, ErrRouteNotFound},
		{"pickup off path", CreateCommand{PassengerID: "p", RouteID: r.ID, Pickup: far, Dropoff: caliPath[2]}, pricing.ErrGeometryMismatch},
		{"dropoff off path", CreateCommand{PassengerID: "p", RouteID: r.ID, Pickup: caliPath[0], Dropoff: far}, pricing.ErrGeometryMismatch},
		{"invalid point", CreateCommand{PassengerID: "p", RouteID: r.ID, Pickup: types.Point{Lat: 91}, Dropoff: caliPath[2]}, ErrBadRequest},
		{"driver books own route", CreateCommand{PassengerID: driverID, RouteID: r.ID, Pickup: caliPath[0], Dropoff: caliPath[2]}, ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if ok, err := f.routes.UpdateStatus(ctx, r.ID, route.StatusActive, route.StatusCancelled); err != nil || !ok {
		t.Fatalf("cancel route: ok=%v err=%v", ok, err)
	}
	if _, err := f.svc.Create(ctx, CreateCommand{PassengerID: "p", RouteID: r.ID, Pickup: caliPath[0], Dropoff: caliPath[2]}); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable, got %v", err)
	}
}

func TestService_PayOnCancelledRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 2)
	b := f.book(t, r.ID, "passenger-1")

	if ok, err := f.routes.UpdateStatus(ctx, r.ID, route.StatusActive, route.StatusCancelled); err != nil || !ok {
		t.Fatalf("cancel route: ok=%v err=%v", ok, err)
	}
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: b.ID, PassengerID: "passenger-1"}); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable, got %v", err)
	}
	left, _ := f.seats(t, r.ID)
	if left != 2 {
		t.Fatalf("expected seats untouched, got %d", left)
	}
}

func TestService_CancelAndComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 2)
	cancelled := f.book(t, r.ID, "passenger-1")
	paid := f.book(t, r.ID, "passenger-2")

	if _, err := f.svc.Cancel(ctx, cancelled.ID, "passenger-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other passenger, got %v", err)
	}
	got, err := f.svc.Cancel(ctx, cancelled.ID, "passenger-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelledByPassenger {
		t.Fatalf("expected cancelled_by_passenger, got %s", got.Status)
	}
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: cancelled.ID, PassengerID: "passenger-1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState paying a cancelled booking, got %v", err)
	}

	if _, err := f.svc.Complete(ctx, paid.ID, driverID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState completing a pending booking, got %v", err)
	}
	if _, err := f.svc.Pay(ctx, PayCommand{BookingID: paid.ID, PassengerID: "passenger-2"}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, paid.ID, "passenger-2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling a confirmed booking, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, paid.ID, "driver-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	done, err := f.svc.Complete(ctx, paid.ID, driverID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	left, _ := f.seats(t, r.ID)
	if left != 1 {
		t.Fatalf("expected 1 seat left, got %d", left)
	}
	want := []string{EventCreated, EventCreated, EventCancelled, EventConfirmed, EventCompleted}
	if got := f.events.subjects(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestService_GetPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.addRoute(t, 1)
	b := f.book(t, r.ID, "passenger-1")

	if _, err := f.svc.GetPayment(ctx, b.ID, "passenger-1"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	paid, err := f.svc.Pay(ctx, PayCommand{BookingID: b.ID, PassengerID: "passenger-1"})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	got, err := f.svc.GetPayment(ctx, b.ID, "passenger-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if got.ID != paid.ID || got.Amount != b.CalculatedPrice {
		t.Fatalf("payment mismatch: %+v vs %+v", got, paid)
	}
	if _, err := f.svc.GetPayment(ctx, b.ID, "passenger-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// flakyStore fails the first n transactions with ErrTransient.
type flakyStore struct {
	Store
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: could not obtain lock on row", ErrTransient)
	}
	return s.Store.RunInTx(ctx, fn)
}

func TestService_PayRetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		fails     int
		retries   int
		wantErr   error
		wantCalls int
	}{
		{"recovers", 2, 3, nil, 3},
		{"gives up", 5, 2, ErrTransient, 3},
		{"no retries", 1, 0, ErrTransient, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			r := f.addRoute(t, 1)
			b := f.book(t, r.ID, "passenger-1")

			flaky := &flakyStore{Store: f.store, fails: tt.fails}
			svc := NewService(Deps{
				Store:  flaky,
				Routes: f.routes,
				Fares:  pricing.NewService(nil, pricing.Config{}, nil),
				Config: Config{PayRetries: tt.retries, PayBackoff: time.Millisecond},
			})
			_, err := svc.Pay(context.Background(), PayCommand{BookingID: b.ID, PassengerID: "passenger-1"})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("pay: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if flaky.calls != tt.wantCalls {
				t.Fatalf("expected %d attempts, got %d", tt.wantCalls, flaky.calls)
			}
		})
	}
}

func TestService_PayLockTimeoutIsTransient(t *testing.T) {
	routes := route.NewMemoryStore()
	store := NewMemoryStore(routes, 20*time.Millisecond)
	svc := NewService(Deps{
		Store:  store,
		Routes: routes,
		Fares:  pricing.NewService(nil, pricing.Config{}, nil),
		Config: Config{PayRetries: 1, PayBackoff: time.Millisecond},
	})
	f := &fixture{svc: svc, store: store, routes: routes}
	r := f.addRoute(t, 1)
	b := f.book(t, r.ID, "passenger-1")

	release, _, _, err := routes.LockSeats(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	if _, err := svc.Pay(context.Background(), PayCommand{BookingID: b.ID, PassengerID: "passenger-1"}); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	got, _ := store.Get(context.Background(), b.ID)
	if got.Status != StatusPending || store.PaymentCount() != 0 {
		t.Fatalf("timed out pay must leave no trace: status=%s payments=%d", got.Status, store.PaymentCount())
	}
}
