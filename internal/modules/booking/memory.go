// README: In-process booking store; the pay transaction stages writes and applies them at commit while holding the booking and route sections.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carpool/internal/modules/inventory"
	"carpool/internal/modules/route"
	"carpool/internal/types"
)

type MemoryStore struct {
	mu          sync.RWMutex
	bookings    map[types.ID]*Booking
	payments    map[types.ID]*Payment // keyed by booking id
	rows        *inventory.KeyedMutex
	routes      *route.MemoryStore
	lockTimeout time.Duration
}

func NewMemoryStore(routes *route.MemoryStore, lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		bookings:    make(map[types.ID]*Booking),
		payments:    make(map[types.ID]*Payment),
		rows:        inventory.NewKeyedMutex(),
		routes:      routes,
		lockTimeout: lockTimeout,
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	if _, err := m.routes.Get(ctx, b.RouteID); err != nil {
		return ErrRouteNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return errors.New("booking already exists")
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetPayment(_ context.Context, bookingID types.ID) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[bookingID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

// PaymentCount is the number of recorded payments.
func (m *MemoryStore) PaymentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payments)
}

// UpdateStatus waits for the booking's row section, so it orders after an
// in-flight pay transaction on the same booking.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	release, err := m.acquire(ctx, m.rows.Acquire, id)
	if err != nil {
		return false, err
	}
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatus(id, from, to), nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{store: m}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) acquire(ctx context.Context, lock func(context.Context, types.ID) (func(), error), id types.ID) (func(), error) {
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	release, err := lock(ctx, id)
	if errors.Is(err, inventory.ErrLockTimeout) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return release, err
}

// setStatus requires m.mu held for writing.
func (m *MemoryStore) setStatus(id types.ID, from, to Status) bool {
	b, ok := m.bookings[id]
	if !ok || b.Status != from {
		return false
	}
	b.Status = to
	return true
}

type statusChange struct {
	id       types.ID
	from, to Status
}

// memTx reads through to the store and buffers writes until commit.
type memTx struct {
	store    *MemoryStore
	releases []func()

	routeID types.ID
	seats   int
	taken   int
	changes []statusChange
	payment *Payment
}

func (t *memTx) BookingForPassenger(ctx context.Context, id, passengerID types.ID) (*Booking, error) {
	release, err := t.store.acquire(ctx, t.store.rows.Acquire, id)
	if err != nil {
		return nil, err
	}
	t.releases = append(t.releases, release)

	b, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != passengerID {
		return nil, ErrNotFound
	}
	for _, c := range t.changes {
		if c.id == id {
			b.Status = c.to
		}
	}
	return b, nil
}

func (t *memTx) LockRouteSeats(ctx context.Context, routeID types.ID) (int, route.Status, error) {
	if t.routeID != "" {
		if t.routeID != routeID {
			return 0, "", errors.New("memory transaction spans more than one route")
		}
		return t.seats - t.taken, "", nil
	}
	var (
		seats  int
		status route.Status
	)
	lock := func(ctx context.Context, id types.ID) (func(), error) {
		release, n, st, err := t.store.routes.LockSeats(ctx, id)
		seats, status = n, st
		return release, err
	}
	release, err := t.store.acquire(ctx, lock, routeID)
	if errors.Is(err, route.ErrNotFound) {
		return 0, "", ErrRouteNotFound
	}
	if err != nil {
		return 0, "", err
	}
	t.releases = append(t.releases, release)
	t.routeID, t.seats = routeID, seats
	return seats, status, nil
}

func (t *memTx) TakeSeat(_ context.Context, routeID types.ID) (int, error) {
	if t.routeID != routeID {
		return 0, errors.New("route section not held")
	}
	if t.seats-t.taken <= 0 {
		return 0, ErrNoSeats
	}
	t.taken++
	return t.seats - t.taken, nil
}

func (t *memTx) UpdateStatus(_ context.Context, id types.ID, from, to Status) (bool, error) {
	t.store.mu.RLock()
	b, ok := t.store.bookings[id]
	current := Status("")
	if ok {
		current = b.Status
	}
	t.store.mu.RUnlock()
	for _, c := range t.changes {
		if c.id == id {
			current = c.to
		}
	}
	if !ok || current != from {
		return false, nil
	}
	t.changes = append(t.changes, statusChange{id: id, from: from, to: to})
	return true, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	t.store.mu.RLock()
	_, exists := t.store.payments[p.BookingID]
	t.store.mu.RUnlock()
	if exists || t.payment != nil {
		return fmt.Errorf("%w: payment already recorded", ErrInvalidState)
	}
	cp := *p
	t.payment = &cp
	return nil
}

// commit applies the buffered writes. The sections taken during the
// transaction are still held, so the checks made inside it stay valid.
func (t *memTx) commit() error {
	for i := 0; i < t.taken; i++ {
		if _, err := t.store.routes.TakeSeat(t.routeID); err != nil {
			return err
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, c := range t.changes {
		t.store.setStatus(c.id, c.from, c.to)
	}
	if t.payment != nil {
		t.store.payments[t.payment.BookingID] = t.payment
	}
	return nil
}

func (t *memTx) release() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
}
