// README: In-process route store used by tests and CARPOOL_STORE=memory; seat changes go through a per-route KeyedMutex.
package route

import (
	"context"
	"errors"
	"sort"
	"sync"

	"carpool/internal/modules/inventory"
	"carpool/internal/types"
)

// ErrSeatsExhausted is returned by TakeSeat when the counter is already 0.
var ErrSeatsExhausted = errors.New("route has no seats left")

type MemoryStore struct {
	mu     sync.RWMutex
	routes map[types.ID]*Route
	locks  *inventory.KeyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes: make(map[types.ID]*Route),
		locks:  inventory.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[r.ID]; ok {
		return errors.New("route already exists")
	}
	cp := *r
	m.routes[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListBookable(_ context.Context) ([]*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Route, 0, len(m.routes))
	for _, r := range m.routes {
		if r.Bookable() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DepartureTime.Before(out[j].DepartureTime)
	})
	return out, nil
}

// UpdateStatus takes the route's exclusive section so it cannot interleave
// with a seat commit, the same way the row lock orders them in Postgres.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	release, err := m.locks.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	return true, nil
}

// LockSeats enters the route's exclusive section and returns the current
// seat count and status. Callers must release before returning.
func (m *MemoryStore) LockSeats(ctx context.Context, id types.ID) (func(), int, Status, error) {
	release, err := m.locks.Acquire(ctx, id)
	if err != nil {
		return nil, 0, "", err
	}
	m.mu.RLock()
	r, ok := m.routes[id]
	var seats int
	var status Status
	if ok {
		seats, status = r.AvailableSeats, r.Status
	}
	m.mu.RUnlock()
	if !ok {
		release()
		return nil, 0, "", ErrNotFound
	}
	return release, seats, status, nil
}

// TakeSeat decrements the seat counter and marks the route full at 0. It
// must be called while holding LockSeats for id.
func (m *MemoryStore) TakeSeat(id types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return 0, ErrNotFound
	}
	if r.AvailableSeats <= 0 {
		return 0, ErrSeatsExhausted
	}
	r.AvailableSeats--
	if r.AvailableSeats == 0 && r.Status == StatusActive {
		r.Status = StatusFull
	}
	return r.AvailableSeats, nil
}
