// README: Per-route exclusive sections guarding seat inventory commits.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carpool/internal/types"
)

// ErrLockTimeout means the exclusive section could not be entered before the
// context ended. Callers treat it as a transient failure.
var ErrLockTimeout = errors.New("route lock wait timed out")

// Locker serializes work per key. Different keys never block each other.
type Locker interface {
	// Acquire blocks until the caller owns the section for key or ctx ends.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key types.ID) (release func(), err error)
}

// Noop is used when the store already serializes through row locks.
type Noop struct{}

func (Noop) Acquire(context.Context, types.ID) (func(), error) {
	return func() {}, nil
}

// KeyedMutex is an in-process Locker. Entries are dropped once nobody holds
// or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[types.ID]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[types.ID]*keyedLock)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key types.ID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, l)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.drop(key, l)
		})
	}, nil
}

// Held reports how many callers hold or wait on key.
func (k *KeyedMutex) Held(key types.ID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return l.refs
	}
	return 0
}

func (k *KeyedMutex) drop(key types.ID, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
