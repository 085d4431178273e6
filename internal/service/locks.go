package service

import "sync"

// orderLocks provides per-order mutual exclusion for state transitions.
// The keyed mutex serializes concurrent duplicate webhooks in-process; the
// conditional state updates in the repository stay the durable guard, so a
// second process cannot double-apply a transition either.
type orderLocks struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[string]*orderLock)}
}

// Lock acquires the mutex for orderID and returns its unlock function.
// Entries are reference counted and removed when the last holder releases,
// so the map does not grow with order history.
func (l *orderLocks) Lock(orderID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[orderID]
	if !ok {
		entry = &orderLock{}
		l.locks[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}
