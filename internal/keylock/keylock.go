// internal/keylock/keylock.go
package keylock

import (
	"sync"

	"github.com/google/uuid"
)

// Map hands out one mutex per key. Entries are dropped once nobody holds
// or waits on them, so the map stays as small as the set of busy keys.
type Map struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

type entry struct {
	sync.Mutex
	refs int
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[uuid.UUID]*entry)}
}

// Lock blocks until the lock for key is held and returns its release func.
// Locks are not reentrant.
func (m *Map) Lock(key uuid.UUID) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
