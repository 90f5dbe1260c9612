// Package userlock serializes operations per username. Every compound
// read-modify-write of a user record spans multiple store calls; holding the
// user's lock across the whole operation is what makes it atomic with respect
// to concurrent requests and the scheduled sweeps.
package userlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per username. Entries are reclaimed when the last
// holder unlocks, so the map does not grow with the historical user set.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for username and returns its unlock function.
func (m *Map) Lock(username string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[username]
	if !ok {
		e = &entry{}
		m.locks[username] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, username)
		}
		m.mu.Unlock()
	}
}

// LockPair acquires both usernames' mutexes in lexicographic order, so two
// operations touching the same pair cannot deadlock. The usernames must
// differ.
func (m *Map) LockPair(a, b string) (unlock func()) {
	first, second := a, b
	if b < a {
		first, second = b, a
	}
	u1 := m.Lock(first)
	u2 := m.Lock(second)
	return func() {
		u2()
		u1()
	}
}
