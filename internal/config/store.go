package config

import "sync/atomic"

// Store is an atomically-swappable Settings holder, owned by a single
// engine instance. It replaces a package-level config singleton with a
// value that can be constructed, mutated, and discarded independently per
// engine, so multiple swarms in one process never share settings state.
type Store struct {
	v atomic.Value
}

// NewStore returns a Store seeded with initial. initial must not be nil.
func NewStore(initial *Settings) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// Load returns the current settings. The returned value should be treated
// as read-only; callers that need to mutate should go through Update.
func (s *Store) Load() *Settings {
	return s.v.Load().(*Settings)
}

// Update applies mut to a copy of the current settings and atomically
// installs the result, returning it.
func (s *Store) Update(mut func(*Settings)) *Settings {
	next := s.Load().Clone()
	mut(next)
	s.v.Store(next)
	return next
}

// Swap atomically installs next, discarding whatever was previously
// stored, and returns it.
func (s *Store) Swap(next *Settings) *Settings {
	s.v.Store(next)
	return next
}
