// Package memstore provides an in-memory implementation of kv.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/ticketrouter/internal/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store holds entries in memory. Suitable for single-unit deployments and tests.
// Expired entries are dropped lazily on access.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ kv.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || e.expired(s.now()) {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

// SetWithExpiry stores a copy of value under key.
func (s *Store) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

// SetIfAbsentWithExpiry stores value only if key is absent or expired.
func (s *Store) SetIfAbsentWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.expired(s.now()) {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
