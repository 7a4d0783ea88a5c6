// Package statestore holds a component's mutable state behind one interface
// so the same component code runs process-local or shared across units.
//
// Local keeps T in memory under a mutex. Shared keeps T encoded in a kv.Store
// and serializes every Update with a cross-process lock.Mutex, so a
// read-modify-write cycle is atomic across processing units.
package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/ticketrouter/internal/kv"
	"github.com/linnemanlabs/ticketrouter/internal/lock"
)

// Store gives serialized access to a value of type T.
//
// View must not mutate the value. Update may mutate it; when fn returns an
// error the mutation is discarded.
type Store[T any] interface {
	View(ctx context.Context, fn func(*T) error) error
	Update(ctx context.Context, fn func(*T) error) error
}

// Local is an in-process Store.
type Local[T any] struct {
	mu    sync.RWMutex
	value T
	clone func(T) T
}

// NewLocal returns a Local seeded with init. clone must deep-copy T; it
// is used to roll back failed updates.
func NewLocal[T any](init T, clone func(T) T) *Local[T] {
	return &Local[T]{value: init, clone: clone}
}

// View runs fn under a read lock.
func (l *Local[T]) View(_ context.Context, fn func(*T) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&l.value)
}

// Update runs fn on a copy under the write lock and commits it on success.
func (l *Local[T]) Update(_ context.Context, fn func(*T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.clone(l.value)
	if err := fn(&next); err != nil {
		return err
	}
	l.value = next
	return nil
}

// Shared is a Store persisted in a kv.Store.
type Shared[T any] struct {
	store kv.Store
	key   string
	ttl   time.Duration
	codec Codec
	init  func() T
	mu    *lock.Mutex
}

// SharedOption configures a Shared store.
type SharedOption func(*sharedOpts)

type sharedOpts struct {
	ttl      time.Duration
	codec    Codec
	mutexOps []lock.MutexOption
}

// WithTTL expires the persisted value after d of inactivity.
func WithTTL(d time.Duration) SharedOption {
	return func(o *sharedOpts) { o.ttl = d }
}

// WithCodec selects the encoding (JSON by default).
func WithCodec(c Codec) SharedOption {
	return func(o *sharedOpts) { o.codec = c }
}

// WithMutexOptions tunes the cross-process lock.
func WithMutexOptions(opts ...lock.MutexOption) SharedOption {
	return func(o *sharedOpts) { o.mutexOps = append(o.mutexOps, opts...) }
}

// NewShared returns a Shared store at key. init produces the value used when
// nothing is stored yet (or the stored value expired).
func NewShared[T any](store kv.Store, key string, init func() T, opts ...SharedOption) *Shared[T] {
	o := sharedOpts{codec: JSON{}}
	for _, fn := range opts {
		fn(&o)
	}
	return &Shared[T]{
		store: store,
		key:   key,
		ttl:   o.ttl,
		codec: o.codec,
		init:  init,
		mu:    lock.NewMutex(store, key, o.mutexOps...),
	}
}

// View loads the current value and runs fn on it. Reads are not locked;
// fn sees the last committed value.
func (s *Shared[T]) View(ctx context.Context, fn func(*T) error) error {
	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	return fn(&v)
}

// Update loads, mutates and saves the value while holding the mutex.
func (s *Shared[T]) Update(ctx context.Context, fn func(*T) error) error {
	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return s.save(ctx, v)
}

func (s *Shared[T]) load(ctx context.Context) (T, error) {
	b, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load %s: %w", s.key, err)
	}
	if !ok {
		return s.init(), nil
	}
	var v T
	if err := s.codec.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return v, nil
}

func (s *Shared[T]) save(ctx context.Context, v T) error {
	b, err := s.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.key, err)
	}
	if err := s.store.SetWithExpiry(ctx, s.key, b, s.ttl); err != nil {
		return fmt.Errorf("save %s: %w", s.key, err)
	}
	return nil
}
