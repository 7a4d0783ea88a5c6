// Package lock builds mutual exclusion on top of kv.Store.
//
// Guard is the per-ticket idempotency lock: a single attempt, no waiting, and
// a TTL that reclaims the lock if the holder dies. Mutex serializes
// read-modify-write cycles on shared component state; it retries with
// exponential backoff until acquired or the context ends.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ticketrouter/internal/kv"
)

// DefaultTTL bounds how long a crashed holder can block a ticket.
const DefaultTTL = 60 * time.Second

// ErrNotAcquired is returned when a Mutex could not be taken in time.
var ErrNotAcquired = errors.New("lock not acquired")

// Guard provides at-most-one concurrent processing per ticket.
type Guard struct {
	store kv.Store
	ttl   time.Duration
}

// NewGuard returns a Guard with the given lock TTL (DefaultTTL if <= 0).
func NewGuard(store kv.Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// Acquire attempts once to take the lock for ticketID.
func (g *Guard) Acquire(ctx context.Context, ticketID string) (bool, error) {
	ok, err := g.store.SetIfAbsentWithExpiry(ctx, kv.LockKey(ticketID), []byte("1"), g.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire ticket lock %s: %w", ticketID, err)
	}
	return ok, nil
}

// Release deletes the lock for ticketID unconditionally. It ignores
// cancellation of ctx so a deferred release still runs.
func (g *Guard) Release(ctx context.Context, ticketID string) error {
	if err := g.store.Delete(context.WithoutCancel(ctx), kv.LockKey(ticketID)); err != nil {
		return fmt.Errorf("release ticket lock %s: %w", ticketID, err)
	}
	return nil
}

// Do runs fn while holding the lock for ticketID. When the lock is held
// elsewhere fn is not run and acquired is false. The lock is released on
// every exit path, including a panic in fn.
func (g *Guard) Do(ctx context.Context, ticketID string, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := g.Acquire(ctx, ticketID)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := g.Release(ctx, ticketID); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn(ctx)
}

// Mutex is a cross-process mutex keyed on a single store key.
type Mutex struct {
	store   kv.Store
	key     string
	ttl     time.Duration
	maxWait time.Duration
	newBO   func() backoff.BackOff
}

// MutexOption configures a Mutex.
type MutexOption func(*Mutex)

// WithMaxWait bounds how long Lock keeps retrying.
func WithMaxWait(d time.Duration) MutexOption {
	return func(m *Mutex) { m.maxWait = d }
}

// WithLeaseTTL sets how long a held mutex survives a crashed holder.
func WithLeaseTTL(d time.Duration) MutexOption {
	return func(m *Mutex) { m.ttl = d }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(fn func() backoff.BackOff) MutexOption {
	return func(m *Mutex) { m.newBO = fn }
}

// NewMutex returns a Mutex guarding key.
func NewMutex(store kv.Store, key string, opts ...MutexOption) *Mutex {
	m := &Mutex{
		store:   store,
		key:     kv.MutexKey(key),
		ttl:     10 * time.Second,
		maxWait: 15 * time.Second,
		newBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Lock blocks until the mutex is held, ctx ends, or the max wait elapses.
// The returned unlock releases it only if this holder still owns it.
func (m *Mutex) Lock(ctx context.Context) (unlock func(), err error) {
	token := []byte(ulid.Make().String())

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := m.store.SetIfAbsentWithExpiry(ctx, m.key, token, m.ttl)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrNotAcquired
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(m.newBO()), backoff.WithMaxElapsedTime(m.maxWait))
	if err != nil {
		if errors.Is(err, ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, m.key, err)
		}
		return nil, fmt.Errorf("lock %s: %w", m.key, err)
	}

	return func() { m.release(context.WithoutCancel(ctx), token) }, nil
}

// release deletes the key if the stored token is still ours. The check and
// delete are not atomic; the lease TTL bounds the damage of that window.
func (m *Mutex) release(ctx context.Context, token []byte) {
	cur, ok, err := m.store.Get(ctx, m.key)
	if err != nil || !ok || string(cur) != string(token) {
		return
	}
	_ = m.store.Delete(ctx, m.key)
}
