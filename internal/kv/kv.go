// Package kv defines the shared key-value store every triage component
// coordinates through: idempotency locks, persisted component state,
// ticket results and published snapshots.
package kv

import (
	"context"
	"time"
)

// Store is a byte-oriented key-value store with per-key expiry.
// A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsentWithExpiry writes value only when key is missing or expired,
	// reporting whether the write happened. It must be atomic across processes.
	SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Well-known keys.
const (
	KeyStormWindow    = "storm_window"
	KeyBreakerStats   = "breaker_stats"
	KeyAgentSnapshot  = "agent_registry_snapshot"
	KeyRoutingHistory = "routing_history"

	lockPrefix   = "lock:"
	resultPrefix = "result:"
	statePrefix  = "state:"
	mutexPrefix  = "mutex:"
)

// LockKey is the idempotency lock key for a ticket.
func LockKey(ticketID string) string { return lockPrefix + ticketID }

// ResultKey is the key a ticket's final result is stored under.
func ResultKey(ticketID string) string { return resultPrefix + ticketID }

// StateKey is the key a named component persists its state under.
func StateKey(name string) string { return statePrefix + name }

// MutexKey is the key used to serialize updates to another key.
func MutexKey(key string) string { return mutexPrefix + key }
