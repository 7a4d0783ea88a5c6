// Package pgstore provides a PostgreSQL implementation of kv.Store.
//
// Expiry is evaluated against the database clock: expired rows are invisible
// to Get and may be claimed by SetIfAbsentWithExpiry. Purge removes them.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/ticketrouter/internal/kv"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketrouter/internal/kv/pgstore")

//go:embed schema.sql
var schema string

// Store persists key-value entries in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ kv.Store = (*Store)(nil)

// New applies the schema on the given pool and returns a ready Store.
// The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// expiryInterval converts a ttl into nullable seconds for make_interval.
// NULL means no expiry.
func expiryInterval(ttl time.Duration) *float64 {
	if ttl <= 0 {
		return nil
	}
	secs := ttl.Seconds()
	return &secs
}

// Get returns the live value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get %q: %w", key, err))
	}
	return value, true, nil
}

// SetWithExpiry upserts value under key.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "pgstore.SetWithExpiry", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3), now())
		 ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		key, value, expiryInterval(ttl),
	)
	if err != nil {
		return fail(span, fmt.Errorf("set %q: %w", key, err))
	}
	return nil
}

// SetIfAbsentWithExpiry inserts value under key unless a live row exists.
// An expired row is taken over in the same statement.
func (s *Store) SetIfAbsentWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.SetIfAbsentWithExpiry", "UPSERT")
	defer span.End()

	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3), now())
		 ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		 WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
		 RETURNING key`,
		key, value, expiryInterval(ttl),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("kv.acquired", false))
		return false, nil
	}
	if err != nil {
		return false, fail(span, fmt.Errorf("set-if-absent %q: %w", key, err))
	}
	span.SetAttributes(attribute.Bool("kv.acquired", true))
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fail(span, fmt.Errorf("delete %q: %w", key, err))
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.Purge", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge: %w", err))
	}
	return tag.RowsAffected(), nil
}
