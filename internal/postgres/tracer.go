package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type ctxKey int

const (
	queryStateKey ctxKey = iota
	httpMethodKey
)

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// WithHTTPMethod records the inbound HTTP method for query metric labels.
// Queries issued from the background pipeline are labelled "BACKGROUND".
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey, method)
}

// queryState is carried from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

// loggingTracer decorates an inner pgx.QueryTracer (otelpgx) with a log line
// and an observer callback per query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:    data.SQL,
		args:   data.Args,
		start:  time.Now(),
		caller: queryCaller(),
	}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() && st.caller != "" {
		span.SetAttributes(attribute.String("db.caller", st.caller))
	}
	return context.WithValue(ctx, queryStateKey, st)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span ends with the query
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey).(*queryState)
	if st == nil {
		return
	}
	dur := time.Since(st.start)

	if obs := currentObserver(); obs != nil {
		method, _ := ctx.Value(httpMethodKey).(string)
		if method == "" {
			method = "BACKGROUND"
		}
		route := "none"
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	fields := []any{
		"db.statement", st.sql,
		"db.args_count", len(st.args),
		"db.duration", dur.Seconds(),
	}
	if tag := data.CommandTag.String(); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// queryCaller returns the first application frame below pgx on the stack.
func queryCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !skipFrame(fn) {
			return shortFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "/internal/postgres.")
}

// shortFuncName trims the import path and package name, keeping receiver and method.
func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
