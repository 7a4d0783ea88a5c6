package postgres

import (
	"context"
	"testing"
	"time"
)

func TestShortFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/ticketrouter/internal/kv/pgstore.(*Store).Get", "(*Store).Get"},
		{"receiver only", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Delete", "(*Store).Delete"},
		{"plain func", "lock.acquire", "acquire"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortFuncName(tt.in); got != tt.want {
				t.Errorf("shortFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSkipFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"runtime.goexit", true},
		{"github.com/jackc/pgx/v5.(*Conn).Query", true},
		{"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart", true},
		{"github.com/linnemanlabs/ticketrouter/internal/postgres.loggingTracer.TraceQueryStart", true},
		{"github.com/linnemanlabs/ticketrouter/internal/kv/pgstore.(*Store).Get", false},
	}
	for _, tt := range tests {
		if got := skipFrame(tt.fn); got != tt.want {
			t.Errorf("skipFrame(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	if got, _ := ctx.Value(httpMethodKey).(string); got != "POST" {
		t.Errorf("method = %q, want POST", got)
	}

	base := context.Background()
	if WithHTTPMethod(base, "") != base {
		t.Error("empty method should return the context unchanged")
	}
}

// Not parallel: mutates the process-wide observer.
func TestSetQueryObserver(t *testing.T) {
	var calls int
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		calls++
		if method != "GET" || route != "/x" || outcome != "ok" {
			t.Errorf("observe(%q, %q, %q)", method, route, outcome)
		}
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	obs := currentObserver()
	if obs == nil {
		t.Fatal("observer not installed")
	}
	obs.ObserveQuery(context.Background(), "GET", "/x", "ok", time.Millisecond)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	SetQueryObserver(nil)
	if currentObserver() != nil {
		t.Error("observer still installed after nil")
	}
}
