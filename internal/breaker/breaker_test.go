package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/ticketrouter/internal/classify"
	"github.com/linnemanlabs/ticketrouter/internal/kv/memstore"
	"github.com/linnemanlabs/ticketrouter/internal/statestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockPrimary advances the fake clock by latency to simulate call duration.
type mockPrimary struct {
	clock    *fakeClock
	mu       sync.Mutex
	latency  time.Duration
	category string
	err      error
	calls    atomic.Int32
}

func (m *mockPrimary) set(category string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.category, m.latency, m.err = category, latency, err
}

func (m *mockPrimary) Classify(_ context.Context, _ string) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	cat, lat, err := m.category, m.latency, m.err
	m.mu.Unlock()
	m.clock.Advance(lat)
	return cat, err
}

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *mockPrimary, *fakeClock) {
	t.Helper()
	clk := newClock()
	p := &mockPrimary{clock: clk, category: classify.Technical, latency: 10 * time.Millisecond}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	b := New(p, classify.DefaultKeyword(), nil, Config{}, opts...)
	return b, p, clk
}

func mustClassify(t *testing.T, b *Breaker, text string) (string, string) {
	t.Helper()
	cat, model, err := b.Classify(context.Background(), text)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return cat, model
}

func mustStats(t *testing.T, b *Breaker) Stats {
	t.Helper()
	st, err := b.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func TestClassify_FastPrimary(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)
	p.set(classify.Legal, 100*time.Millisecond, nil)

	cat, model := mustClassify(t, b, "anything")
	if cat != classify.Legal || model != ModelPrimary {
		t.Fatalf("got (%q, %q), want (Legal, primary)", cat, model)
	}

	st := mustStats(t, b)
	if st.State != Closed || st.CallsTotal != 1 || st.CallsPrimary != 1 || st.CallsFallback != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.AvgLatencyMs != 100 {
		t.Errorf("AvgLatencyMs = %v, want 100", st.AvgLatencyMs)
	}
}

func TestClassify_SlowPrimaryStillReturnsCategory(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)
	p.set(classify.Billing, 700*time.Millisecond, nil)

	cat, model := mustClassify(t, b, "text")
	if cat != classify.Billing || model != ModelPrimarySlow {
		t.Fatalf("got (%q, %q), want (Billing, primary_slow)", cat, model)
	}
	st := mustStats(t, b)
	if st.FailureCount != 1 || st.CallsPrimary != 1 || st.State != Closed {
		t.Errorf("stats = %+v", st)
	}
}

func TestClassify_ErrorUsesFallback(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)
	p.set("", 0, errors.New("model unavailable"))

	cat, model := mustClassify(t, b, "I need a refund")
	if cat != classify.Billing || model != ModelFallback {
		t.Fatalf("got (%q, %q), want (Billing, fallback)", cat, model)
	}
	st := mustStats(t, b)
	if st.FailureCount != 1 || st.CallsFallback != 1 || st.CallsPrimary != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClassify_EmptyCategoryIsFailure(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)
	p.set("", 0, nil)

	if _, model := mustClassify(t, b, "x"); model != ModelFallback {
		t.Fatalf("model = %q, want fallback", model)
	}
}

func TestClassify_PanicIsFailure(t *testing.T) {
	t.Parallel()

	clk := newClock()
	b := New(PrimaryFunc(func(context.Context, string) (string, error) { panic("boom") }),
		classify.DefaultKeyword(), nil, Config{}, WithClock(clk.Now))

	cat, model := mustClassify(t, b, "gdpr request")
	if cat != classify.Legal || model != ModelFallback {
		t.Fatalf("got (%q, %q)", cat, model)
	}
}

func TestClassify_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)
	p.set("", 0, errors.New("x"))
	mustClassify(t, b, "a")
	mustClassify(t, b, "a")

	p.set(classify.Technical, time.Millisecond, nil)
	mustClassify(t, b, "a")

	if st := mustStats(t, b); st.FailureCount != 0 || st.State != Closed {
		t.Errorf("stats = %+v", st)
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	var transitions []string
	var mu sync.Mutex
	b, p, clk := newTestBreaker(t, WithHooks(Hooks{OnTransition: func(from, to State) {
		mu.Lock()
		transitions = append(transitions, string(from)+">"+string(to))
		mu.Unlock()
	}}))

	// three slow calls trip the breaker
	p.set(classify.Technical, 600*time.Millisecond, nil)
	for range DefaultFailureThreshold {
		mustClassify(t, b, "x")
	}
	if st := mustStats(t, b); st.State != Open {
		t.Fatalf("state = %s, want OPEN", st.State)
	}

	// while open the primary is never called
	p.set(classify.Technical, time.Millisecond, nil)
	before := p.calls.Load()
	for range 5 {
		clk.Advance(5 * time.Second)
		if _, model := mustClassify(t, b, "x"); model != ModelFallback {
			t.Fatalf("model while open = %q", model)
		}
	}
	if p.calls.Load() != before {
		t.Fatalf("primary called %d times while OPEN", p.calls.Load()-before)
	}

	// recovery timeout elapses: state reads as HALF_OPEN lazily
	clk.Advance(DefaultRecoveryTimeout)
	if st, _ := b.State(context.Background()); st != HalfOpen {
		t.Fatalf("state after timeout = %s, want HALF_OPEN", st)
	}

	// exactly one probe, which succeeds and closes the breaker
	cat, model := mustClassify(t, b, "x")
	if model != ModelPrimary || cat != classify.Technical {
		t.Fatalf("probe = (%q, %q)", cat, model)
	}
	if got := p.calls.Load() - before; got != 1 {
		t.Fatalf("probe calls = %d, want 1", got)
	}
	st := mustStats(t, b)
	if st.State != Closed || st.FailureCount != 0 {
		t.Fatalf("after probe stats = %+v", st)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b, p, clk := newTestBreaker(t)
	p.set("", 0, errors.New("down"))
	for range DefaultFailureThreshold {
		mustClassify(t, b, "x")
	}
	clk.Advance(DefaultRecoveryTimeout)

	// slow probe counts as failure
	p.set(classify.Technical, time.Second, nil)
	if _, model := mustClassify(t, b, "x"); model != ModelPrimarySlow {
		t.Fatalf("probe model = %q, want primary_slow", model)
	}
	if st := mustStats(t, b); st.State != Open {
		t.Fatalf("state after failed probe = %s, want OPEN", st.State)
	}

	// the recovery timer restarts from the failed probe
	clk.Advance(DefaultRecoveryTimeout - time.Second)
	if st, _ := b.State(context.Background()); st != Open {
		t.Fatalf("state = %s, want OPEN", st)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	t.Parallel()

	clk := newClock()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)

	primary := PrimaryFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		if fail.Load() {
			return "", errors.New("down")
		}
		entered <- struct{}{}
		<-release
		return classify.Technical, nil
	})
	b := New(primary, classify.DefaultKeyword(), nil, Config{}, WithClock(clk.Now))

	for range DefaultFailureThreshold {
		mustClassify(t, b, "x")
	}
	fail.Store(false)
	clk.Advance(DefaultRecoveryTimeout)
	before := calls.Load()

	done := make(chan string, 1)
	go func() {
		_, model, _ := b.Classify(context.Background(), "x")
		done <- model
	}()
	<-entered

	// a concurrent call while the probe is in flight gets the fallback
	if _, model := mustClassify(t, b, "x"); model != ModelFallback {
		t.Fatalf("concurrent call model = %q, want fallback", model)
	}
	close(release)
	if model := <-done; model != ModelPrimary {
		t.Fatalf("probe model = %q, want primary", model)
	}
	if got := calls.Load() - before; got != 1 {
		t.Fatalf("primary calls during half-open = %d, want 1", got)
	}
}

func TestBreaker_LateClosedCallDuringProbe(t *testing.T) {
	t.Parallel()

	clk := newClock()
	lateEntered, lateRelease := make(chan struct{}), make(chan struct{})
	probeEntered, probeRelease := make(chan struct{}), make(chan struct{})
	var others atomic.Int32

	primary := PrimaryFunc(func(_ context.Context, text string) (string, error) {
		switch text {
		case "late":
			close(lateEntered)
			<-lateRelease
			return "", errors.New("timed out upstream")
		case "probe":
			close(probeEntered)
			<-probeRelease
			return classify.Billing, nil
		}
		others.Add(1)
		return "", errors.New("down")
	})
	b := New(primary, classify.DefaultKeyword(), nil, Config{}, WithClock(clk.Now))

	// admitted while CLOSED, finishes after the breaker has moved on
	lateDone := make(chan string, 1)
	go func() {
		_, model, _ := b.Classify(context.Background(), "late")
		lateDone <- model
	}()
	<-lateEntered

	for range DefaultFailureThreshold {
		mustClassify(t, b, "x")
	}
	clk.Advance(DefaultRecoveryTimeout)

	probeDone := make(chan string, 1)
	go func() {
		_, model, _ := b.Classify(context.Background(), "probe")
		probeDone <- model
	}()
	<-probeEntered

	close(lateRelease)
	if model := <-lateDone; model != ModelFallback {
		t.Fatalf("late call model = %q, want fallback", model)
	}

	// the late failure must not open a second probe slot
	before := others.Load()
	if _, model := mustClassify(t, b, "x"); model != ModelFallback {
		t.Fatalf("call during probe model = %q, want fallback", model)
	}
	if got := others.Load() - before; got != 0 {
		t.Fatalf("primary invoked %d times while probe in flight", got)
	}

	close(probeRelease)
	if model := <-probeDone; model != ModelPrimary {
		t.Fatalf("probe model = %q, want primary", model)
	}
	if st := mustStats(t, b); st.State != Closed || st.FailureCount != 0 {
		t.Fatalf("after probe: state=%s failures=%d", st.State, st.FailureCount)
	}
}

func TestStats_LatencyHistoryBoundedAndP95(t *testing.T) {
	t.Parallel()

	b, p, _ := newTestBreaker(t)

	// fewer than 20 samples: p95 reported as 0
	for i := 1; i <= 19; i++ {
		p.set(classify.Technical, time.Duration(i)*time.Millisecond, nil)
		mustClassify(t, b, "x")
	}
	if st := mustStats(t, b); st.P95LatencyMs != 0 {
		t.Fatalf("P95 with 19 samples = %v, want 0", st.P95LatencyMs)
	}

	// 1..120 ms; the ring keeps the last 100 (21..120)
	for i := 20; i <= 120; i++ {
		p.set(classify.Technical, time.Duration(i)*time.Millisecond, nil)
		mustClassify(t, b, "x")
	}

	var n int
	_ = b.state.View(context.Background(), func(s *Snapshot) error { n = len(s.Latencies); return nil })
	if n != historySize {
		t.Fatalf("history len = %d, want %d", n, historySize)
	}

	st := mustStats(t, b)
	if st.AvgLatencyMs != 70.5 {
		t.Errorf("AvgLatencyMs = %v, want 70.5", st.AvgLatencyMs)
	}
	// sorted[95] of 21..120
	if st.P95LatencyMs != 116 {
		t.Errorf("P95LatencyMs = %v, want 116", st.P95LatencyMs)
	}
}

func TestLatencyStats(t *testing.T) {
	t.Parallel()

	if avg, p95 := latencyStats(nil); avg != 0 || p95 != 0 {
		t.Errorf("empty = (%v, %v)", avg, p95)
	}
	h := make([]float64, 20)
	for i := range h {
		h[i] = float64(20 - i) // unsorted 20..1
	}
	avg, p95 := latencyStats(h)
	if avg != 10.5 {
		t.Errorf("avg = %v, want 10.5", avg)
	}
	if p95 != 20 {
		t.Errorf("p95 = %v, want 20", p95)
	}
}

func TestBreaker_SharedStateAcrossInstances(t *testing.T) {
	t.Parallel()

	clk := newClock()
	backing := memstore.New(memstore.WithClock(clk.Now))
	newShared := func() statestore.Store[Snapshot] {
		return statestore.NewShared(backing, "state:breaker", NewSnapshot)
	}
	failing := PrimaryFunc(func(context.Context, string) (string, error) { return "", errors.New("down") })

	a := New(failing, classify.DefaultKeyword(), newShared(), Config{}, WithClock(clk.Now))
	b := New(failing, classify.DefaultKeyword(), newShared(), Config{}, WithClock(clk.Now))

	mustClassify(t, a, "x")
	mustClassify(t, b, "x")
	mustClassify(t, a, "x")

	// failures from both units count toward one threshold
	st := mustStats(t, b)
	if st.State != Open || st.FailureCount != 3 || st.CallsTotal != 3 {
		t.Fatalf("shared stats = %+v", st)
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.LatencyThreshold != 500*time.Millisecond || c.FailureThreshold != 3 || c.RecoveryTimeout != 30*time.Second {
		t.Errorf("defaults = %+v", c)
	}
	c = Config{LatencyThreshold: time.Second, FailureThreshold: 5, RecoveryTimeout: time.Minute}.withDefaults()
	if c.LatencyThreshold != time.Second || c.FailureThreshold != 5 || c.RecoveryTimeout != time.Minute {
		t.Errorf("overrides lost = %+v", c)
	}
}
