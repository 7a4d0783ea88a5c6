// Package breaker wraps the primary ticket classifier with a latency-aware
// circuit breaker. Slow answers count as failures: a successful but slow
// call still returns its category, yet pushes the breaker toward OPEN. While
// OPEN every ticket is classified by the keyword fallback, so Classify never
// fails.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketrouter/internal/statestore"
)

// State is the breaker position.
type State string

// Breaker states.
const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Model tags on a classification.
const (
	ModelPrimary     = "primary"
	ModelPrimarySlow = "primary_slow"
	ModelFallback    = "fallback"
)

const (
	historySize   = 100
	minP95Samples = 20
)

// Defaults.
const (
	DefaultLatencyThreshold = 500 * time.Millisecond
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Primary is the model-backed classifier being protected.
type Primary interface {
	Classify(ctx context.Context, text string) (string, error)
}

// PrimaryFunc adapts a function to Primary.
type PrimaryFunc func(ctx context.Context, text string) (string, error)

// Classify implements Primary.
func (f PrimaryFunc) Classify(ctx context.Context, text string) (string, error) { return f(ctx, text) }

// Fallback is the never-failing classifier used while the breaker is open.
type Fallback interface {
	Classify(text string) string
}

// Config tunes the breaker.
type Config struct {
	LatencyThreshold time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = DefaultLatencyThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Snapshot is the persisted breaker state. Exported for encoding only.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
	ProbeStarted  time.Time `json:"probe_started,omitzero"`
	Latencies     []float64 `json:"latencies_ms"`
	CallsTotal    int64     `json:"calls_total"`
	CallsPrimary  int64     `json:"calls_primary"`
	CallsFallback int64     `json:"calls_fallback"`
}

// NewSnapshot returns the initial CLOSED state.
func NewSnapshot() Snapshot { return Snapshot{State: Closed} }

// CloneSnapshot deep-copies s.
func CloneSnapshot(s Snapshot) Snapshot {
	s.Latencies = slices.Clone(s.Latencies)
	return s
}

// Stats is the monitoring view of the breaker.
type Stats struct {
	State         State   `json:"state"`
	FailureCount  int     `json:"failure_count"`
	CallsTotal    int64   `json:"calls_total"`
	CallsPrimary  int64   `json:"calls_primary"`
	CallsFallback int64   `json:"calls_fallback"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
}

// Hooks receive breaker events. Any field may be nil.
type Hooks struct {
	OnTransition     func(from, to State)
	OnClassification func(model string)
}

// Breaker is safe for concurrent use. With a shared state store it is also
// consistent across processes.
type Breaker struct {
	primary  Primary
	fallback Fallback
	state    statestore.Store[Snapshot]
	cfg      Config
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// WithHooks installs event hooks.
func WithHooks(h Hooks) Option { return func(b *Breaker) { b.hooks = h } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(b *Breaker) { b.logger = l } }

// New returns a Breaker over the given state store. A nil store gets a
// process-local one.
func New(primary Primary, fallback Fallback, state statestore.Store[Snapshot], cfg Config, opts ...Option) *Breaker {
	if state == nil {
		state = statestore.NewLocal(NewSnapshot(), CloneSnapshot)
	}
	b := &Breaker{
		primary:  primary,
		fallback: fallback,
		state:    state,
		cfg:      cfg.withDefaults(),
		logger:   log.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// outcome is the result of one primary call.
type outcome interface{ isOutcome() }

type success struct {
	category string
	latency  time.Duration
}

type failure struct {
	err error
}

func (success) isOutcome() {}
func (failure) isOutcome() {}

// Classify returns a category and the model tag that produced it. The error
// is non-nil only when breaker state cannot be read or written.
func (b *Breaker) Classify(ctx context.Context, text string) (category, model string, err error) {
	var (
		admitted bool
		probe    time.Time // zero unless this call is the half-open probe
	)
	err = b.state.Update(ctx, func(s *Snapshot) error {
		s.CallsTotal++
		b.refresh(ctx, s)
		switch s.State {
		case Closed:
			admitted = true
		case HalfOpen:
			// one probe at a time; an abandoned probe is retried after the recovery timeout
			if s.ProbeStarted.IsZero() || b.now().Sub(s.ProbeStarted) >= b.cfg.RecoveryTimeout {
				probe = b.now()
				s.ProbeStarted = probe
				admitted = true
			}
		}
		if !admitted {
			s.CallsFallback++
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("breaker admit: %w", err)
	}

	if !admitted {
		return b.fallbackResult(text)
	}

	res := b.call(ctx, text)

	var slow bool
	err = b.state.Update(ctx, func(s *Snapshot) error {
		if !probe.IsZero() && s.ProbeStarted.Equal(probe) {
			s.ProbeStarted = time.Time{}
		}
		switch r := res.(type) {
		case success:
			s.CallsPrimary++
			s.Latencies = pushLatency(s.Latencies, r.latency)
			if r.latency > b.cfg.LatencyThreshold {
				slow = true
				b.recordFailure(ctx, s)
			} else {
				b.recordSuccess(ctx, s)
			}
		case failure:
			s.CallsFallback++
			b.recordFailure(ctx, s)
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("breaker record: %w", err)
	}

	switch r := res.(type) {
	case success:
		model = ModelPrimary
		if slow {
			model = ModelPrimarySlow
			b.logger.Warn(ctx, "primary classifier slow", "latency_ms", ms(r.latency), "threshold_ms", ms(b.cfg.LatencyThreshold))
		}
		b.observe(model)
		return r.category, model, nil
	case failure:
		b.logger.Warn(ctx, "primary classifier failed, using fallback", "error", r.err)
	}
	return b.fallbackResult(text)
}

func (b *Breaker) fallbackResult(text string) (string, string, error) {
	b.observe(ModelFallback)
	return b.fallback.Classify(text), ModelFallback, nil
}

// call invokes the primary, turning a panic into a failure.
func (b *Breaker) call(ctx context.Context, text string) (res outcome) {
	start := b.now()
	defer func() {
		if p := recover(); p != nil {
			res = failure{err: fmt.Errorf("primary classifier panic: %v", p)}
		}
	}()
	category, err := b.primary.Classify(ctx, text)
	latency := b.now().Sub(start)
	if err != nil {
		return failure{err: err}
	}
	if category == "" {
		return failure{err: errors.New("primary classifier returned no category")}
	}
	return success{category: category, latency: latency}
}

// refresh applies the lazy OPEN -> HALF_OPEN transition.
func (b *Breaker) refresh(ctx context.Context, s *Snapshot) {
	if s.State == Open && b.now().Sub(s.LastFailure) >= b.cfg.RecoveryTimeout {
		b.transition(ctx, s, HalfOpen)
	}
}

func (b *Breaker) recordSuccess(ctx context.Context, s *Snapshot) {
	s.FailureCount = 0
	if s.State != Closed {
		b.transition(ctx, s, Closed)
	}
}

func (b *Breaker) recordFailure(ctx context.Context, s *Snapshot) {
	s.FailureCount++
	s.LastFailure = b.now()
	if s.State == HalfOpen || s.FailureCount >= b.cfg.FailureThreshold {
		if s.State != Open {
			b.transition(ctx, s, Open)
		}
	}
}

func (b *Breaker) transition(ctx context.Context, s *Snapshot, to State) {
	from := s.State
	s.State = to
	if to != HalfOpen {
		s.ProbeStarted = time.Time{}
	}
	b.logger.Warn(ctx, "classification breaker state change", "from", string(from), "to", string(to), "failure_count", s.FailureCount)
	if b.hooks.OnTransition != nil {
		b.hooks.OnTransition(from, to)
	}
}

func (b *Breaker) observe(model string) {
	if b.hooks.OnClassification != nil {
		b.hooks.OnClassification(model)
	}
}

// State reports the current state, applying the lazy recovery check.
func (b *Breaker) State(ctx context.Context) (State, error) {
	st, err := b.Stats(ctx)
	return st.State, err
}

// Stats returns the monitoring view.
func (b *Breaker) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := b.state.View(ctx, func(s *Snapshot) error {
		st = Stats{
			State:         s.State,
			FailureCount:  s.FailureCount,
			CallsTotal:    s.CallsTotal,
			CallsPrimary:  s.CallsPrimary,
			CallsFallback: s.CallsFallback,
		}
		if s.State == Open && b.now().Sub(s.LastFailure) >= b.cfg.RecoveryTimeout {
			st.State = HalfOpen
		}
		st.AvgLatencyMs, st.P95LatencyMs = latencyStats(s.Latencies)
		return nil
	})
	return st, err
}

func pushLatency(h []float64, d time.Duration) []float64 {
	h = append(h, ms(d))
	if len(h) > historySize {
		h = slices.Delete(h, 0, len(h)-historySize)
	}
	return h
}

// latencyStats returns the mean and, once enough samples exist, the p95
// using the index floor(n*0.95) on sorted samples. p95 is 0 below the
// sample minimum.
func latencyStats(h []float64) (avg, p95 float64) {
	if len(h) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range h {
		sum += v
	}
	avg = round(sum/float64(len(h)), 2)
	if len(h) >= minP95Samples {
		sorted := slices.Clone(h)
		slices.Sort(sorted)
		p95 = round(sorted[int(float64(len(sorted))*0.95)], 2)
	}
	return avg, p95
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
