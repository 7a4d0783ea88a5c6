package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/embed"
	"github.com/linnemanlabs/ticketrouter/internal/kv"
	"github.com/linnemanlabs/ticketrouter/internal/lock"
	"github.com/linnemanlabs/ticketrouter/internal/notify"
	"github.com/linnemanlabs/ticketrouter/internal/router"
	"github.com/linnemanlabs/ticketrouter/internal/storm"
)

const tracerName = "github.com/linnemanlabs/ticketrouter/internal/triage"

// Submit errors.
var (
	ErrBusy     = errors.New("all processing units busy")
	ErrDraining = errors.New("service is draining")
	ErrNoID     = errors.New("ticket_id is required")
)

// Defaults.
const (
	DefaultUrgencyThreshold = 0.8
	DefaultResultTTL        = time.Hour
	DefaultMaxInflight      = 32
)

// UrgencyScorer rates how urgent ticket text reads, in [0,1].
type UrgencyScorer interface {
	Score(text string) float64
}

// Config tunes the service. Zero fields take defaults.
type Config struct {
	UrgencyThreshold float64
	ResultTTL        time.Duration
	MaxInflight      int64
}

func (c Config) withDefaults() Config {
	if c.UrgencyThreshold <= 0 {
		c.UrgencyThreshold = DefaultUrgencyThreshold
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	return c
}

// Deps are the pipeline components. All are required.
type Deps struct {
	Store    kv.Store
	Guard    *lock.Guard
	Breaker  *breaker.Breaker
	Urgency  UrgencyScorer
	Embedder embed.Embedder
	Storm    *storm.Detector
	Router   *router.Router
	Notifier notify.Notifier
}

func (d Deps) validate() error {
	var missing []string
	for name, ok := range map[string]bool{
		"Store":    d.Store != nil,
		"Guard":    d.Guard != nil,
		"Breaker":  d.Breaker != nil,
		"Urgency":  d.Urgency != nil,
		"Embedder": d.Embedder != nil,
		"Storm":    d.Storm != nil,
		"Router":   d.Router != nil,
		"Notifier": d.Notifier != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %v", missing)
	}
	return nil
}

// Hooks observe the pipeline. Any field may be nil.
type Hooks struct {
	OnSubmit    func(result string)
	OnProcessed func(status string, seconds float64)
	OnSimilar   func(count int)
}

// Service processes tickets.
type Service struct {
	deps     Deps
	cfg      Config
	sem      *semaphore.Weighted
	draining atomic.Bool
	logger   log.Logger
	hooks    Hooks
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(s *Service) { s.logger = l } }

// WithHooks installs pipeline hooks.
func WithHooks(h Hooks) Option { return func(s *Service) { s.hooks = h } }

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the pipeline. It panics when a dependency is missing.
func NewService(deps Deps, cfg Config, opts ...Option) *Service {
	if err := deps.validate(); err != nil {
		panic(xerrors.New("triage.NewService: " + err.Error()))
	}
	cfg = cfg.withDefaults()
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		logger: log.Nop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit starts processing t in the background. It never blocks: when every
// processing unit is busy it returns ErrBusy.
func (s *Service) Submit(ctx context.Context, t Ticket) error {
	if t.ID == "" {
		s.submitted("invalid")
		return ErrNoID
	}
	if s.draining.Load() {
		s.submitted("draining")
		return ErrDraining
	}
	if !s.sem.TryAcquire(1) {
		s.submitted("busy")
		return ErrBusy
	}
	s.submitted("accepted")

	go func() {
		defer s.sem.Release(1)
		ctx := context.WithoutCancel(ctx)
		if _, err := s.Process(ctx, t); err != nil {
			s.logger.Error(ctx, err, "ticket processing failed", "ticket_id", t.ID)
		}
	}()
	return nil
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

// Drain stops accepting tickets and waits for in-flight ones to finish or
// ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)
	if err := s.sem.Acquire(ctx, s.cfg.MaxInflight); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	s.sem.Release(s.cfg.MaxInflight)
	return nil
}

// Get returns the stored result for a ticket.
func (s *Service) Get(ctx context.Context, ticketID string) (*Result, bool, error) {
	b, ok, err := s.deps.Store.Get(ctx, kv.ResultKey(ticketID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false, fmt.Errorf("decode result %s: %w", ticketID, err)
	}
	return &r, true, nil
}

// Process runs the full pipeline for one ticket synchronously. Only shared
// store failures are returned as errors; a duplicate is a normal result.
func (s *Service) Process(ctx context.Context, t Ticket) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "triage.Process", trace.WithAttributes(
		attribute.String("ticket.id", t.ID),
	))
	start := s.now()
	defer func() {
		status := string(res.Status)
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("triage.status", status))
		span.End()
		if s.hooks.OnProcessed != nil {
			s.hooks.OnProcessed(status, s.now().Sub(start).Seconds())
		}
	}()

	L := s.logger.With("ticket_id", t.ID)

	acquired, err := s.deps.Guard.Do(ctx, t.ID, func(ctx context.Context) error {
		var rerr error
		res, rerr = s.run(ctx, L, t)
		return rerr
	})
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		L.Info(ctx, "duplicate ticket skipped")
		return Result{TicketID: t.ID, Status: StatusDuplicate}, nil
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, L log.Logger, t Ticket) (Result, error) {
	span := trace.SpanFromContext(ctx)

	category, model, err := s.deps.Breaker.Classify(ctx, t.Text)
	if err != nil {
		return Result{}, err
	}
	urgency := s.deps.Urgency.Score(t.Text)

	similar := 0
	if vec, err := s.deps.Embedder.Embed(ctx, t.Text); err != nil {
		L.Error(ctx, err, "embedding failed, skipping storm check", "embedder", s.deps.Embedder.Name())
	} else if similar, err = s.deps.Storm.Check(ctx, vec); err != nil {
		return Result{}, err
	}
	if s.hooks.OnSimilar != nil {
		s.hooks.OnSimilar(similar)
	}

	state, err := s.deps.Breaker.State(ctx)
	if err != nil {
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("ticket.category", category),
		attribute.String("classify.model", model),
		attribute.Float64("ticket.urgency", urgency),
		attribute.Int("storm.similar_count", similar),
	)

	res := Result{
		TicketID:     t.ID,
		Category:     category,
		ModelUsed:    model,
		SimilarCount: &similar,
		BreakerState: state,
		ProcessedAt:  s.now(),
	}

	if s.deps.Storm.IsStorm(similar) {
		res.Status = StatusIncident
		L.Info(ctx, "ticket storm detected, emitting master incident", "similar_count", similar, "category", category)
		return res, s.persist(ctx, res)
	}

	if urgency > s.cfg.UrgencyThreshold {
		if err := s.deps.Notifier.Notify(ctx, t.ID, urgency, category); err != nil {
			L.Error(ctx, err, "urgent ticket notification failed")
		}
	}

	d, err := s.deps.Router.Route(ctx, t.ID, category)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("route.agent_id", d.AgentID))

	res.Status = StatusDone
	res.UrgencyScore = &urgency
	res.Decision = &d

	L.Info(ctx, "ticket processed",
		"category", category,
		"model", model,
		"urgency", urgency,
		"agent_id", d.AgentID,
		"score", d.Score,
	)
	return res, s.persist(ctx, res)
}

// persist writes the result and refreshes the published snapshots.
func (s *Service) persist(ctx context.Context, res Result) error {
	if err := s.putJSON(ctx, kv.ResultKey(res.TicketID), res); err != nil {
		return err
	}
	return s.publishSnapshots(ctx)
}

func (s *Service) publishSnapshots(ctx context.Context) error {
	stats, err := s.deps.Breaker.Stats(ctx)
	if err != nil {
		return err
	}
	agents, err := s.deps.Router.List(ctx)
	if err != nil {
		return err
	}
	views := make([]router.AgentView, len(agents))
	for i, a := range agents {
		views[i] = a.View()
	}
	history, err := s.deps.Router.Recent(ctx, router.HistorySize)
	if err != nil {
		return err
	}

	return errors.Join(
		s.putJSON(ctx, kv.KeyBreakerStats, stats),
		s.putJSON(ctx, kv.KeyAgentSnapshot, views),
		s.putJSON(ctx, kv.KeyRoutingHistory, history),
	)
}

func (s *Service) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.deps.Store.SetWithExpiry(ctx, key, b, s.cfg.ResultTTL); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
