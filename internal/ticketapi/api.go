// Package ticketapi exposes ticket intake, results and agent administration
// over HTTP.
package ticketapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/ticketrouter/internal/authmw"
	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/router"
	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

// TriageService defines the ticket operations ticketapi needs.
type TriageService interface {
	Submit(ctx context.Context, t triage.Ticket) error
	Get(ctx context.Context, id string) (*triage.Result, bool, error)
}

// AgentRegistry defines the router operations ticketapi needs.
type AgentRegistry interface {
	Register(ctx context.Context, a router.Agent) (router.Agent, error)
	Deregister(ctx context.Context, id string) (bool, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
	Get(ctx context.Context, id string) (router.Agent, bool, error)
	List(ctx context.Context) ([]router.Agent, error)
	Release(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (router.Stats, error)
	Recent(ctx context.Context, n int) ([]router.Decision, error)
}

// BreakerStats reports classifier breaker health.
type BreakerStats interface {
	Stats(ctx context.Context) (breaker.Stats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     TriageService
	agents  AgentRegistry
	breaker BreakerStats
	limiter *rate.Limiter
	token   string
}

// Option configures an API.
type Option func(*API)

// WithIntakeLimit caps ticket submissions at rps with the given burst.
// A non-positive rps disables limiting.
func WithIntakeLimit(rps float64, burst int) Option {
	return func(a *API) {
		if rps <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithAdminToken requires a bearer token on agent mutation routes.
func WithAdminToken(token string) Option { return func(a *API) { a.token = token } }

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, agents AgentRegistry, brk BreakerStats, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if agents == nil {
		panic(xerrors.New("agent registry is required"))
	}
	if brk == nil {
		panic(xerrors.New("breaker is required"))
	}
	a := &API{
		logger:  logger,
		svc:     svc,
		agents:  agents,
		breaker: brk,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tickets", a.handleSubmitTicket)
		r.Get("/tickets/{id}", a.handleGetTicket)

		r.Get("/breaker/stats", a.handleBreakerStats)

		r.Get("/agents", a.handleListAgents)
		r.Get("/agents/{id}", a.handleGetAgent)
		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.token))
			r.Post("/agents", a.handleRegisterAgent)
			r.Delete("/agents/{id}", a.handleDeregisterAgent)
			r.Put("/agents/{id}/active", a.handleSetActive)
			r.Post("/agents/{id}/release", a.handleReleaseAgent)
		})

		r.Get("/routing/stats", a.handleRoutingStats)
		r.Get("/routing/recent", a.handleRoutingRecent)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorJSON is for messages that are not compile-time constants.
func errorJSON(w http.ResponseWriter, code int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	http.Error(w, string(b), code)
}
