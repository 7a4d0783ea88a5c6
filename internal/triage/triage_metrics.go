package triage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/notify"
	"github.com/linnemanlabs/ticketrouter/internal/router"
)

// Metrics holds Prometheus metrics for the triage pipeline and its
// components.
type Metrics struct {
	SubmitsTotal            *prometheus.CounterVec
	TicketsTotal            *prometheus.CounterVec
	ProcessDuration         *prometheus.HistogramVec
	ClassificationsTotal    *prometheus.CounterVec
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
	RoutesTotal             *prometheus.CounterVec
	RouteScore              prometheus.Histogram
	StormSimilar            prometheus.Histogram
	NotificationsTotal      *prometheus.CounterVec
	DBQueryDuration         *prometheus.HistogramVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_submits_total",
			Help: "Ticket submissions by result.",
		}, []string{"result"}),
		TicketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_tickets_total",
			Help: "Processed tickets by final status.",
		}, []string{"status"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketrouter_process_duration_seconds",
			Help:    "Duration of the full ticket pipeline in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"status"}),
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_classifications_total",
			Help: "Classifications by the model that produced them.",
		}, []string{"model"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticketrouter_breaker_state",
			Help: "1 for the classification breaker's current state, 0 otherwise.",
		}, []string{"state"}),
		BreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_breaker_transitions_total",
			Help: "Classification breaker state changes.",
		}, []string{"from", "to"}),
		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_routes_total",
			Help: "Routing decisions by category and outcome.",
		}, []string{"category", "outcome"}),
		RouteScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketrouter_route_score",
			Help:    "Score of the chosen agent for routed tickets.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		StormSimilar: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketrouter_storm_similar_tickets",
			Help:    "Similar tickets seen in the storm window per ticket.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketrouter_notifications_total",
			Help: "Urgent ticket notifications by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketrouter_db_query_duration_seconds",
			Help:    "Postgres query duration by caller context and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"method", "route", "outcome"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.TicketsTotal,
		m.ProcessDuration,
		m.ClassificationsTotal,
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.RoutesTotal,
		m.RouteScore,
		m.StormSimilar,
		m.NotificationsTotal,
		m.DBQueryDuration,
	)

	m.setBreakerState(breaker.Closed)
	return m
}

func (m *Metrics) setBreakerState(current breaker.State) {
	for _, s := range []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.BreakerState.WithLabelValues(string(s)).Set(v)
	}
}

// Hooks returns service hooks that update the pipeline metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnProcessed: func(status string, seconds float64) {
			m.TicketsTotal.WithLabelValues(status).Inc()
			m.ProcessDuration.WithLabelValues(status).Observe(seconds)
		},
		OnSimilar: func(count int) {
			m.StormSimilar.Observe(float64(count))
		},
	}
}

// BreakerHooks returns classification breaker hooks.
func (m *Metrics) BreakerHooks() breaker.Hooks {
	return breaker.Hooks{
		OnTransition: func(from, to breaker.State) {
			m.BreakerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
			m.setBreakerState(to)
		},
		OnClassification: func(model string) {
			m.ClassificationsTotal.WithLabelValues(model).Inc()
		},
	}
}

// RouterHooks returns router hooks.
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		OnRoute: func(d router.Decision) {
			if !d.Routed() {
				m.RoutesTotal.WithLabelValues(d.Category, "unrouted").Inc()
				return
			}
			m.RoutesTotal.WithLabelValues(d.Category, "routed").Inc()
			m.RouteScore.Observe(d.Score)
		},
	}
}

// NotifyHooks returns notification fan-out hooks.
func (m *Metrics) NotifyHooks() notify.Hooks {
	return notify.Hooks{
		OnNotify: func(channel, outcome string) {
			m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
		},
	}
}

// ObserveQuery implements postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, method, route, outcome string, dur time.Duration) {
	m.DBQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
}
