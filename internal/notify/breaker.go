package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/sony/gobreaker/v2"
)

// ErrRejected is returned while a channel's breaker is open.
var ErrRejected = errors.New("notification channel circuit open")

// IsRejected reports whether err came from an open channel breaker.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// Default channel breaker settings.
const (
	defaultMaxFailures uint32 = 5
	defaultTimeout            = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// BreakerConfig tunes a channel breaker. Zero fields take defaults.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Protected stops calling a webhook that keeps failing, so a dead channel
// does not add its timeout to every urgent ticket.
type Protected struct {
	name  string
	inner Notifier
	cb    *gobreaker.CircuitBreaker[struct{}]
}

// Protect wraps inner with a circuit breaker named after the channel.
func Protect(name string, inner Notifier, cfg BreakerConfig, logger log.Logger) *Protected {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "notifier breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Protected{name: name, inner: inner, cb: cb}
}

// Notify implements Notifier.
func (p *Protected) Notify(ctx context.Context, ticketID string, urgency float64, category string) error {
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.inner.Notify(ctx, ticketID, urgency, category)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrRejected, p.name, err)
	}
	return err
}

// State returns the breaker position.
func (p *Protected) State() gobreaker.State { return p.cb.State() }
