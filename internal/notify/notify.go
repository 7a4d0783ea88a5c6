// Package notify fans high-urgency ticket alerts out to chat webhooks.
// Delivery is best effort: failures are logged and counted, never returned
// to the triage pipeline.
package notify

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/linnemanlabs/go-core/log"
)

// Notifier delivers one urgent-ticket alert.
type Notifier interface {
	Notify(ctx context.Context, ticketID string, urgency float64, category string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ticketID string, urgency float64, category string) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ticketID string, urgency float64, category string) error {
	return f(ctx, ticketID, urgency, category)
}

// Delivery outcomes reported to Hooks.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected" // channel breaker open
)

// Hooks observe deliveries. Any field may be nil.
type Hooks struct {
	OnNotify func(channel, outcome string)
}

type target struct {
	name string
	n    Notifier
}

// Multi sends every alert to all registered channels.
type Multi struct {
	targets []target
	logger  log.Logger
	hooks   Hooks
}

// NewMulti returns an empty fan-out.
func NewMulti(logger log.Logger, hooks Hooks) *Multi {
	if logger == nil {
		logger = log.Nop()
	}
	return &Multi{logger: logger, hooks: hooks}
}

// Add registers a channel under name.
func (m *Multi) Add(name string, n Notifier) {
	m.targets = append(m.targets, target{name: name, n: n})
}

// Len is the number of registered channels.
func (m *Multi) Len() int { return len(m.targets) }

// Notify delivers to each channel in turn. It always returns nil.
func (m *Multi) Notify(ctx context.Context, ticketID string, urgency float64, category string) error {
	for _, t := range m.targets {
		err := send(ctx, t.n, ticketID, urgency, category)
		outcome := OutcomeSent
		switch {
		case err == nil:
		case IsRejected(err):
			outcome = OutcomeRejected
			m.logger.Warn(ctx, "notification skipped, channel breaker open", "channel", t.name, "ticket_id", ticketID)
		default:
			outcome = OutcomeFailed
			m.logger.Error(ctx, err, "notification failed", "channel", t.name, "ticket_id", ticketID)
		}
		if m.hooks.OnNotify != nil {
			m.hooks.OnNotify(t.name, outcome)
		}
	}
	return nil
}

// send calls n, turning a panic into an error.
func send(ctx context.Context, n Notifier, ticketID string, urgency float64, category string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notifier panic: %v", p)
		}
	}()
	return n.Notify(ctx, ticketID, urgency, category)
}

// FormatUrgency renders an urgency score rounded to three decimals without
// trailing zeros, e.g. 0.87654 -> "0.877" and 0.95 -> "0.95".
func FormatUrgency(u float64) string {
	return strconv.FormatFloat(math.Round(u*1000)/1000, 'f', -1, 64)
}
