package triage

import (
	"time"

	"github.com/linnemanlabs/ticketrouter/internal/breaker"
	"github.com/linnemanlabs/ticketrouter/internal/router"
)

// Status is the outcome of processing one ticket.
type Status string

const (
	// StatusDone means the ticket was classified and a routing decision made
	StatusDone Status = "done"

	// StatusIncident means the ticket joined a storm and was folded into a
	// master incident instead of being routed
	StatusIncident Status = "incident"

	// StatusDuplicate means another processing unit holds the ticket
	StatusDuplicate Status = "duplicate"
)

// Ticket is an inbound support ticket.
type Ticket struct {
	ID   string `json:"ticket_id"`
	Text string `json:"text"`
}

// Result is what processing a ticket produced. Fields a status does not
// carry are left nil so each status encodes to its own shape.
type Result struct {
	TicketID     string           `json:"ticket_id"`
	Status       Status           `json:"status"`
	Category     string           `json:"category,omitempty"`
	ModelUsed    string           `json:"model_used,omitempty"`
	UrgencyScore *float64         `json:"urgency_score,omitempty"`
	SimilarCount *int             `json:"similar_count,omitempty"`
	BreakerState breaker.State    `json:"breaker_state,omitempty"`
	Decision     *router.Decision `json:"decision,omitempty"`
	ProcessedAt  time.Time        `json:"processed_at,omitzero"`
}
