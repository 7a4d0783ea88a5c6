package ticketapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ticketrouter/internal/triage"
)

// maxTicketIDLen bounds caller-chosen IDs, which end up in store keys.
const maxTicketIDLen = 128

type submitResponse struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

func (a *API) handleSubmitTicket(w http.ResponseWriter, r *http.Request) {
	if a.limiter != nil && !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		return
	}

	var t triage.Ticket
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	t.ID = strings.TrimSpace(t.ID)
	if strings.TrimSpace(t.Text) == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}
	if len(t.ID) > maxTicketIDLen {
		http.Error(w, `{"error":"ticket_id too long"}`, http.StatusBadRequest)
		return
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ticketrouter.ticket.id", t.ID))

	if err := a.svc.Submit(r.Context(), t); err != nil {
		switch {
		case errors.Is(err, triage.ErrBusy), errors.Is(err, triage.ErrDraining):
			w.Header().Set("Retry-After", "1")
			errorJSON(w, http.StatusServiceUnavailable, err.Error())
		default:
			a.logger.Error(r.Context(), err, "ticket submit failed", "ticket_id", t.ID)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TicketID: t.ID, Status: "accepted"})
}

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("ticketrouter.ticket.id", id))

	result, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get ticket result", "ticket_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("ticketrouter.ticket.status", string(result.Status)))

	writeJSON(w, http.StatusOK, result)
}
