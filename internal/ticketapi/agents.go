package ticketapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/ticketrouter/internal/router"
)

const defaultRecent = 20

type registerRequest struct {
	ID          string             `json:"agent_id"`
	Name        string             `json:"name"`
	Skills      map[string]float64 `json:"skill_vector"`
	MaxCapacity int                `json:"max_capacity"`
	CurrentLoad int                `json:"current_load"`
	Active      *bool              `json:"active"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.agents.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list agents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	views := make([]router.AgentView, 0, len(agents))
	for _, ag := range agents {
		views = append(views, ag.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ag, ok, err := a.agents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get agent", "agent_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ag.View())
}

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	ag := router.Agent{
		ID:          req.ID,
		Name:        req.Name,
		Skills:      req.Skills,
		MaxCapacity: req.MaxCapacity,
		CurrentLoad: req.CurrentLoad,
		Active:      req.Active == nil || *req.Active,
	}
	ag, err := a.agents.Register(r.Context(), ag)
	if err != nil {
		if errors.Is(err, router.ErrInvalidAgent) {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to register agent", "agent_id", req.ID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ag.View())
}

func (a *API) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.agents.Deregister(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to deregister agent", "agent_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	a.logger.Info(r.Context(), "agent deregistered", "agent_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	ok, err := a.agents.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to set agent active", "agent_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "active": *req.Active})
}

func (a *API) handleReleaseAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	released, err := a.agents.Release(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to release agent", "agent_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	ag, ok, err := a.agents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get agent", "agent_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     id,
		"released":     released,
		"current_load": ag.CurrentLoad,
	})
}

func (a *API) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.breaker.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read breaker stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.agents.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read routing stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleRoutingRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, `{"error":"n must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		n = min(v, router.HistorySize)
	}
	ds, err := a.agents.Recent(r.Context(), n)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read routing history")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if ds == nil {
		ds = []router.Decision{}
	}
	writeJSON(w, http.StatusOK, ds)
}
