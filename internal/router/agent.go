package router

import (
	"maps"
	"math"
	"time"
)

// Agent is a routing target.
type Agent struct {
	ID           string             `json:"agent_id" yaml:"agent_id"`
	Name         string             `json:"name" yaml:"name"`
	Skills       map[string]float64 `json:"skill_vector" yaml:"skills"`
	MaxCapacity  int                `json:"max_capacity" yaml:"max_capacity"`
	CurrentLoad  int                `json:"current_load" yaml:"current_load"`
	Active       bool               `json:"active" yaml:"-"`
	TotalHandled int64              `json:"total_handled" yaml:"-"`
	LastAssigned time.Time          `json:"last_assigned,omitzero" yaml:"-"`
}

// SkillMatch returns the proficiency for category (0 if absent).
func (a Agent) SkillMatch(category string) float64 { return a.Skills[category] }

// LoadRatio is current load over capacity.
func (a Agent) LoadRatio() float64 {
	if a.MaxCapacity <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

// Availability is 1 - sqrt(load ratio): 1 when idle, 0 when full, and
// falling fastest as the agent nears capacity.
func (a Agent) Availability() float64 {
	return 1 - math.Sqrt(a.LoadRatio())
}

// Score is the routing objective for category.
func (a Agent) Score(category string) float64 {
	return a.SkillMatch(category) * a.Availability()
}

// AvailableSlots is the remaining capacity.
func (a Agent) AvailableSlots() int { return max(a.MaxCapacity-a.CurrentLoad, 0) }

func (a Agent) feasible(category string) bool {
	return a.Active && a.CurrentLoad < a.MaxCapacity && a.SkillMatch(category) > 0
}

func (a Agent) clone() Agent {
	a.Skills = maps.Clone(a.Skills)
	return a
}

// AgentView is the presentation form of an Agent.
type AgentView struct {
	ID             string             `json:"agent_id"`
	Name           string             `json:"name"`
	Skills         map[string]float64 `json:"skill_vector"`
	MaxCapacity    int                `json:"max_capacity"`
	CurrentLoad    int                `json:"current_load"`
	AvailableSlots int                `json:"available_slots"`
	LoadRatio      float64            `json:"load_ratio"`
	TotalHandled   int64              `json:"total_handled"`
	Active         bool               `json:"active"`
	LastAssigned   time.Time          `json:"last_assigned,omitzero"`
}

// View renders the agent with rounded figures.
func (a Agent) View() AgentView {
	skills := make(map[string]float64, len(a.Skills))
	for k, v := range a.Skills {
		skills[k] = round(v, 3)
	}
	return AgentView{
		ID:             a.ID,
		Name:           a.Name,
		Skills:         skills,
		MaxCapacity:    a.MaxCapacity,
		CurrentLoad:    a.CurrentLoad,
		AvailableSlots: a.AvailableSlots(),
		LoadRatio:      round(a.LoadRatio(), 3),
		TotalHandled:   a.TotalHandled,
		Active:         a.Active,
		LastAssigned:   a.LastAssigned,
	}
}

// Decision is the outcome of one route call. AgentID is empty when no agent
// could take the ticket.
type Decision struct {
	TicketID  string    `json:"ticket_id"`
	Category  string    `json:"category"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
	RoutedAt  time.Time `json:"routed_at"`
}

// Routed reports whether an agent was assigned.
func (d Decision) Routed() bool { return d.AgentID != "" }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
