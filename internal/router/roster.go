package router

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk roster format:
//
//	agents:
//	  - agent_id: agent-001
//	    name: Alice
//	    max_capacity: 6
//	    skills: {Technical: 0.9, Billing: 0.1}
type rosterFile struct {
	Agents []rosterAgent `yaml:"agents"`
}

type rosterAgent struct {
	Agent  `yaml:",inline"`
	Active *bool `yaml:"active"`
}

// LoadRoster reads agents from a YAML file. Agents are active unless the
// file says otherwise.
func LoadRoster(path string) ([]Agent, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is operator config
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(b)
}

// ParseRoster decodes a YAML roster document.
func ParseRoster(b []byte) ([]Agent, error) {
	var f rosterFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	out := make([]Agent, 0, len(f.Agents))
	seen := make(map[string]bool, len(f.Agents))
	for i, ra := range f.Agents {
		a := ra.Agent
		if a.ID == "" {
			return nil, fmt.Errorf("roster agent %d: agent_id is required", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("roster agent %d: duplicate agent_id %q", i, a.ID)
		}
		seen[a.ID] = true
		a.Active = ra.Active == nil || *ra.Active
		out = append(out, a)
	}
	return out, nil
}

// DefaultRoster is the built-in five-agent team.
func DefaultRoster() []Agent {
	return DefaultRosterFor([]string{"Technical", "Billing", "Legal"})
}

// DefaultRosterFor is the built-in team restricted to categories. Skills
// outside the set are dropped; categories the team does not know are left
// for Register to zero-fill.
func DefaultRosterFor(categories []string) []Agent {
	mk := func(id, name string, tech, billing, legal float64, capacity int) Agent {
		skills := make(map[string]float64, 3)
		for cat, v := range map[string]float64{"Technical": tech, "Billing": billing, "Legal": legal} {
			if slices.Contains(categories, cat) {
				skills[cat] = v
			}
		}
		return Agent{
			ID:          id,
			Name:        name,
			Skills:      skills,
			MaxCapacity: capacity,
			Active:      true,
		}
	}
	return []Agent{
		mk("agent-001", "Alice", 0.90, 0.10, 0.00, 6),
		mk("agent-002", "Bob", 0.20, 0.70, 0.10, 5),
		mk("agent-003", "Carol", 0.10, 0.10, 0.80, 4),
		mk("agent-004", "Dave", 0.50, 0.30, 0.20, 8),
		mk("agent-005", "Eve", 0.40, 0.40, 0.20, 5),
	}
}

// Seed registers agents that are not already present, leaving existing
// entries (and their live load) untouched. It returns how many were added.
func (r *Router) Seed(ctx context.Context, agents []Agent) (int, error) {
	var added int
	for _, a := range agents {
		_, ok, err := r.Get(ctx, a.ID)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		if _, err := r.Register(ctx, a); err != nil {
			return added, fmt.Errorf("seed %s: %w", a.ID, err)
		}
		added++
	}
	return added, nil
}
