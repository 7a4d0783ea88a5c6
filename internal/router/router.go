// Package router assigns tickets to agents by skill and spare capacity.
//
// Every route call scans and mutates the registry inside one state Update, so
// concurrent callers (in-process or, with a shared state store, across
// processes) can never both take an agent's last free slot.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketrouter/internal/statestore"
)

// ScoreEpsilon is the near-top margin: candidates scoring within it of the
// best are load-balanced.
const ScoreEpsilon = 0.01

// HistorySize bounds the retained decision history.
const HistorySize = 100

// Errors returned by registry operations.
var (
	ErrInvalidAgent = errors.New("invalid agent")
	ErrUnknownAgent = errors.New("unknown agent")
)

// State is the persisted router state. Exported for encoding only.
type State struct {
	Agents  map[string]Agent `json:"agents"`
	History []Decision       `json:"history"`
	Totals  Totals           `json:"totals"`
}

// Totals are cumulative routing counters; they survive history eviction.
type Totals struct {
	Decisions  int64            `json:"decisions"`
	Unrouted   int64            `json:"unrouted"`
	ByCategory map[string]int64 `json:"by_category"`
	ByAgent    map[string]int64 `json:"by_agent"`
	ScoreSum   float64          `json:"score_sum"`
}

// NewState returns an empty registry.
func NewState() State {
	return State{
		Agents: map[string]Agent{},
		Totals: Totals{ByCategory: map[string]int64{}, ByAgent: map[string]int64{}},
	}
}

// CloneState deep-copies s.
func CloneState(s State) State {
	out := State{
		Agents:  make(map[string]Agent, len(s.Agents)),
		History: slices.Clone(s.History),
		Totals:  s.Totals,
	}
	for id, a := range s.Agents {
		out.Agents[id] = a.clone()
	}
	out.Totals.ByCategory = maps.Clone(s.Totals.ByCategory)
	out.Totals.ByAgent = maps.Clone(s.Totals.ByAgent)
	return out
}

// ensure fills maps a decoder may have left nil.
func (s *State) ensure() {
	if s.Agents == nil {
		s.Agents = map[string]Agent{}
	}
	if s.Totals.ByCategory == nil {
		s.Totals.ByCategory = map[string]int64{}
	}
	if s.Totals.ByAgent == nil {
		s.Totals.ByAgent = map[string]int64{}
	}
}

// Stats summarizes routing outcomes.
type Stats struct {
	TotalRouted int64            `json:"total_routed"`
	Unrouted    int64            `json:"unrouted"`
	ByCategory  map[string]int64 `json:"by_category"`
	ByAgent     map[string]int64 `json:"by_agent"`
	AvgScore    float64          `json:"avg_score"`
}

// Hooks receive routing events. Any field may be nil.
type Hooks struct {
	OnRoute func(d Decision)
}

// Router owns the agent registry.
type Router struct {
	categories []string
	state      statestore.Store[State]
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(r *Router) { r.logger = l } }

// WithHooks installs event hooks.
func WithHooks(h Hooks) Option { return func(r *Router) { r.hooks = h } }

// New returns a Router over a closed category set. A nil state store gets a
// process-local one.
func New(categories []string, state statestore.Store[State], opts ...Option) *Router {
	if state == nil {
		state = statestore.NewLocal(NewState(), CloneState)
	}
	r := &Router{
		categories: slices.Clone(categories),
		state:      state,
		logger:     log.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts or overwrites an agent. The skill vector is normalized to
// sum to 1 (left at zeros if it sums to 0) and missing categories are filled
// with 0.
func (r *Router) Register(ctx context.Context, a Agent) (Agent, error) {
	if err := r.validate(a); err != nil {
		return Agent{}, err
	}
	a = a.clone()
	a.Skills = normalize(a.Skills, r.categories)

	err := r.state.Update(ctx, func(s *State) error {
		s.ensure()
		s.Agents[a.ID] = a
		return nil
	})
	if err != nil {
		return Agent{}, err
	}
	r.logger.Info(ctx, "agent registered", "agent_id", a.ID, "name", a.Name, "max_capacity", a.MaxCapacity)
	return a, nil
}

func (r *Router) validate(a Agent) error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if a.MaxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("max_capacity %d must be positive", a.MaxCapacity))
	}
	if a.CurrentLoad < 0 || a.CurrentLoad > a.MaxCapacity {
		errs = append(errs, fmt.Errorf("current_load %d outside 0..%d", a.CurrentLoad, a.MaxCapacity))
	}
	for cat, v := range a.Skills {
		if !slices.Contains(r.categories, cat) {
			errs = append(errs, fmt.Errorf("unknown category %q", cat))
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("negative skill %q=%v", cat, v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidAgent, errors.Join(errs...))
	}
	return nil
}

func normalize(skills map[string]float64, categories []string) map[string]float64 {
	var sum float64
	for _, v := range skills {
		sum += v
	}
	out := make(map[string]float64, len(categories))
	for _, c := range categories {
		out[c] = 0
	}
	for k, v := range skills {
		if sum > 0 {
			out[k] = v / sum
		} else {
			out[k] = 0
		}
	}
	return out
}

// Deregister removes an agent, reporting whether it existed.
func (r *Router) Deregister(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.state.Update(ctx, func(s *State) error {
		s.ensure()
		if _, found = s.Agents[id]; found {
			delete(s.Agents, id)
		}
		return nil
	})
	return found, err
}

// SetActive toggles whether an agent receives tickets.
func (r *Router) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	var found bool
	err := r.state.Update(ctx, func(s *State) error {
		s.ensure()
		a, ok := s.Agents[id]
		if !ok {
			return nil
		}
		found = true
		a.Active = active
		s.Agents[id] = a
		return nil
	})
	return found, err
}

// Get returns a copy of one agent.
func (r *Router) Get(ctx context.Context, id string) (Agent, bool, error) {
	var (
		a  Agent
		ok bool
	)
	err := r.state.View(ctx, func(s *State) error {
		a, ok = s.Agents[id]
		a = a.clone()
		return nil
	})
	return a, ok, err
}

// List returns copies of all agents ordered by ID.
func (r *Router) List(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := r.state.View(ctx, func(s *State) error {
		out = make([]Agent, 0, len(s.Agents))
		for _, a := range s.Agents {
			out = append(out, a.clone())
		}
		return nil
	})
	slices.SortFunc(out, func(a, b Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}

// Route assigns ticketID to the best feasible agent for category and records
// the decision. A decision without an agent is a normal outcome, not an error.
func (r *Router) Route(ctx context.Context, ticketID, category string) (Decision, error) {
	var d Decision
	err := r.state.Update(ctx, func(s *State) error {
		s.ensure()
		now := r.now()
		d = Decision{TicketID: ticketID, Category: category, RoutedAt: now}

		best, ok := selectAgent(candidates(s.Agents, category))
		if !ok {
			d.Reason = fmt.Sprintf("No available agent with skills for '%s'", category)
			s.record(d)
			return nil
		}

		a := s.Agents[best.id]
		a.CurrentLoad++
		a.TotalHandled++
		a.LastAssigned = now
		s.Agents[a.ID] = a

		d.AgentID = a.ID
		d.AgentName = a.Name
		d.Score = best.score
		d.Reason = fmt.Sprintf("skill_match=%.3f, availability=%.3f, load=%d/%d",
			a.SkillMatch(category), a.Availability(), a.CurrentLoad, a.MaxCapacity)
		s.record(d)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("route %s: %w", ticketID, err)
	}
	if r.hooks.OnRoute != nil {
		r.hooks.OnRoute(d)
	}
	return d, nil
}

func (s *State) record(d Decision) {
	s.History = append(s.History, d)
	if len(s.History) > HistorySize {
		s.History = slices.Delete(s.History, 0, len(s.History)-HistorySize)
	}
	s.Totals.Decisions++
	s.Totals.ByCategory[d.Category]++
	if !d.Routed() {
		s.Totals.Unrouted++
		return
	}
	s.Totals.ByAgent[d.AgentName]++
	s.Totals.ScoreSum += d.Score
}

type candidate struct {
	id    string
	score float64
	load  int
}

func candidates(agents map[string]Agent, category string) []candidate {
	var out []candidate
	for id, a := range agents {
		if a.feasible(category) {
			out = append(out, candidate{id: id, score: a.Score(category), load: a.CurrentLoad})
		}
	}
	return out
}

// selectAgent ranks by score descending then load ascending, then picks the
// lowest load among candidates within ScoreEpsilon of the best score. Agent
// ID breaks any remaining tie so the choice never depends on map order.
func selectAgent(cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	ranked := slices.Clone(cs)
	slices.SortFunc(ranked, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(b.score, a.score),
			cmp.Compare(a.load, b.load),
			cmp.Compare(a.id, b.id),
		)
	})

	best := ranked[0]
	for _, c := range ranked[1:] {
		if ranked[0].score-c.score > ScoreEpsilon {
			break
		}
		if c.load < best.load {
			best = c
		}
	}
	return best, true
}

// Release frees one slot on an agent. It reports false when the agent is
// unknown or already idle.
func (r *Router) Release(ctx context.Context, id string) (bool, error) {
	var released bool
	err := r.state.Update(ctx, func(s *State) error {
		s.ensure()
		a, ok := s.Agents[id]
		if !ok || a.CurrentLoad == 0 {
			return nil
		}
		a.CurrentLoad--
		s.Agents[id] = a
		released = true
		return nil
	})
	return released, err
}

// Stats returns cumulative routing analytics.
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.state.View(ctx, func(s *State) error {
		t := s.Totals
		routed := t.Decisions - t.Unrouted
		st = Stats{
			TotalRouted: t.Decisions,
			Unrouted:    t.Unrouted,
			ByCategory:  maps.Clone(t.ByCategory),
			ByAgent:     maps.Clone(t.ByAgent),
		}
		if routed > 0 {
			st.AvgScore = round(t.ScoreSum/float64(routed), 4)
		}
		return nil
	})
	if st.ByCategory == nil {
		st.ByCategory = map[string]int64{}
	}
	if st.ByAgent == nil {
		st.ByAgent = map[string]int64{}
	}
	return st, err
}

// Recent returns up to the last n decisions in insertion order.
func (r *Router) Recent(ctx context.Context, n int) ([]Decision, error) {
	var out []Decision
	err := r.state.View(ctx, func(s *State) error {
		n = min(max(n, 0), len(s.History))
		out = slices.Clone(s.History[len(s.History)-n:])
		return nil
	})
	return out, err
}
