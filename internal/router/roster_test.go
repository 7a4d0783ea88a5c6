package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRoster(t *testing.T) {
	t.Parallel()

	doc := []byte(`
agents:
  - agent_id: a1
    name: Ana
    max_capacity: 3
    skills: {Billing: 2, Legal: 2}
  - agent_id: a2
    name: Ben
    max_capacity: 1
    active: false
    skills:
      Technical: 1
`)
	agents, err := ParseRoster(doc)
	if err != nil {
		t.Fatalf("ParseRoster: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len = %d", len(agents))
	}
	if agents[0].ID != "a1" || agents[0].MaxCapacity != 3 || !agents[0].Active || agents[0].Skills["Legal"] != 2 {
		t.Errorf("agent 0 = %+v", agents[0])
	}
	if agents[1].Active {
		t.Errorf("agent 1 should be inactive")
	}
}

func TestParseRoster_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"missing id": "agents:\n  - name: x\n    max_capacity: 1\n",
		"duplicate":  "agents:\n  - agent_id: a\n    max_capacity: 1\n  - agent_id: a\n    max_capacity: 1\n",
		"bad yaml":   "agents: [",
	}
	for name, doc := range tests {
		if _, err := ParseRoster([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadRoster(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - agent_id: a\n    max_capacity: 2\n    skills: {Billing: 1}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	agents, err := LoadRoster(path)
	if err != nil || len(agents) != 1 {
		t.Fatalf("LoadRoster = %v, %v", agents, err)
	}
	if _, err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSeed_KeepsExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRouter(t)

	n, err := r.Seed(ctx, DefaultRoster())
	if err != nil || n != 5 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	mustRoute(t, r, "t-1", "Billing")

	n, err = r.Seed(ctx, DefaultRoster())
	if err != nil || n != 0 {
		t.Fatalf("reseed = %d, %v", n, err)
	}
	bob, _, _ := r.Get(ctx, "agent-002")
	if bob.CurrentLoad != 1 {
		t.Errorf("reseed reset live load: %+v", bob)
	}
}

func TestDefaultRosterFor(t *testing.T) {
	t.Parallel()

	agents := DefaultRosterFor([]string{"Technical", "Billing"})
	if len(agents) != len(DefaultRoster()) {
		t.Fatalf("agents = %d", len(agents))
	}
	for _, a := range agents {
		if _, ok := a.Skills["Legal"]; ok {
			t.Errorf("%s kept Legal skill: %v", a.ID, a.Skills)
		}
	}
	carol := agents[2]
	if carol.Skills["Technical"] != 0.10 || carol.Skills["Billing"] != 0.10 {
		t.Errorf("carol skills = %v", carol.Skills)
	}

	r := New([]string{"Technical", "Billing"}, nil)
	if n, err := r.Seed(context.Background(), agents); err != nil || n != len(agents) {
		t.Fatalf("Seed = %d, %v", n, err)
	}
}
