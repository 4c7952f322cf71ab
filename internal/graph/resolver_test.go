package graph

import (
	"errors"
	"testing"
)

// mapSource backs a resolver with a plain dependency map. Unknown names
// return nil, matching the registry contract.
type mapSource map[string][]string

func (m mapSource) Dependencies(name string) []string {
	return m[name]
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolve_DependenciesFirst(t *testing.T) {
	r := NewResolver(mapSource{
		"nutrition": {"privacy", "followup"},
	})

	order, err := r.Resolve([]string{"nutrition"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("expected 3 agents, got %v", order)
	}
	if indexOf(order, "privacy") >= indexOf(order, "nutrition") {
		t.Errorf("privacy must precede nutrition: %v", order)
	}
	if indexOf(order, "followup") >= indexOf(order, "nutrition") {
		t.Errorf("followup must precede nutrition: %v", order)
	}
}

func TestResolve_NoDuplicates(t *testing.T) {
	r := NewResolver(mapSource{
		"nutrition": {"privacy", "followup"},
	})

	// privacy requested explicitly and pulled in as a dependency.
	order, err := r.Resolve([]string{"privacy", "nutrition", "privacy"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	seen := make(map[string]int)
	for _, name := range order {
		seen[name]++
	}
	for name, count := range seen {
		if count != 1 {
			t.Errorf("agent %s appears %d times: %v", name, count, order)
		}
	}
}

func TestResolve_TransitiveChain(t *testing.T) {
	r := NewResolver(mapSource{
		"c": {"b"},
		"b": {"a"},
	})

	order, err := r.Resolve([]string{"c"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []string{"a", "b", "c"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestResolve_UnknownNamesPassThrough(t *testing.T) {
	r := NewResolver(mapSource{})

	order, err := r.Resolve([]string{"imaging", "labs"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(order) != 2 || order[0] != "imaging" || order[1] != "labs" {
		t.Errorf("unknown agents should pass through as leaves: %v", order)
	}
}

func TestResolve_PreservesFirstVisitOrder(t *testing.T) {
	r := NewResolver(mapSource{})

	order, err := r.Resolve([]string{"checklist", "privacy", "history"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"checklist", "privacy", "history"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestResolve_CycleDetected(t *testing.T) {
	r := NewResolver(mapSource{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})

	_, err := r.Resolve([]string{"a"})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if len(cfgErr.Cycle) < 2 {
		t.Errorf("expected cycle path, got %v", cfgErr.Cycle)
	}
}

func TestResolve_SelfCycle(t *testing.T) {
	r := NewResolver(mapSource{
		"a": {"a"},
	})

	_, err := r.Resolve([]string{"a"})
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected for self dependency, got %v", err)
	}
}

func TestTiers_IndependentAgentsShareOneTier(t *testing.T) {
	r := NewResolver(mapSource{})

	order, _ := r.Resolve([]string{"checklist", "privacy", "history"})
	tiers := r.Tiers(order)

	if len(tiers) != 1 {
		t.Fatalf("expected 1 tier, got %d: %v", len(tiers), tiers)
	}
	if len(tiers[0]) != 3 {
		t.Errorf("expected 3 agents in tier 0, got %v", tiers[0])
	}
}

func TestTiers_DependenciesInEarlierTier(t *testing.T) {
	r := NewResolver(mapSource{
		"nutrition": {"privacy", "followup"},
	})

	order, _ := r.Resolve([]string{"nutrition", "checklist"})
	tiers := r.Tiers(order)

	if len(tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %v", tiers)
	}
	// privacy, followup and the independent checklist run first.
	if len(tiers[0]) != 3 {
		t.Errorf("expected 3 agents in tier 0, got %v", tiers[0])
	}
	if len(tiers[1]) != 1 || tiers[1][0] != "nutrition" {
		t.Errorf("expected nutrition alone in tier 1, got %v", tiers[1])
	}
}

func TestTiers_Empty(t *testing.T) {
	r := NewResolver(mapSource{})
	if tiers := r.Tiers(nil); tiers != nil {
		t.Errorf("expected nil tiers for empty order, got %v", tiers)
	}
}
