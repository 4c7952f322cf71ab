// Package graph resolves inter-agent dependencies into an execution order and
// partitions that order into tiers that can run concurrently.
package graph

// Source provides declared dependencies per agent name. Unknown names must
// return nil; they are treated as leaves and passed through unresolved.
type Source interface {
	Dependencies(name string) []string
}

// Resolver computes dependency orders against a fixed source.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver backed by the given dependency source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// DFS colors: white = unvisited, gray = visiting, black = done.
const (
	white = iota
	gray
	black
)

// Resolve returns the requested agents plus their transitive dependencies in
// first-visit depth-first order, every dependency strictly before its
// dependents and each agent exactly once. An agent re-encountered while still
// being visited signals a cycle and yields a ConfigurationError.
func (r *Resolver) Resolve(requested []string) ([]string, error) {
	colors := make(map[string]int, len(requested))
	order := make([]string, 0, len(requested))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case gray:
			// Cycle: slice the visiting stack from the first occurrence.
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, stack[start:]...), name)
			return &ConfigurationError{Cycle: cycle}
		case black:
			return nil
		}

		colors[name] = gray
		stack = append(stack, name)

		for _, dep := range r.src.Dependencies(name) {
			if err := visit(dep); err != nil {
				return err
			}
		}

		colors[name] = black
		stack = stack[:len(stack)-1]
		order = append(order, name)
		return nil
	}

	for _, name := range requested {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// Tiers partitions a resolved order into dependency tiers: members of tier N
// have all their in-order dependencies in tiers < N and can execute
// concurrently. Only edges between members of the order are considered.
// Within a tier, the resolved order is preserved.
func (r *Resolver) Tiers(order []string) [][]string {
	if len(order) == 0 {
		return nil
	}

	inOrder := make(map[string]bool, len(order))
	for _, name := range order {
		inOrder[name] = true
	}

	// In-degree restricted to edges inside the order, plus the reverse
	// adjacency used to release dependents tier by tier.
	inDegree := make(map[string]int, len(order))
	dependents := make(map[string][]string)
	for _, name := range order {
		for _, dep := range r.src.Dependencies(name) {
			if !inOrder[dep] {
				continue
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var tiers [][]string
	placed := make(map[string]bool, len(order))
	remaining := len(order)

	for remaining > 0 {
		var tier []string
		for _, name := range order {
			if !placed[name] && inDegree[name] == 0 {
				tier = append(tier, name)
			}
		}
		if len(tier) == 0 {
			// Unreachable when the order came from Resolve, which rejects
			// cycles; guard keeps a malformed input from spinning.
			break
		}
		for _, name := range tier {
			placed[name] = true
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
			}
		}
		tiers = append(tiers, tier)
		remaining -= len(tier)
	}

	return tiers
}
