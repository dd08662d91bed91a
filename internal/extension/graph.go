package extension

import (
	"fmt"
	"sort"
)

// detectCycle runs a three-colour DFS over the declared dependency graph.
// Edges point from an extension to its dependencies; only edges inside the
// candidate set are followed.
func detectCycle(candidates map[string]Info) error {
	const (
		white = iota // unvisited
		grey         // on the current DFS path
		black        // finished
	)
	colour := make(map[string]int, len(candidates))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		colour[name] = grey
		path = append(path, name)
		for _, dep := range candidates[name].Dependencies {
			if _, ok := candidates[dep]; !ok {
				continue
			}
			switch colour[dep] {
			case grey:
				return fmt.Errorf("%w: %v -> %s", ErrCycle, path, dep)
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		colour[name] = black
		return nil
	}

	for _, name := range sortedNames(candidates) {
		if colour[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort orders candidates so every extension comes after its dependencies
// (Kahn's algorithm). A short result means a cycle survived detection; that is
// reported as [ErrCycle] as well.
func topoSort(candidates map[string]Info) ([]string, error) {
	indegree := make(map[string]int, len(candidates))
	dependents := make(map[string][]string)
	for name, info := range candidates {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range info.Dependencies {
			if _, ok := candidates[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range sortedNames(candidates) {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		deps := dependents[name]
		sort.Strings(deps)
		for _, next := range deps {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(candidates) {
		return nil, fmt.Errorf("%w: topological sort left %d of %d unplaced",
			ErrCycle, len(candidates)-len(order), len(candidates))
	}
	return order, nil
}

func sortedNames(candidates map[string]Info) []string {
	out := make([]string, 0, len(candidates))
	for name := range candidates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
