package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// topoSort orders stages so every stage follows its dependencies (Kahn's
// algorithm, ties broken alphabetically for determinism). A cycle is a
// ConfigurationError.
func topoSort(specs map[string]*StageSpec) ([]string, error) {
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for id, spec := range specs {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range spec.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := dependents[id]
		sort.Strings(next)
		for _, dn := range next {
			indegree[dn]--
			if indegree[dn] == 0 {
				ready = append(ready, dn)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(specs) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("dependency cycle involving stages: %s", strings.Join(cyclic, ", ")),
		}
	}
	return order, nil
}

// transitiveDependents returns every stage reachable downstream of root.
func transitiveDependents(specs map[string]*StageSpec, root string) map[string]struct{} {
	out := make(map[string]struct{})
	var visit func(string)
	visit = func(id string) {
		for candidate, spec := range specs {
			for _, dep := range spec.DependsOn {
				if dep != id {
					continue
				}
				if _, seen := out[candidate]; !seen {
					out[candidate] = struct{}{}
					visit(candidate)
				}
			}
		}
	}
	visit(root)
	return out
}
