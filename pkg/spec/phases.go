package spec

import (
	"fmt"
	"sort"
)

// BuildPhases groups a spec's resources into phases and derives phase-level
// dependency edges from three sources, deduplicated:
//
//  1. explicit phase declarations in the document,
//  2. resource-level depends_on edges that cross phase boundaries,
//  3. inferred resource-type adjacency hints (see infer.go).
//
// Inferred edges are best-effort: they go through the same cycle and
// dangling-reference checks as explicit ones when the DAG is built.
func BuildPhases(s *DesiredStateSpec) ([]Phase, error) {
	byPhase := make(map[string][]ResourceDeclaration)
	resourcePhase := make(map[string]string, len(s.Resources))
	var order []string

	for _, res := range s.Resources {
		if _, seen := byPhase[res.Phase]; !seen {
			order = append(order, res.Phase)
		}
		byPhase[res.Phase] = append(byPhase[res.Phase], res)
		resourcePhase[res.ID] = res.Phase
	}

	deps := make(map[string]map[string]bool, len(byPhase))
	for id := range byPhase {
		deps[id] = make(map[string]bool)
	}

	// Explicit phase declarations may also introduce empty phases.
	for _, ph := range s.Phases {
		if _, exists := deps[ph.ID]; !exists {
			deps[ph.ID] = make(map[string]bool)
			order = append(order, ph.ID)
		}
		for _, dep := range ph.DependsOn {
			if dep == ph.ID {
				return nil, fmt.Errorf("phase %s depends on itself", ph.ID)
			}
			deps[ph.ID][dep] = true
		}
	}

	// Cross-phase resource dependencies imply phase ordering.
	for _, res := range s.Resources {
		for _, depID := range res.DependsOn {
			depPhase, ok := resourcePhase[depID]
			if !ok {
				return nil, fmt.Errorf("resource %s depends on unknown resource %s", res.ID, depID)
			}
			if depPhase != res.Phase {
				deps[res.Phase][depPhase] = true
			}
		}
	}

	// Type-adjacency inference.
	for from, to := range InferPhaseDependencies(s.Resources) {
		for dep := range to {
			if dep != from {
				deps[from][dep] = true
			}
		}
	}

	phases := make([]Phase, 0, len(order))
	for _, id := range order {
		dependsOn := make([]string, 0, len(deps[id]))
		for dep := range deps[id] {
			dependsOn = append(dependsOn, dep)
		}
		sort.Strings(dependsOn)

		phases = append(phases, Phase{
			ID:        id,
			DependsOn: dependsOn,
			Resources: byPhase[id],
		})
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].ID < phases[j].ID })

	return phases, nil
}
