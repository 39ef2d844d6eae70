package spec

// typeAdjacency captures the well-known "X needs Y" relationships between
// resource types, used to infer phase ordering when depends_on is not
// declared. The table is a hint, not a guarantee: inferred edges are
// validated by the same cycle detection as explicit ones, and an edge the
// table misses simply means the operator has to declare it.
var typeAdjacency = map[string][]string{
	"compute":      {"network"},
	"database":     {"network"},
	"cache":        {"network"},
	"loadbalancer": {"network", "compute"},
	"dns":          {"loadbalancer"},
	"queue":        {"network"},
	"function":     {"network"},
	"cdn":          {"loadbalancer"},
}

// InferPhaseDependencies derives phase-to-phase edges from resource types:
// if phase A contains a type that is known to need a type living in phase
// B, A gains an edge on B. Returns from-phase -> set of dep phases.
func InferPhaseDependencies(resources []ResourceDeclaration) map[string]map[string]bool {
	phasesByType := make(map[string]map[string]bool)
	for _, res := range resources {
		if phasesByType[res.Type] == nil {
			phasesByType[res.Type] = make(map[string]bool)
		}
		phasesByType[res.Type][res.Phase] = true
	}

	inferred := make(map[string]map[string]bool)
	for _, res := range resources {
		for _, neededType := range typeAdjacency[res.Type] {
			for depPhase := range phasesByType[neededType] {
				if depPhase == res.Phase {
					continue
				}
				if inferred[res.Phase] == nil {
					inferred[res.Phase] = make(map[string]bool)
				}
				inferred[res.Phase][depPhase] = true
			}
		}
	}
	return inferred
}
