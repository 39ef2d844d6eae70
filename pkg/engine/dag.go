package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/statekeeper/statekeeper/pkg/spec"
)

// DAGBuilder builds a directed acyclic graph from reconciliation phases.
// It performs topological sorting and assigns execution levels so that
// independent phases can be reconciled in parallel.
type DAGBuilder struct {
	// phases maps phase IDs to their definitions
	phases map[string]*spec.Phase

	// adjacencyList maps phase IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps phase IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to phase IDs at that level
	levels [][]string
}

// ExecutionGraph is the resolved phase graph for one reconciliation pass.
type ExecutionGraph struct {
	// Nodes maps phase ID to its graph node.
	Nodes map[string]*GraphNode

	// Roots are the phases with no dependencies (level 0).
	Roots []string

	// Levels holds the phase IDs per execution level, sorted within each
	// level so runs kick phases off in a stable order.
	Levels [][]string

	// Depth is the number of execution levels.
	Depth int
}

// GraphNode is a single phase in the execution graph.
type GraphNode struct {
	ID           string
	Level        int
	Dependencies []string
	Dependents   []string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		phases:               make(map[string]*spec.Phase),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from phases.
// It validates dependencies, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(phases []spec.Phase) (*ExecutionGraph, error) {
	if len(phases) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(phases); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from phases.
func (b *DAGBuilder) initialize(phases []spec.Phase) error {
	// First pass: index all phases
	for i := range phases {
		phase := &phases[i]
		if phase.ID == "" {
			return NewPermanentError("phase has empty ID", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.phases[phase.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate phase ID: %s", phase.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.phases[phase.ID] = phase
		b.adjacencyList[phase.ID] = make([]string, 0)
		b.reverseAdjacencyList[phase.ID] = make([]string, 0)
		b.inDegree[phase.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, phase := range b.phases {
		for _, dep := range phase.DependsOn {
			if _, exists := b.phases[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("phase %s depends on non-existent phase %s", phase.ID, dep),
					nil,
				).WithCode(ErrCodeValidation).WithResource(phase.ID)
			}

			// Edge from dependency to phase: the dependency must converge
			// before the phase can start.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], phase.ID)
			b.reverseAdjacencyList[phase.ID] = append(b.reverseAdjacencyList[phase.ID], dep)
			b.inDegree[phase.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	// Iterate in sorted order so the reported cycle is deterministic.
	ids := b.sortedPhaseIDs()
	for _, id := range ids {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewDependencyCycleError(cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
// It returns the cycle path when one is found, nil otherwise.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	dependents := append([]string(nil), b.adjacencyList[nodeID]...)
	sort.Strings(dependents)

	for _, dependent := range dependents {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			// Found a cycle - construct the cycle path
			for i, id := range path {
				if id == dependent {
					return append(append([]string(nil), path[i:]...), dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Phases at the same level have no ordering constraints between them and
// can be reconciled in parallel. Within a level, phases are ordered by ID
// so that scheduling is deterministic.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.phases) > 0 {
		return NewPermanentError("no root phases found - all phases have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	// Should never happen if cycle detection worked
	if processedCount != len(b.phases) {
		return NewPermanentError("failed to process all phases - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, phaseIDs := range b.levels {
		for _, phaseID := range phaseIDs {
			graph.Nodes[phaseID] = &GraphNode{
				ID:           phaseID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[phaseID],
				Dependents:   b.adjacencyList[phaseID],
			}

			if level == 0 {
				graph.Roots = append(graph.Roots, phaseID)
			}
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
// Each level contains phase IDs that can be reconciled in parallel.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the phase graph for
// visualization. The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph PhaseGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, phaseIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, phaseID := range phaseIDs {
			phase := b.phases[phaseID]
			label := fmt.Sprintf("%s\\n%d resources", phase.ID, len(phase.Resources))
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\"];\n", phaseID, label))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedPhaseIDs() {
		for _, dep := range b.phases[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) sortedPhaseIDs() []string {
	ids := make([]string, 0, len(b.phases))
	for id := range b.phases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
