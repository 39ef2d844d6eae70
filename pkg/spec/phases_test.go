package spec

import (
	"reflect"
	"testing"
)

func TestBuildPhases_GroupsAndOrders(t *testing.T) {
	s := &DesiredStateSpec{
		Resources: []ResourceDeclaration{
			{ID: "vpc", Type: "network", Phase: "network"},
			{ID: "web", Type: "compute", Phase: "compute", DependsOn: []string{"vpc"}},
			{ID: "db", Type: "database", Phase: "compute", DependsOn: []string{"vpc"}},
		},
	}

	phases, err := BuildPhases(s)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(phases) != 2 {
		t.Fatalf("Expected 2 phases, got %d", len(phases))
	}

	// Sorted by phase ID.
	if phases[0].ID != "compute" || phases[1].ID != "network" {
		t.Errorf("Unexpected phase order: %s, %s", phases[0].ID, phases[1].ID)
	}
	if !reflect.DeepEqual(phases[0].DependsOn, []string{"network"}) {
		t.Errorf("Expected compute to depend on network, got %v", phases[0].DependsOn)
	}
	if len(phases[0].Resources) != 2 {
		t.Errorf("Expected 2 resources in compute phase, got %d", len(phases[0].Resources))
	}
}

func TestBuildPhases_ExplicitPhaseDependencies(t *testing.T) {
	s := &DesiredStateSpec{
		Resources: []ResourceDeclaration{
			{ID: "vpc", Type: "network", Phase: "network"},
			{ID: "dash", Type: "monitoring", Phase: "observability"},
		},
		Phases: []PhaseDeclaration{
			{ID: "observability", DependsOn: []string{"network"}},
		},
	}

	phases, err := BuildPhases(s)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var obs *Phase
	for i := range phases {
		if phases[i].ID == "observability" {
			obs = &phases[i]
		}
	}
	if obs == nil {
		t.Fatal("Expected observability phase")
	}
	if !reflect.DeepEqual(obs.DependsOn, []string{"network"}) {
		t.Errorf("Expected explicit dependency on network, got %v", obs.DependsOn)
	}
}

func TestBuildPhases_SelfDependencyRejected(t *testing.T) {
	s := &DesiredStateSpec{
		Resources: []ResourceDeclaration{
			{ID: "vpc", Type: "network", Phase: "network"},
		},
		Phases: []PhaseDeclaration{
			{ID: "network", DependsOn: []string{"network"}},
		},
	}

	if _, err := BuildPhases(s); err == nil {
		t.Error("Expected error for self-dependent phase")
	}
}

func TestInferPhaseDependencies_TypeAdjacency(t *testing.T) {
	resources := []ResourceDeclaration{
		{ID: "vpc", Type: "network", Phase: "network"},
		{ID: "lb", Type: "loadbalancer", Phase: "edge"},
		{ID: "web", Type: "compute", Phase: "compute"},
	}

	inferred := InferPhaseDependencies(resources)

	if !inferred["edge"]["network"] {
		t.Error("Expected edge phase to depend on network (loadbalancer needs network)")
	}
	if !inferred["edge"]["compute"] {
		t.Error("Expected edge phase to depend on compute (loadbalancer needs compute)")
	}
	if !inferred["compute"]["network"] {
		t.Error("Expected compute phase to depend on network")
	}
	if len(inferred["network"]) != 0 {
		t.Errorf("Expected no inferred deps for network phase, got %v", inferred["network"])
	}
}

func TestBuildPhases_InferredEdgesMerged(t *testing.T) {
	// No explicit depends_on anywhere: ordering comes purely from the
	// type-adjacency hint table.
	s := &DesiredStateSpec{
		Resources: []ResourceDeclaration{
			{ID: "vpc", Type: "network", Phase: "network"},
			{ID: "web", Type: "compute", Phase: "compute"},
		},
	}

	phases, err := BuildPhases(s)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, ph := range phases {
		if ph.ID == "compute" && !reflect.DeepEqual(ph.DependsOn, []string{"network"}) {
			t.Errorf("Expected inferred dependency on network, got %v", ph.DependsOn)
		}
	}
}
