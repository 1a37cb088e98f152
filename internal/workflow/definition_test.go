package workflow

import "testing"

func linear() Definition {
	return Definition{
		Name: "linear",
		Steps: []Step{
			{ID: "a", Command: "echo"},
			{ID: "b", Command: "echo"},
			{ID: "c", Command: "echo"},
		},
		Edges: map[string][]string{
			"b": {"a"},
			"c": {"b"},
		},
	}
}

func diamond() Definition {
	return Definition{
		Name: "diamond",
		Steps: []Step{
			{ID: "a", Command: "echo"},
			{ID: "b", Command: "echo"},
			{ID: "c", Command: "echo"},
			{ID: "d", Command: "echo"},
		},
		Edges: map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	}
}

func TestDefinitionValidate_Linear(t *testing.T) {
	if err := linear().Validate(); err != nil {
		t.Fatalf("linear definition should validate: %v", err)
	}
}

func TestDefinitionValidate_Diamond(t *testing.T) {
	if err := diamond().Validate(); err != nil {
		t.Fatalf("diamond definition should validate: %v", err)
	}
}

func TestDefinitionValidate_NoSteps(t *testing.T) {
	if err := (Definition{}).Validate(); err == nil {
		t.Fatal("expected error for empty definition")
	}
}

func TestDefinitionValidate_DanglingEdge(t *testing.T) {
	def := Definition{
		Steps: []Step{{ID: "a"}},
		Edges: map[string][]string{"a": {"ghost"}},
	}
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for edge referencing unknown step")
	}
}

func TestDefinitionValidate_Cycle(t *testing.T) {
	def := Definition{
		Steps: []Step{{ID: "a"}, {ID: "b"}},
		Edges: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for cyclic dependency graph")
	}
}

func TestDefinitionValidate_DuplicateStepID(t *testing.T) {
	def := Definition{Steps: []Step{{ID: "a"}, {ID: "a"}}}
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestReadySteps_InitialFrontier(t *testing.T) {
	def := diamond()
	ready := def.readySteps(map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only step a ready initially, got %+v", ready)
	}
}

func TestReadySteps_AfterOneCompletes(t *testing.T) {
	def := diamond()
	completed := map[string]bool{"a": true}
	started := map[string]bool{"a": true}
	ready := def.readySteps(completed, started)
	if len(ready) != 2 {
		t.Fatalf("expected b and c ready after a completes, got %+v", ready)
	}
	ids := map[string]bool{}
	for _, s := range ready {
		ids[s.ID] = true
	}
	if !ids["b"] || !ids["c"] {
		t.Fatalf("expected b and c in ready set, got %+v", ready)
	}
}

func TestReadySteps_JoinWaitsForAllDependencies(t *testing.T) {
	def := diamond()
	completed := map[string]bool{"a": true, "b": true}
	started := map[string]bool{"a": true, "b": true}
	ready := def.readySteps(completed, started)
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("expected only c ready (d still waits on c), got %+v", ready)
	}

	completed["c"] = true
	started["c"] = true
	ready = def.readySteps(completed, started)
	if len(ready) != 1 || ready[0].ID != "d" {
		t.Fatalf("expected d ready once both join dependencies complete, got %+v", ready)
	}
}
