// Package workflow is the minimal DAG-advance engine for multi-step job
// composition (spec.md §1's "optionally compose into multi-step workflows";
// SPEC_FULL.md §8). A Definition is a set of job templates (Step) plus
// dependency edges; a Run tracks one execution, submitting each step's job
// through the ordinary jobstore.Submit/dispatcher.Submit path the moment its
// dependencies reach Completed — workflows never bypass idempotency or the
// dispatcher. This is deliberately small: spec.md's Non-goals exclude a
// "bit-exact workflow DSL," so there is no expression language, no
// conditionals, no fan-out templating — just a topological sort and an
// event-driven advance.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/fleetmesh/shared/types"
)

// Step is one job template in a Definition.
type Step struct {
	ID                   string             `json:"id"`
	Command              string             `json:"command"`
	Parameters           json.RawMessage    `json:"parameters,omitempty"`
	RequiredCapabilities []types.Capability `json:"required_capabilities,omitempty"`
	Priority             int                `json:"priority,omitempty"`
	TimeoutSeconds       int                `json:"timeout_seconds,omitempty"`
	MaxRetries           int                `json:"max_retries,omitempty"`
}

// Definition is a DAG of Steps. Edges maps a step id to the ids of the steps
// it depends on — a step is eligible to run only once every id in its edge
// list has reached Completed. A step with no entry (or an empty slice) has
// no dependencies and is eligible immediately.
type Definition struct {
	Name  string              `json:"name"`
	Steps []Step              `json:"steps"`
	Edges map[string][]string `json:"edges"`
}

// stepByID indexes Steps for fast lookup; built once per Definition use.
func (d Definition) stepByID() map[string]Step {
	m := make(map[string]Step, len(d.Steps))
	for _, s := range d.Steps {
		m[s.ID] = s
	}
	return m
}

// Validate checks that every edge references a known step and that the
// dependency graph is acyclic (Kahn's algorithm). A cyclic or
// dangling-reference definition is rejected at creation time, not at run
// time, so a bad definition never produces a run that can never advance.
func (d Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow: definition has no steps")
	}
	ids := d.stepByID()
	if len(ids) != len(d.Steps) {
		return fmt.Errorf("workflow: duplicate step id")
	}
	for stepID, deps := range d.Edges {
		if _, ok := ids[stepID]; !ok {
			return fmt.Errorf("workflow: edge references unknown step %q", stepID)
		}
		for _, dep := range deps {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("workflow: step %q depends on unknown step %q", stepID, dep)
			}
		}
	}

	if _, err := d.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns the steps in an order where every step follows all of
// its dependencies, or an error if the graph contains a cycle.
func (d Definition) topoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Steps))
	for _, s := range d.Steps {
		indegree[s.ID] = 0
	}
	for stepID, deps := range d.Edges {
		indegree[stepID] += len(deps)
	}

	dependents := make(map[string][]string)
	for stepID, deps := range d.Edges {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], stepID)
		}
	}

	var queue []string
	for _, s := range d.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(d.Steps) {
		return nil, fmt.Errorf("workflow: dependency graph contains a cycle")
	}
	return order, nil
}

// readySteps returns the steps whose dependencies are all present in
// completed, excluding any step id already present in started.
func (d Definition) readySteps(completed, started map[string]bool) []Step {
	var ready []Step
	for _, s := range d.Steps {
		if started[s.ID] {
			continue
		}
		deps := d.Edges[s.ID]
		allDone := true
		for _, dep := range deps {
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, s)
		}
	}
	return ready
}
