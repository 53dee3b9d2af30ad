// Package graph validates process definitions as dependency graphs and
// computes which steps are eligible to run for a given execution state.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gantryio/gantry/internal/util"
	"github.com/gantryio/gantry/pkg/api"
)

var (
	ErrProcessValidation  = errors.New("process validation failed")
	ErrUnknownDependency  = errors.New("step depends on unknown step")
	ErrCircularDependency = errors.New("circular dependency detected")
)

// Validate checks a definition's dependency graph: every referenced step
// must exist and the graph must be acyclic. Structural checks on individual
// steps are the definition's own responsibility.
func Validate(def *api.ProcessDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessValidation, err)
	}

	steps := map[api.StepID]*api.StepDefinition{}
	for _, s := range def.Steps {
		steps[s.ID] = s
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("%w: %s -> %s",
					ErrUnknownDependency, s.ID, dep)
			}
		}
		if s.Type == api.StepTypeGateway {
			if err := validateBranches(s, steps); err != nil {
				return err
			}
		}
	}

	return detectCycles(def, steps)
}

func validateBranches(
	s *api.StepDefinition, steps map[api.StepID]*api.StepDefinition,
) error {
	for _, b := range s.Gateway.Branches {
		for _, target := range b.Steps {
			if _, ok := steps[target]; !ok {
				return fmt.Errorf("%w: %s -> %s",
					ErrUnknownDependency, s.ID, target)
			}
		}
	}
	return nil
}

// detectCycles runs a depth-first search over the dependency edges,
// reporting the first cycle found by naming its member steps
func detectCycles(
	def *api.ProcessDefinition, steps map[api.StepID]*api.StepDefinition,
) error {
	visited := util.Set[api.StepID]{}
	inStack := util.Set[api.StepID]{}
	var stack []api.StepID

	var visit func(id api.StepID) error
	visit = func(id api.StepID) error {
		if inStack.Contains(id) {
			return fmt.Errorf("%w: %s",
				ErrCircularDependency, cyclePath(stack, id))
		}
		if visited.Contains(id) {
			return nil
		}
		visited.Add(id)
		inStack.Add(id)
		stack = append(stack, id)

		for _, dep := range steps[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		inStack.Remove(id)
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(stack []api.StepID, repeat api.StepID) string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	var sb strings.Builder
	for _, id := range stack[start:] {
		sb.WriteString(string(id))
		sb.WriteString(" -> ")
	}
	sb.WriteString(string(repeat))
	return sb.String()
}

// Eligible returns the steps that may start now: pending steps whose every
// dependency has settled in a satisfying state. Results follow definition
// order so dispatch is deterministic.
func Eligible(
	def *api.ProcessDefinition, statuses map[api.StepID]api.StepStatus,
) []*api.StepDefinition {
	var res []*api.StepDefinition
	for _, s := range def.Steps {
		if statuses[s.ID] != api.StepPending {
			continue
		}
		if depsSatisfied(s, statuses) {
			res = append(res, s)
		}
	}
	return res
}

func depsSatisfied(
	s *api.StepDefinition, statuses map[api.StepID]api.StepStatus,
) bool {
	for _, dep := range s.DependsOn {
		if !statuses[dep].SatisfiesDependency() {
			return false
		}
	}
	return true
}

// Blocked reports whether a pending step can never run because one of its
// dependencies settled in a non-satisfying terminal state
func Blocked(
	s *api.StepDefinition, statuses map[api.StepID]api.StepStatus,
) bool {
	for _, dep := range s.DependsOn {
		st := statuses[dep]
		if st.IsTerminal() && !st.SatisfiesDependency() {
			return true
		}
	}
	return false
}
