// Package pipeline defines the fixed step graph a job moves through: an ordered list of
// phases, one of which forks into two stages that must both finish before the next phase.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pipeline-orchestrator/internal/entity"
)

// Phase is a position in the graph. Entry is the value current_step takes while the phase
// is active; Stages are the stages that run in it (two for the fork, none for the
// initialization and completed phases).
type Phase struct {
	Entry  entity.Step
	Stages []entity.Step
}

// Fork reports whether the phase runs more than one stage concurrently.
func (p Phase) Fork() bool { return len(p.Stages) > 1 }

var phases = []Phase{
	{Entry: entity.StepInitialization},
	{Entry: entity.StepPlanningOperations, Stages: []entity.Step{entity.StepPlanningOperations}},
	{Entry: entity.StepDesigningState, Stages: []entity.Step{entity.StepDesigningState, entity.StepDesigningLayout}},
	{Entry: entity.StepApplyingStyling, Stages: []entity.Step{entity.StepApplyingStyling}},
	{Entry: entity.StepAssemblingArtifact, Stages: []entity.Step{entity.StepAssemblingArtifact}},
	{Entry: entity.StepValidating, Stages: []entity.Step{entity.StepValidating}},
	{Entry: entity.StepFinalizing, Stages: []entity.Step{entity.StepFinalizing}},
	{Entry: entity.StepCompleted},
}

// Order is the step enumeration in its significant order. Failed is absorbing and sits
// outside the ordering.
var Order = []entity.Step{
	entity.StepInitialization,
	entity.StepPlanningOperations,
	entity.StepDesigningState,
	entity.StepDesigningLayout,
	entity.StepApplyingStyling,
	entity.StepAssemblingArtifact,
	entity.StepValidating,
	entity.StepFinalizing,
	entity.StepCompleted,
}

var requiredFields = map[entity.Step]string{
	entity.StepPlanningOperations: "operations",
	entity.StepDesigningState:     "state_logic",
	entity.StepDesigningLayout:    "layout",
	entity.StepApplyingStyling:    "styles",
	entity.StepAssemblingArtifact: "artifact",
	entity.StepValidating:         "validation",
	entity.StepFinalizing:         "package",
}

// Ordinal returns the position of step in Order, or -1 for failed and unknown steps.
func Ordinal(step entity.Step) int {
	for i, s := range Order {
		if s == step {
			return i
		}
	}
	return -1
}

func Valid(step entity.Step) bool {
	return step == entity.StepFailed || Ordinal(step) >= 0
}

// IsStage reports whether step is run by a stage runner.
func IsStage(step entity.Step) bool {
	_, ok := requiredFields[step]
	return ok
}

// Stages returns every stage in graph order.
func Stages() []entity.Step {
	out := make([]entity.Step, 0, len(requiredFields))
	for _, p := range phases {
		out = append(out, p.Stages...)
	}
	return out
}

func phaseIndex(step entity.Step) int {
	for i, p := range phases {
		if p.Entry == step {
			return i
		}
		for _, s := range p.Stages {
			if s == step {
				return i
			}
		}
	}
	return -1
}

// PhaseOf returns the phase that contains step, either as its entry or as one of its stages.
func PhaseOf(step entity.Step) (Phase, bool) {
	i := phaseIndex(step)
	if i < 0 {
		return Phase{}, false
	}
	return phases[i], true
}

// Next returns the phase following the one that contains step.
func Next(step entity.Step) (Phase, error) {
	i := phaseIndex(step)
	if i < 0 {
		return Phase{}, fmt.Errorf("unknown step %q", step)
	}
	if i == len(phases)-1 {
		return Phase{}, fmt.Errorf("step %q has no successor", step)
	}
	return phases[i+1], nil
}

// IsForkBranch reports whether stage is one of the concurrently running fork stages.
func IsForkBranch(stage entity.Step) bool {
	p, ok := PhaseOf(stage)
	return ok && p.Fork()
}

// Branches returns the sibling stages of the fork stage belongs to, including stage itself.
func Branches(stage entity.Step) []entity.Step {
	p, ok := PhaseOf(stage)
	if !ok || !p.Fork() {
		return nil
	}
	return append([]entity.Step(nil), p.Stages...)
}

// Active reports whether stage belongs to the phase current is the entry of.
func Active(current, stage entity.Step) bool {
	p, ok := PhaseOf(current)
	if !ok || p.Entry != current {
		return false
	}
	for _, s := range p.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Past reports whether current has moved beyond every stage of the phase that contains step.
func Past(current, step entity.Step) bool {
	ci, si := phaseIndex(current), phaseIndex(step)
	if ci < 0 || si < 0 {
		return false
	}
	return ci > si
}

// RequiredField names the key a stage's fragment must carry.
func RequiredField(stage entity.Step) string {
	return requiredFields[stage]
}

// OutputComplete is the structural check deciding whether a stage produced usable output:
// a JSON object whose required field is present, not null, and not empty.
func OutputComplete(stage entity.Step, fragment json.RawMessage) bool {
	field, ok := requiredFields[stage]
	if !ok || len(bytes.TrimSpace(fragment)) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(fragment, &obj); err != nil {
		return false
	}
	raw, ok := obj[field]
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case string:
		return t != ""
	default:
		return true
	}
}

// PhaseComplete reports whether every stage of p has complete output.
func PhaseComplete(p Phase, outputs map[entity.Step]json.RawMessage) bool {
	for _, s := range p.Stages {
		if !OutputComplete(s, outputs[s]) {
			return false
		}
	}
	return true
}
