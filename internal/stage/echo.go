package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

// Echo is a deterministic generator for local runs. It derives each fragment from the
// prompt and, in edit mode, records the applied instructions on top of the existing output.
type Echo struct {
	Delay time.Duration
	// Failing lists strategies that always error, to exercise the fallback path.
	Failing map[string]bool
}

func (e *Echo) Generate(ctx context.Context, strategy string, req entity.StageRequest) (json.RawMessage, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	if e.Failing[strategy] {
		return nil, fmt.Errorf("strategy %s unavailable", strategy)
	}
	if req.Record == nil {
		return nil, fmt.Errorf("stage %s: request carries no record", req.Stage)
	}

	field := pipeline.RequiredField(req.Stage)
	if field == "" {
		return nil, fmt.Errorf("unknown stage %q", req.Stage)
	}

	doc := map[string]any{}
	if req.EditContext != nil && req.EditContext.IsEditMode {
		if prev := req.Record.StageOutputs[req.Stage]; len(prev) > 0 {
			if err := json.Unmarshal(prev, &doc); err != nil {
				return nil, fmt.Errorf("decode previous %s output: %w", req.Stage, err)
			}
		}
		var applied []string
		for _, ins := range req.EditContext.Instructions {
			applied = append(applied, ins.Type+": "+ins.Instruction)
		}
		doc["applied_edits"] = applied
	}
	if _, ok := doc[field]; !ok {
		doc[field] = echoValue(req.Stage, req.Record.Input.Prompt)
	}
	doc["strategy"] = strategy
	return json.Marshal(doc)
}

func echoValue(stage entity.Step, prompt string) any {
	words := strings.Fields(prompt)
	switch stage {
	case entity.StepPlanningOperations:
		ops := make([]map[string]string, 0, len(words))
		for _, w := range words {
			ops = append(ops, map[string]string{"name": strings.ToLower(w)})
		}
		if len(ops) == 0 {
			ops = append(ops, map[string]string{"name": "noop"})
		}
		return ops
	case entity.StepDesigningState:
		return map[string]any{"fields": len(words)}
	case entity.StepDesigningLayout:
		return map[string]any{"type": "column", "children": len(words)}
	case entity.StepApplyingStyling:
		return map[string]string{"root": "p-4"}
	case entity.StepAssemblingArtifact:
		return "// " + prompt
	case entity.StepValidating:
		return map[string]bool{"ok": true}
	default:
		return map[string]string{"name": "artifact", "prompt": prompt}
	}
}
