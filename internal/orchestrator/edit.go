package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

const defaultEditType = "modify"

type EditRequest struct {
	Stage       entity.Step
	Type        string
	Instruction string
	Priority    int
}

func validateEdit(req EditRequest) error {
	if !pipeline.IsStage(req.Stage) {
		return &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", req.Stage)}
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return &ValidationError{Field: "instruction", Reason: "is required"}
	}
	return nil
}

// RequestEdit queues an instruction against a stage and runs the stage in edit mode when it
// can: it already has output and nothing is in flight for it. Otherwise the instruction waits
// for the stage's next run. A failed job only takes edits for the phase that failed, and such
// an edit re-opens the job.
func (o *Orchestrator) RequestEdit(ctx context.Context, jobID string, req EditRequest) (entity.EditInstruction, error) {
	if err := validateEdit(req); err != nil {
		return entity.EditInstruction{}, err
	}
	typ := strings.TrimSpace(req.Type)
	if typ == "" {
		typ = defaultEditType
	}
	ins := entity.EditInstruction{
		ID:          uuid.NewString(),
		Type:        typ,
		Instruction: strings.TrimSpace(req.Instruction),
		Priority:    req.Priority,
		CreatedAt:   o.now().UTC(),
	}

	var reopen bool
	_, err := o.update(ctx, jobID, func(r *entity.JobRecord) error {
		reopen = false
		if r.Status == entity.StatusError {
			if r.Failure == nil {
				return fmt.Errorf("edit %s: %w", req.Stage, ErrJobTerminal)
			}
			p, ok := pipeline.PhaseOf(r.Failure.Stage)
			if !ok || !containsStep(p.Stages, req.Stage) {
				return fmt.Errorf("edit %s while failed at %s: %w", req.Stage, r.Failure.Stage, ErrJobTerminal)
			}
			reopen = true
		}
		r.EditQueue[req.Stage] = enqueue(r.EditQueue[req.Stage], ins)
		o.appendEvent(r, req.Stage, entity.ProgressInProgress,
			fmt.Sprintf("edit queued id=%s type=%s priority=%d", ins.ID, ins.Type, ins.Priority))
		return nil
	})
	if err != nil {
		return entity.EditInstruction{}, err
	}
	log.Printf("[orchestrator] job_id=%s stage=%s edit queued id=%s reopen=%t", jobID, req.Stage, ins.ID, reopen)

	if reopen {
		return ins, o.Retry(ctx, jobID)
	}
	return ins, o.dispatch(ctx, jobID, req.Stage)
}

// enqueue keeps the queue ordered by priority, highest first, then by arrival.
func enqueue(queue []entity.EditInstruction, ins entity.EditInstruction) []entity.EditInstruction {
	out := append(append([]entity.EditInstruction(nil), queue...), ins)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func containsStep(steps []entity.Step, s entity.Step) bool {
	for _, x := range steps {
		if x == s {
			return true
		}
	}
	return false
}
