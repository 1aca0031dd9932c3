package entity

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Terminal reports whether no stage may advance the job any further.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Step is a pipeline step. Stage names are the step names of the steps that do work.
type Step string

const (
	StepInitialization     Step = "initialization"
	StepPlanningOperations Step = "planning_operations"
	StepDesigningState     Step = "designing_state"
	StepDesigningLayout    Step = "designing_layout"
	StepApplyingStyling    Step = "applying_styling"
	StepAssemblingArtifact Step = "assembling_artifact"
	StepValidating         Step = "validating"
	StepFinalizing         Step = "finalizing"
	StepCompleted          Step = "completed"
	StepFailed             Step = "failed"
)

type JobInput struct {
	Prompt string            `json:"prompt"`
	Hints  map[string]string `json:"hints,omitempty"`
}

type EditInstruction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Instruction string    `json:"instruction"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

type EditContext struct {
	IsEditMode   bool              `json:"is_edit_mode"`
	Instructions []EditInstruction `json:"instructions,omitempty"`
}

// Dispatch is an in-flight stage run. Token identifies the run; callbacks carrying
// any other token are stale.
type Dispatch struct {
	Token          string    `json:"token"`
	Strategy       string    `json:"strategy"`
	EditMode       bool      `json:"edit_mode,omitempty"`
	InstructionIDs []string  `json:"instruction_ids,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Deadline       time.Time `json:"deadline"`
}

type FailureKind string

const (
	FailureStageExecution FailureKind = "stage_execution"
	FailureDispatch       FailureKind = "dispatch"
	FailureTimeout        FailureKind = "timeout"
)

type Failure struct {
	Stage   Step        `json:"stage"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// JobRecord is the single shared state threaded through a pipeline run.
type JobRecord struct {
	JobID          string                     `json:"job_id"`
	OwnerID        string                     `json:"owner_id"`
	Status         JobStatus                  `json:"status"`
	CurrentStep    Step                       `json:"current_step"`
	Input          JobInput                   `json:"input"`
	StageOutputs   map[Step]json.RawMessage   `json:"stage_outputs"`
	ModelSelection map[Step]string            `json:"model_selection"`
	EditQueue      map[Step][]EditInstruction `json:"edit_queue"`
	ProgressLog    []ProgressEvent            `json:"progress_log"`
	Dispatches     map[Step]Dispatch          `json:"dispatches"`
	Failure        *Failure                   `json:"failure,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	Version        int64                      `json:"version"`
}

// EnsureMaps initializes nil maps so mutators can write without checks.
func (r *JobRecord) EnsureMaps() {
	if r.StageOutputs == nil {
		r.StageOutputs = map[Step]json.RawMessage{}
	}
	if r.ModelSelection == nil {
		r.ModelSelection = map[Step]string{}
	}
	if r.EditQueue == nil {
		r.EditQueue = map[Step][]EditInstruction{}
	}
	if r.Dispatches == nil {
		r.Dispatches = map[Step]Dispatch{}
	}
}

// Clone returns a deep copy; stores hand out clones so callers never share maps.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Input.Hints = cloneStrings(r.Input.Hints)

	c.StageOutputs = make(map[Step]json.RawMessage, len(r.StageOutputs))
	for k, v := range r.StageOutputs {
		c.StageOutputs[k] = append(json.RawMessage(nil), v...)
	}
	c.ModelSelection = make(map[Step]string, len(r.ModelSelection))
	for k, v := range r.ModelSelection {
		c.ModelSelection[k] = v
	}
	c.EditQueue = make(map[Step][]EditInstruction, len(r.EditQueue))
	for k, v := range r.EditQueue {
		c.EditQueue[k] = append([]EditInstruction(nil), v...)
	}
	c.Dispatches = make(map[Step]Dispatch, len(r.Dispatches))
	for k, v := range r.Dispatches {
		v.InstructionIDs = append([]string(nil), v.InstructionIDs...)
		c.Dispatches[k] = v
	}
	c.ProgressLog = make([]ProgressEvent, len(r.ProgressLog))
	for i, ev := range r.ProgressLog {
		ev.Record = nil
		c.ProgressLog[i] = ev
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
