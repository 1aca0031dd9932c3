package entity

import (
	"encoding/json"
	"time"
)

type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
	ProgressInitiated  ProgressStatus = "initiated"
)

type ProgressEvent struct {
	JobID     string         `json:"job_id"`
	Step      Step           `json:"step"`
	Status    ProgressStatus `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Record    *JobRecord     `json:"record,omitempty"`
}

// StageRequest is sent to a stage runner.
type StageRequest struct {
	JobID       string       `json:"job_id"`
	Stage       Step         `json:"stage"`
	Strategy    string       `json:"strategy"`
	Token       string       `json:"token"`
	Record      *JobRecord   `json:"record"`
	EditContext *EditContext `json:"edit_context,omitempty"`
	CallbackURL string       `json:"callback_url,omitempty"`
}

type StageResult struct {
	Success        bool            `json:"success"`
	OutputFragment json.RawMessage `json:"output_fragment,omitempty"`
	Error          string          `json:"error,omitempty"`
	Strategy       string          `json:"strategy,omitempty"`
	Attempts       int             `json:"attempts"`
}

// CompletionSignal is what a stage runner reports back to the orchestrator.
type CompletionSignal struct {
	JobID    string          `json:"job_id"`
	Stage    Step            `json:"stage"`
	Token    string          `json:"token"`
	Success  bool            `json:"success"`
	Fragment json.RawMessage `json:"fragment,omitempty"`
	Error    string          `json:"error,omitempty"`
	Strategy string          `json:"strategy,omitempty"`
	Attempts int             `json:"attempts"`
}

// CompletionFor builds the callback payload for a finished stage request.
func CompletionFor(req StageRequest, res StageResult) CompletionSignal {
	return CompletionSignal{
		JobID:    req.JobID,
		Stage:    req.Stage,
		Token:    req.Token,
		Success:  res.Success,
		Fragment: res.OutputFragment,
		Error:    res.Error,
		Strategy: res.Strategy,
		Attempts: res.Attempts,
	}
}
