package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/orchestrator"
)

var ErrNotCompleted = errors.New("job not completed")

// Pipeline is the orchestrator surface the API needs (implementation: orchestrator.Orchestrator).
type Pipeline interface {
	Submit(ctx context.Context, in orchestrator.CreateJobInput) (*entity.JobRecord, error)
	Get(ctx context.Context, jobID string) (*entity.JobRecord, error)
	Retry(ctx context.Context, jobID string) error
	RequestEdit(ctx context.Context, jobID string, req orchestrator.EditRequest) (entity.EditInstruction, error)
	HandleCompletion(ctx context.Context, sig entity.CompletionSignal) error
}

// ProgressSource is the subscribe side of the progress channel.
type ProgressSource interface {
	Subscribe(ctx context.Context, jobID string) (<-chan entity.ProgressEvent, func(), error)
}

type JobService struct {
	pipeline Pipeline
	progress ProgressSource
}

func NewJobService(pipeline Pipeline, progress ProgressSource) *JobService {
	return &JobService{pipeline: pipeline, progress: progress}
}

type CreateJobRequest struct {
	OwnerID        string
	Prompt         string
	Hints          map[string]string
	ModelSelection map[string]string
}

func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.JobRecord, error) {
	var selection map[entity.Step]string
	if len(req.ModelSelection) > 0 {
		selection = make(map[entity.Step]string, len(req.ModelSelection))
		for stage, strategy := range req.ModelSelection {
			selection[entity.Step(strings.TrimSpace(stage))] = strategy
		}
	}
	return s.pipeline.Submit(ctx, orchestrator.CreateJobInput{
		OwnerID:        req.OwnerID,
		Prompt:         req.Prompt,
		Hints:          req.Hints,
		ModelSelection: selection,
	})
}

func (s *JobService) GetJob(ctx context.Context, id string) (*entity.JobRecord, error) {
	return s.pipeline.Get(ctx, id)
}

// GetResult returns the final package of a completed job.
func (s *JobService) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	rec, err := s.pipeline.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != entity.StatusCompleted {
		return nil, fmt.Errorf("job %s is %s: %w", id, rec.Status, ErrNotCompleted)
	}
	return rec.StageOutputs[entity.StepFinalizing], nil
}

type EditRequest struct {
	Stage       string
	Type        string
	Instruction string
	Priority    int
}

func (s *JobService) RequestEdit(ctx context.Context, id string, req EditRequest) (entity.EditInstruction, error) {
	return s.pipeline.RequestEdit(ctx, id, orchestrator.EditRequest{
		Stage:       entity.Step(strings.TrimSpace(req.Stage)),
		Type:        req.Type,
		Instruction: req.Instruction,
		Priority:    req.Priority,
	})
}

func (s *JobService) Retry(ctx context.Context, id string) error {
	return s.pipeline.Retry(ctx, id)
}

func (s *JobService) Complete(ctx context.Context, sig entity.CompletionSignal) error {
	if strings.TrimSpace(sig.JobID) == "" || strings.TrimSpace(sig.Token) == "" {
		return &orchestrator.ValidationError{Field: "job_id/token", Reason: "are required"}
	}
	return s.pipeline.HandleCompletion(ctx, sig)
}

// Watch returns the job's progress history and, unless the job is already terminal, a stream
// of later events. Live events already present in the history are dropped.
func (s *JobService) Watch(ctx context.Context, id string) ([]entity.ProgressEvent, <-chan entity.ProgressEvent, func(), error) {
	var (
		live   <-chan entity.ProgressEvent
		cancel = func() {}
	)
	// subscribe before reading so nothing falls between history and stream
	if s.progress != nil {
		ch, c, err := s.progress.Subscribe(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		live, cancel = ch, c
	}

	rec, err := s.pipeline.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if rec.Status.Terminal() || live == nil {
		cancel()
		return rec.ProgressLog, nil, func() {}, nil
	}

	seen := make(map[string]bool, len(rec.ProgressLog))
	for _, ev := range rec.ProgressLog {
		seen[eventKey(ev)] = true
	}
	out := make(chan entity.ProgressEvent)
	go func() {
		defer close(out)
		for ev := range live {
			if seen[eventKey(ev)] {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return rec.ProgressLog, out, cancel, nil
}

func eventKey(ev entity.ProgressEvent) string {
	return fmt.Sprintf("%s|%s|%s|%d", ev.Step, ev.Status, ev.Message, ev.Timestamp.UnixNano())
}
