package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/orchestrator"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/service"
)

type fakePipeline struct {
	submitted []orchestrator.CreateJobInput
	edits     []orchestrator.EditRequest
	completed []entity.CompletionSignal
	retried   []string

	jobs map[string]*entity.JobRecord
	err  error
}

func (p *fakePipeline) Submit(_ context.Context, in orchestrator.CreateJobInput) (*entity.JobRecord, error) {
	p.submitted = append(p.submitted, in)
	if p.err != nil {
		return nil, p.err
	}
	return &entity.JobRecord{JobID: "job-1", OwnerID: in.OwnerID, Status: entity.StatusInProgress}, nil
}

func (p *fakePipeline) Get(_ context.Context, id string) (*entity.JobRecord, error) {
	j, ok := p.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return j, nil
}

func (p *fakePipeline) Retry(_ context.Context, id string) error {
	p.retried = append(p.retried, id)
	return p.err
}

func (p *fakePipeline) RequestEdit(_ context.Context, _ string, req orchestrator.EditRequest) (entity.EditInstruction, error) {
	p.edits = append(p.edits, req)
	return entity.EditInstruction{ID: "ins-1", Instruction: req.Instruction}, p.err
}

func (p *fakePipeline) HandleCompletion(_ context.Context, sig entity.CompletionSignal) error {
	p.completed = append(p.completed, sig)
	return p.err
}

type fakeProgress struct {
	ch        chan entity.ProgressEvent
	cancelled bool
}

func (f *fakeProgress) Subscribe(context.Context, string) (<-chan entity.ProgressEvent, func(), error) {
	return f.ch, func() {
		if !f.cancelled {
			f.cancelled = true
			close(f.ch)
		}
	}, nil
}

func TestJobService_CreateJob_ConvertsModelSelection(t *testing.T) {
	p := &fakePipeline{}
	svc := service.NewJobService(p, nil)

	rec, err := svc.CreateJob(context.Background(), service.CreateJobRequest{
		OwnerID:        "u1",
		Prompt:         "habit tracker",
		ModelSelection: map[string]string{" validating ": "strict"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.JobID != "job-1" {
		t.Fatalf("expected job-1, got %s", rec.JobID)
	}
	if got := p.submitted[0].ModelSelection[entity.StepValidating]; got != "strict" {
		t.Fatalf("expected validating=strict, got %q", got)
	}
}

func TestJobService_GetResult_409UntilCompleted(t *testing.T) {
	p := &fakePipeline{jobs: map[string]*entity.JobRecord{
		"running": {JobID: "running", Status: entity.StatusInProgress},
		"done": {
			JobID:        "done",
			Status:       entity.StatusCompleted,
			StageOutputs: map[entity.Step]json.RawMessage{entity.StepFinalizing: json.RawMessage(`{"package":{"name":"x"}}`)},
		},
	}}
	svc := service.NewJobService(p, nil)

	if _, err := svc.GetResult(context.Background(), "running"); !errors.Is(err, service.ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
	out, err := svc.GetResult(context.Background(), "done")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(out) != `{"package":{"name":"x"}}` {
		t.Fatalf("expected final package, got %s", out)
	}
	if _, err := svc.GetResult(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobService_Complete_RequiresToken(t *testing.T) {
	p := &fakePipeline{}
	svc := service.NewJobService(p, nil)

	err := svc.Complete(context.Background(), entity.CompletionSignal{JobID: "j"})
	var ve *orchestrator.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(p.completed) != 0 {
		t.Fatalf("expected no completion forwarded, got %d", len(p.completed))
	}
}

func TestJobService_Watch_TerminalJobReturnsHistoryOnly(t *testing.T) {
	p := &fakePipeline{jobs: map[string]*entity.JobRecord{
		"done": {JobID: "done", Status: entity.StatusCompleted, ProgressLog: []entity.ProgressEvent{{Step: entity.StepCompleted}}},
	}}
	prog := &fakeProgress{ch: make(chan entity.ProgressEvent, 1)}
	svc := service.NewJobService(p, prog)

	history, live, cancel, err := svc.Watch(context.Background(), "done")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer cancel()
	if len(history) != 1 || live != nil {
		t.Fatalf("expected 1 history event and no stream, got %d %v", len(history), live)
	}
	if !prog.cancelled {
		t.Fatalf("expected subscription to be cancelled")
	}
}

func TestJobService_Watch_DropsDuplicateLiveEvents(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := entity.ProgressEvent{JobID: "run", Step: entity.StepPlanningOperations, Status: entity.ProgressStarted, Timestamp: ts}
	fresh := entity.ProgressEvent{JobID: "run", Step: entity.StepPlanningOperations, Status: entity.ProgressCompleted, Timestamp: ts.Add(time.Second)}

	p := &fakePipeline{jobs: map[string]*entity.JobRecord{
		"run": {JobID: "run", Status: entity.StatusInProgress, ProgressLog: []entity.ProgressEvent{old}},
	}}
	prog := &fakeProgress{ch: make(chan entity.ProgressEvent, 2)}
	prog.ch <- old
	prog.ch <- fresh
	svc := service.NewJobService(p, prog)

	_, live, cancel, err := svc.Watch(context.Background(), "run")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	defer cancel()

	select {
	case ev := <-live:
		if ev.Status != entity.ProgressCompleted {
			t.Fatalf("expected the completed event, got %s", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a live event")
	}
}
