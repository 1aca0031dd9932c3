package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

// ErrInvalidRequest marks a queued request that can never run, however often it is retried.
var ErrInvalidRequest = errors.New("invalid stage request")

type StageExecutor interface {
	Execute(ctx context.Context, req entity.StageRequest) entity.StageResult
}

type Reporter interface {
	Report(ctx context.Context, callbackURL string, sig entity.CompletionSignal) error
}

type Processor struct {
	runner   StageExecutor
	reporter Reporter
}

func NewProcessor(runner StageExecutor, reporter Reporter) *Processor {
	return &Processor{runner: runner, reporter: reporter}
}

// Process runs one stage request and reports the outcome. A returned error means the
// orchestrator never heard about the run; it wraps ErrInvalidRequest when a retry cannot help.
func (p *Processor) Process(ctx context.Context, req entity.StageRequest) error {
	start := time.Now()

	if !pipeline.IsStage(req.Stage) {
		log.Printf("[worker] job_id=%s stage=%s unknown stage", req.JobID, req.Stage)
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, req.Stage)
	}
	if req.JobID == "" || req.Token == "" {
		log.Printf("[worker] job_id=%s stage=%s missing job id or token", req.JobID, req.Stage)
		return fmt.Errorf("%w: missing job id or token", ErrInvalidRequest)
	}
	edit := req.EditContext != nil && req.EditContext.IsEditMode
	log.Printf("[worker] job_id=%s stage=%s strategy=%s edit=%t status=processing", req.JobID, req.Stage, req.Strategy, edit)

	res := p.runner.Execute(ctx, req)
	if err := p.reporter.Report(ctx, req.CallbackURL, entity.CompletionFor(req, res)); err != nil {
		log.Printf("[worker] job_id=%s stage=%s report error=%v", req.JobID, req.Stage, err)
		return err
	}

	status := "done"
	if !res.Success {
		status = "error"
	}
	log.Printf("[worker] job_id=%s stage=%s strategy=%s status=%s attempts=%d duration_ms=%d",
		req.JobID, req.Stage, res.Strategy, status, res.Attempts, time.Since(start).Milliseconds(),
	)
	return nil
}
