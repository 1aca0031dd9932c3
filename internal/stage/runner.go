// Package stage runs one stage request: a primary attempt and, when that throws or returns
// unusable output, exactly one attempt with a different strategy.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

var ErrMalformedOutput = errors.New("malformed stage output")

// Generator produces a stage's output fragment with the given strategy. In edit mode it
// revises req.Record.StageOutputs[req.Stage] according to req.EditContext.
type Generator interface {
	Generate(ctx context.Context, strategy string, req entity.StageRequest) (json.RawMessage, error)
}

type FallbackResolver interface {
	Fallback(stage entity.Step, primary string) (string, error)
}

type Runner struct {
	gen        Generator
	strategies FallbackResolver
}

func NewRunner(gen Generator, strategies FallbackResolver) *Runner {
	return &Runner{gen: gen, strategies: strategies}
}

// Execute never returns an error: every failure is described in the result so it can be
// reported back to the orchestrator.
func (r *Runner) Execute(ctx context.Context, req entity.StageRequest) entity.StageResult {
	start := time.Now()

	out, err := r.attempt(ctx, req.Strategy, req)
	if err == nil {
		log.Printf("[runner] job_id=%s stage=%s strategy=%s status=done attempts=1 duration_ms=%d",
			req.JobID, req.Stage, req.Strategy, time.Since(start).Milliseconds())
		return entity.StageResult{Success: true, OutputFragment: out, Strategy: req.Strategy, Attempts: 1}
	}
	log.Printf("[runner] job_id=%s stage=%s strategy=%s primary error=%v", req.JobID, req.Stage, req.Strategy, err)

	fallback, ferr := r.strategies.Fallback(req.Stage, req.Strategy)
	if ferr != nil {
		return entity.StageResult{
			Error:    fmt.Sprintf("primary %s: %v; %v", req.Strategy, err, ferr),
			Strategy: req.Strategy,
			Attempts: 1,
		}
	}

	out, ferr = r.attempt(ctx, fallback, req)
	if ferr != nil {
		log.Printf("[runner] job_id=%s stage=%s strategy=%s status=error attempts=2 duration_ms=%d error=%v",
			req.JobID, req.Stage, fallback, time.Since(start).Milliseconds(), ferr)
		return entity.StageResult{
			Error:    fmt.Sprintf("primary %s: %v; fallback %s: %v", req.Strategy, err, fallback, ferr),
			Strategy: fallback,
			Attempts: 2,
		}
	}
	log.Printf("[runner] job_id=%s stage=%s strategy=%s status=done attempts=2 duration_ms=%d",
		req.JobID, req.Stage, fallback, time.Since(start).Milliseconds())
	return entity.StageResult{Success: true, OutputFragment: out, Strategy: fallback, Attempts: 2}
}

func (r *Runner) attempt(ctx context.Context, strategy string, req entity.StageRequest) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("generator panic: %v", p)
		}
	}()

	out, err = r.gen.Generate(ctx, strategy, req)
	if err != nil {
		return nil, err
	}
	if !pipeline.OutputComplete(req.Stage, out) {
		return nil, fmt.Errorf("%w: missing or empty %q", ErrMalformedOutput, pipeline.RequiredField(req.Stage))
	}
	return out, nil
}
