// Package orchestrator drives jobs through the step graph: it starts stages, takes their
// completion signals, joins the fork, fails and retries jobs, and applies edits.
//
// Every change to a job record goes through update, which re-reads the record, applies a
// mutation and writes it back with an optimistic version check. Two callers racing on the
// same transition therefore cannot both win; the loser sees its precondition fail and does
// nothing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"pipeline-orchestrator/internal/deadline"
	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/repository"
)

type JobStore interface {
	Create(ctx context.Context, rec *entity.JobRecord) error
	Get(ctx context.Context, id string, opts repository.GetOptions) (*entity.JobRecord, error)
	Put(ctx context.Context, rec *entity.JobRecord) error
}

// Transport hands a stage request to a stage runner without waiting for the run.
type Transport interface {
	Send(ctx context.Context, req entity.StageRequest) error
}

type Publisher interface {
	Publish(ctx context.Context, ev entity.ProgressEvent) error
}

type StrategyResolver interface {
	Primary(stage entity.Step, selection map[entity.Step]string) string
}

type DeadlineTracker interface {
	Arm(ctx context.Context, jobID string, stage entity.Step, token string, at time.Time) error
	Disarm(ctx context.Context, jobID string, stage entity.Step, token string) error
	Expired(ctx context.Context, now time.Time, limit int) ([]deadline.Entry, error)
}

// ArtifactExporter receives every job that reaches completed.
type ArtifactExporter interface {
	Export(ctx context.Context, rec *entity.JobRecord) error
}

type ForkFailurePolicy string

const (
	// ForkFailJob fails the job, cancels the sibling run and re-runs both branches on retry.
	ForkFailJob ForkFailurePolicy = "fail_job"
	// ForkRetainSurvivor fails the job but still accepts the sibling's output, so a retry
	// re-runs only the branch that failed.
	ForkRetainSurvivor ForkFailurePolicy = "retain_survivor"
)

func ParseForkFailurePolicy(s string) (ForkFailurePolicy, error) {
	switch p := ForkFailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ForkFailJob, nil
	case ForkFailJob, ForkRetainSurvivor:
		return p, nil
	default:
		return "", fmt.Errorf("unknown fork failure policy %q", s)
	}
}

// SyncConfig makes every dispatch wait for its stage, polling the store. Tests and one-shot
// runs only.
type SyncConfig struct {
	Enabled      bool
	PollInterval time.Duration
	Timeout      time.Duration
}

type Config struct {
	StageTimeout      time.Duration
	ForkFailurePolicy ForkFailurePolicy
	CallbackURL       string
	IncludeSnapshots  bool
	Sync              SyncConfig
	MaxUpdateAttempts int
}

type Deps struct {
	Store      JobStore
	Transport  Transport
	Progress   Publisher
	Strategies StrategyResolver
	Deadlines  DeadlineTracker
	Exporter   ArtifactExporter
	Metrics    *observability.Metrics
	Now        func() time.Time
}

type Orchestrator struct {
	store      JobStore
	transport  Transport
	progress   Publisher
	strategies StrategyResolver
	deadlines  DeadlineTracker
	exporter   ArtifactExporter
	metrics    *observability.Metrics
	now        func() time.Time
	cfg        Config
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Transport == nil || deps.Strategies == nil {
		return nil, errors.New("orchestrator: store, transport and strategies are required")
	}
	if deps.Progress == nil {
		deps.Progress = discard{}
	}
	if deps.Deadlines == nil {
		deps.Deadlines = deadline.NewMemoryTracker()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 90 * time.Second
	}
	if cfg.ForkFailurePolicy == "" {
		cfg.ForkFailurePolicy = ForkFailJob
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = 16
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = 250 * time.Millisecond
	}
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = 30 * time.Second
	}
	return &Orchestrator{
		store:      deps.Store,
		transport:  deps.Transport,
		progress:   deps.Progress,
		strategies: deps.Strategies,
		deadlines:  deps.Deadlines,
		exporter:   deps.Exporter,
		metrics:    deps.Metrics,
		now:        deps.Now,
		cfg:        cfg,
	}, nil
}

type CreateJobInput struct {
	OwnerID        string
	Prompt         string
	Hints          map[string]string
	ModelSelection map[entity.Step]string
}

func validateCreate(in CreateJobInput) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "is required"}
	}
	for stage, s := range in.ModelSelection {
		if !pipeline.IsStage(stage) {
			return &ValidationError{Field: "model_selection", Reason: fmt.Sprintf("unknown stage %q", stage)}
		}
		if strings.TrimSpace(s) == "" {
			return &ValidationError{Field: "model_selection", Reason: fmt.Sprintf("empty strategy for %s", stage)}
		}
	}
	return nil
}

// CreateJob validates the request and stores a pending record at initialization.
func (o *Orchestrator) CreateJob(ctx context.Context, in CreateJobInput) (*entity.JobRecord, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	rec := &entity.JobRecord{
		JobID:       uuid.NewString(),
		OwnerID:     in.OwnerID,
		Status:      entity.StatusPending,
		CurrentStep: entity.StepInitialization,
		Input: entity.JobInput{
			Prompt: strings.TrimSpace(in.Prompt),
			Hints:  in.Hints,
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	rec.EnsureMaps()
	for stage, s := range in.ModelSelection {
		rec.ModelSelection[stage] = strings.TrimSpace(s)
	}
	o.appendEvent(rec, entity.StepInitialization, entity.ProgressInitiated, "job created")

	if err := o.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	o.publish(ctx, rec, rec.ProgressLog)
	o.metrics.JobStatus(string(entity.StatusPending))

	log.Printf("[orchestrator] job_id=%s owner_id=%s status=pending", rec.JobID, rec.OwnerID)
	return rec, nil
}

// Start moves a pending job to its first stage.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	advanced, err := o.advance(ctx, jobID, entity.StepInitialization)
	if err != nil {
		return err
	}
	if !advanced {
		return fmt.Errorf("start job %s: %w", jobID, ErrStaleClaim)
	}
	return nil
}

// Submit creates and starts a job.
func (o *Orchestrator) Submit(ctx context.Context, in CreateJobInput) (*entity.JobRecord, error) {
	rec, err := o.CreateJob(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx, rec.JobID); err != nil {
		return nil, err
	}
	return o.Get(ctx, rec.JobID)
}

func (o *Orchestrator) Get(ctx context.Context, jobID string) (*entity.JobRecord, error) {
	return o.store.Get(ctx, jobID, repository.GetOptions{})
}

// HandleCompletion takes a stage runner's report. Success writes the stage output and moves
// the pipeline on; failure fails the stage. Reports for runs that are no longer in flight
// are ignored.
func (o *Orchestrator) HandleCompletion(ctx context.Context, sig entity.CompletionSignal) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.HandleCompletion")
	defer span.End()

	if !pipeline.IsStage(sig.Stage) {
		return &ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", sig.Stage)}
	}
	if sig.Success && !pipeline.OutputComplete(sig.Stage, sig.Fragment) {
		sig.Success = false
		sig.Error = fmt.Sprintf("malformed output: missing or empty %q", pipeline.RequiredField(sig.Stage))
	}
	if !sig.Success {
		return o.failStage(ctx, sig.JobID, sig.Stage, sig.Token, &StageExecutionError{
			Stage:    sig.Stage,
			Attempts: sig.Attempts,
			Message:  sig.Error,
		})
	}

	var (
		took      time.Duration
		join      bool
		advance   bool
		from      entity.Step
		discarded bool
		editsLeft bool
		reexport  bool
	)
	rec, err := o.update(ctx, sig.JobID, func(r *entity.JobRecord) error {
		join, advance, discarded, editsLeft, reexport = false, false, false, false, false

		d, ok := r.Dispatches[sig.Stage]
		if !ok || d.Token != sig.Token {
			return ErrStaleClaim
		}
		delete(r.Dispatches, sig.Stage)
		took = o.now().Sub(d.StartedAt)

		if r.Status == entity.StatusError &&
			!(o.cfg.ForkFailurePolicy == ForkRetainSurvivor && pipeline.IsForkBranch(sig.Stage)) {
			discarded = true
			o.appendEvent(r, sig.Stage, entity.ProgressFailed, "output discarded: job already failed")
			return nil
		}

		r.StageOutputs[sig.Stage] = sig.Fragment
		if d.EditMode {
			remaining := removeInstructions(r.EditQueue[sig.Stage], d.InstructionIDs)
			if len(remaining) == 0 {
				delete(r.EditQueue, sig.Stage)
			} else {
				r.EditQueue[sig.Stage] = remaining
			}
		}
		o.appendEvent(r, sig.Stage, entity.ProgressCompleted,
			fmt.Sprintf("completed strategy=%s attempts=%d edit=%t", sig.Strategy, sig.Attempts, d.EditMode))

		if r.Status == entity.StatusInProgress && pipeline.Active(r.CurrentStep, sig.Stage) {
			from = r.CurrentStep
			if pipeline.IsForkBranch(sig.Stage) {
				join = true
			} else {
				advance = true
			}
		}
		editsLeft = len(r.EditQueue[sig.Stage]) > 0
		reexport = r.Status == entity.StatusCompleted && sig.Stage == entity.StepFinalizing
		return nil
	})
	if errors.Is(err, ErrStaleClaim) {
		o.metrics.Completion(string(sig.Stage), "stale", 0)
		log.Printf("[orchestrator] job_id=%s stage=%s stale completion ignored", sig.JobID, sig.Stage)
		return nil
	}
	if err != nil {
		return err
	}
	o.disarm(ctx, sig.JobID, sig.Stage, sig.Token)

	if discarded {
		o.metrics.Completion(string(sig.Stage), "discarded", 0)
		log.Printf("[orchestrator] job_id=%s stage=%s output discarded status=%s", rec.JobID, sig.Stage, rec.Status)
		return nil
	}
	o.metrics.Completion(string(sig.Stage), "accepted", took)
	log.Printf("[orchestrator] job_id=%s stage=%s status=completed strategy=%s attempts=%d duration_ms=%d",
		rec.JobID, sig.Stage, sig.Strategy, sig.Attempts, took.Milliseconds(),
	)

	if reexport {
		o.export(ctx, rec)
	}
	switch {
	case join:
		if _, err := o.CheckJoin(ctx, sig.JobID); err != nil {
			return err
		}
	case advance:
		if _, err := o.advance(ctx, sig.JobID, from); err != nil {
			return err
		}
	}
	if editsLeft {
		// instructions queued while this run was in flight
		return o.dispatch(ctx, sig.JobID, sig.Stage)
	}
	return nil
}

// advance moves the job from the phase entered at from to the next phase and dispatches
// its stages. It reports false when another caller already moved the job on.
func (o *Orchestrator) advance(ctx context.Context, jobID string, from entity.Step) (bool, error) {
	var next pipeline.Phase
	rec, err := o.update(ctx, jobID, func(r *entity.JobRecord) error {
		if r.CurrentStep != from {
			return errSkip
		}
		switch {
		case from == entity.StepInitialization && r.Status == entity.StatusPending:
		case r.Status == entity.StatusInProgress:
		default:
			return errSkip
		}
		cur, ok := pipeline.PhaseOf(from)
		if !ok {
			return fmt.Errorf("unknown step %q", from)
		}
		if !pipeline.PhaseComplete(cur, r.StageOutputs) || inFlight(r, cur.Stages) {
			return errSkip
		}

		n, err := pipeline.Next(from)
		if err != nil {
			return err
		}
		next = n
		r.Status = entity.StatusInProgress
		r.CurrentStep = n.Entry
		if n.Entry == entity.StepCompleted {
			r.Status = entity.StatusCompleted
			o.appendEvent(r, entity.StepCompleted, entity.ProgressCompleted, "pipeline completed")
			return nil
		}
		for _, s := range n.Stages {
			o.appendEvent(r, s, entity.ProgressInProgress, "entered step")
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		log.Printf("[orchestrator] job_id=%s from=%s advance already claimed", jobID, from)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if from == entity.StepInitialization {
		o.metrics.JobStatus(string(entity.StatusInProgress))
	}
	log.Printf("[orchestrator] job_id=%s step=%s->%s", jobID, from, rec.CurrentStep)

	if rec.Status == entity.StatusCompleted {
		o.metrics.JobStatus(string(entity.StatusCompleted))
		o.export(ctx, rec)
		return true, nil
	}
	return true, o.dispatchPhase(ctx, rec.JobID, next.Stages)
}

// failStage records a failed run. A failure of an active stage fails the job; a failed
// edit run of a stage the pipeline already passed only logs the failure.
func (o *Orchestrator) failStage(ctx context.Context, jobID string, stage entity.Step, token string, cause error) error {
	type run struct {
		stage entity.Step
		token string
	}
	var (
		removed   []run
		failedJob bool
	)
	rec, err := o.update(ctx, jobID, func(r *entity.JobRecord) error {
		removed, failedJob = nil, false

		d, ok := r.Dispatches[stage]
		if !ok || d.Token != token {
			return ErrStaleClaim
		}
		delete(r.Dispatches, stage)
		removed = append(removed, run{stage, d.Token})
		msg := cause.Error()
		o.appendEvent(r, stage, entity.ProgressFailed, msg)

		if r.Status != entity.StatusInProgress || !pipeline.Active(r.CurrentStep, stage) {
			return nil
		}

		r.Status = entity.StatusError
		r.CurrentStep = entity.StepFailed
		r.Failure = &entity.Failure{Stage: stage, Kind: failureKind(cause), Message: msg, At: o.now().UTC()}
		if pipeline.IsForkBranch(stage) && o.cfg.ForkFailurePolicy == ForkFailJob {
			for _, s := range pipeline.Branches(stage) {
				sd, busy := r.Dispatches[s]
				if !busy {
					continue
				}
				delete(r.Dispatches, s)
				removed = append(removed, run{s, sd.Token})
				o.appendEvent(r, s, entity.ProgressFailed, fmt.Sprintf("cancelled: sibling %s failed", stage))
			}
		}
		o.appendEvent(r, entity.StepFailed, entity.ProgressFailed, fmt.Sprintf("job failed at %s", stage))
		failedJob = true
		return nil
	})
	if errors.Is(err, ErrStaleClaim) {
		log.Printf("[orchestrator] job_id=%s stage=%s stale failure ignored: %v", jobID, stage, cause)
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range removed {
		o.disarm(ctx, jobID, r.stage, r.token)
	}
	o.metrics.Completion(string(stage), "failed", 0)
	if failedJob {
		o.metrics.JobStatus(string(entity.StatusError))
		log.Printf("[orchestrator] job_id=%s stage=%s status=error kind=%s error=%v", rec.JobID, stage, rec.Failure.Kind, cause)
	} else {
		log.Printf("[orchestrator] job_id=%s stage=%s run failed status=%s error=%v", rec.JobID, stage, rec.Status, cause)
	}
	return nil
}

// Retry re-opens a failed job at the phase that failed and dispatches what is missing.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	var phase pipeline.Phase
	rec, err := o.update(ctx, jobID, func(r *entity.JobRecord) error {
		if r.Status != entity.StatusError || r.Failure == nil {
			return ErrJobNotRetryable
		}
		p, ok := pipeline.PhaseOf(r.Failure.Stage)
		if !ok {
			return fmt.Errorf("unknown failed stage %q", r.Failure.Stage)
		}
		phase = p
		if o.cfg.ForkFailurePolicy == ForkFailJob {
			for _, s := range p.Stages {
				delete(r.StageOutputs, s)
			}
		}
		r.Status = entity.StatusInProgress
		r.CurrentStep = p.Entry
		r.Failure = nil
		for _, s := range p.Stages {
			o.appendEvent(r, s, entity.ProgressInProgress, "retry: re-entered step")
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.JobStatus(string(entity.StatusInProgress))
	log.Printf("[orchestrator] job_id=%s retry step=%s", rec.JobID, rec.CurrentStep)

	if err := o.dispatchPhase(ctx, rec.JobID, phase.Stages); err != nil {
		return err
	}
	if phase.Fork() {
		// a retained survivor may already be all the fork was waiting for
		_, err := o.CheckJoin(ctx, rec.JobID)
		return err
	}
	return nil
}

func (o *Orchestrator) export(ctx context.Context, rec *entity.JobRecord) {
	if o.exporter == nil {
		return
	}
	if err := o.exporter.Export(ctx, rec); err != nil {
		log.Printf("[orchestrator] job_id=%s export error=%v", rec.JobID, err)
	}
}

func (o *Orchestrator) disarm(ctx context.Context, jobID string, stage entity.Step, token string) {
	if err := o.deadlines.Disarm(ctx, jobID, stage, token); err != nil {
		log.Printf("[orchestrator] job_id=%s stage=%s disarm deadline error=%v", jobID, stage, err)
	}
}

// update is the only write path for job records. mutate may run several times; a refusal
// from mutate only counts when it was made on a fresh read.
func (o *Orchestrator) update(ctx context.Context, jobID string, mutate func(r *entity.JobRecord) error) (*entity.JobRecord, error) {
	for attempt := 0; attempt < o.cfg.MaxUpdateAttempts; attempt++ {
		fresh := attempt > 0
		rec, err := o.store.Get(ctx, jobID, repository.GetOptions{ForceRefresh: fresh})
		if err != nil {
			return nil, notFound(jobID, err)
		}
		rec.EnsureMaps()
		logged := len(rec.ProgressLog)

		if err := mutate(rec); err != nil {
			if !fresh {
				continue
			}
			return rec, err
		}
		rec.UpdatedAt = o.now().UTC()

		if err := o.store.Put(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return nil, notFound(jobID, err)
		}
		o.publish(ctx, rec, rec.ProgressLog[logged:])
		return rec, nil
	}
	return nil, fmt.Errorf("update job %s: %w after %d attempts", jobID, repository.ErrConflict, o.cfg.MaxUpdateAttempts)
}

func removeInstructions(queue []entity.EditInstruction, ids []string) []entity.EditInstruction {
	done := make(map[string]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	out := queue[:0:0]
	for _, ins := range queue {
		if !done[ins.ID] {
			out = append(out, ins)
		}
	}
	return out
}

type discard struct{}

func (discard) Publish(context.Context, entity.ProgressEvent) error { return nil }
