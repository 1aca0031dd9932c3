package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/repository"
)

// dispatch claims a run of stage and sends it to the transport. The claim is refused
// while the stage already has a run in flight. A stage runs either because it is active
// and has no output yet, or because edits are queued against output it already produced.
func (o *Orchestrator) dispatch(ctx context.Context, jobID string, stage entity.Step) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.dispatch",
		attribute.String("job_id", jobID),
		attribute.String("stage", string(stage)),
	)
	defer span.End()

	var (
		d       entity.Dispatch
		editCtx *entity.EditContext
		rerun   bool
	)
	rec, err := o.update(ctx, jobID, func(r *entity.JobRecord) error {
		editCtx, rerun = nil, false

		if _, busy := r.Dispatches[stage]; busy {
			return errSkip
		}
		done := pipeline.OutputComplete(stage, r.StageOutputs[stage])
		queued := r.EditQueue[stage]

		fresh := r.Status == entity.StatusInProgress && pipeline.Active(r.CurrentStep, stage) && !done
		edit := len(queued) > 0 && done &&
			(r.Status == entity.StatusInProgress || r.Status == entity.StatusCompleted)
		if !fresh && !edit {
			return errSkip
		}

		now := o.now().UTC()
		d = entity.Dispatch{
			Token:     uuid.NewString(),
			Strategy:  o.strategies.Primary(stage, r.ModelSelection),
			StartedAt: now,
			Deadline:  now.Add(o.cfg.StageTimeout),
		}
		if len(queued) > 0 {
			d.EditMode = true
			for _, ins := range queued {
				d.InstructionIDs = append(d.InstructionIDs, ins.ID)
			}
			editCtx = &entity.EditContext{
				IsEditMode:   true,
				Instructions: append([]entity.EditInstruction(nil), queued...),
			}
		}
		r.Dispatches[stage] = d
		if _, ok := r.ModelSelection[stage]; !ok {
			r.ModelSelection[stage] = d.Strategy
		}
		rerun = !fresh
		o.appendEvent(r, stage, entity.ProgressStarted,
			fmt.Sprintf("dispatched strategy=%s edit=%t", d.Strategy, d.EditMode))
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := o.deadlines.Arm(ctx, jobID, stage, d.Token, d.Deadline); err != nil {
		log.Printf("[orchestrator] job_id=%s stage=%s arm deadline error=%v", jobID, stage, err)
	}

	mode := "create"
	if d.EditMode {
		mode = "edit"
	}
	req := entity.StageRequest{
		JobID:       jobID,
		Stage:       stage,
		Strategy:    d.Strategy,
		Token:       d.Token,
		Record:      rec.Clone(),
		EditContext: editCtx,
		CallbackURL: o.cfg.CallbackURL,
	}
	if err := o.transport.Send(ctx, req); err != nil {
		o.metrics.Dispatch(string(stage), mode, "error")
		log.Printf("[orchestrator] job_id=%s stage=%s dispatch error=%v", jobID, stage, err)
		return o.failStage(ctx, jobID, stage, d.Token, &DispatchError{Stage: stage, Err: err})
	}
	o.metrics.Dispatch(string(stage), mode, "sent")
	log.Printf("[orchestrator] job_id=%s stage=%s status=started strategy=%s mode=%s", jobID, stage, d.Strategy, mode)

	if o.cfg.Sync.Enabled {
		return o.await(ctx, jobID, stage, d.Token, rerun)
	}
	return nil
}

// dispatchPhase dispatches every stage of a phase; the fork's two branches go out
// concurrently.
func (o *Orchestrator) dispatchPhase(ctx context.Context, jobID string, stages []entity.Step) error {
	if len(stages) == 1 {
		return o.dispatch(ctx, jobID, stages[0])
	}
	var g errgroup.Group
	for _, s := range stages {
		g.Go(func() error {
			return o.dispatch(ctx, jobID, s)
		})
	}
	return g.Wait()
}

// await polls the store until the dispatched run is over: for a normal run, until the job
// has moved past the stage or stopped; for an edit run, until its token is gone.
func (o *Orchestrator) await(ctx context.Context, jobID string, stage entity.Step, token string, rerun bool) error {
	timeout := time.NewTimer(o.cfg.Sync.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(o.cfg.Sync.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := o.store.Get(ctx, jobID, repository.GetOptions{ForceRefresh: true})
		if err != nil {
			return notFound(jobID, err)
		}
		if rerun {
			if d, ok := rec.Dispatches[stage]; !ok || d.Token != token {
				return nil
			}
		} else if rec.Status.Terminal() || pipeline.Past(rec.CurrentStep, stage) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("job %s stage %s: %w after %s", jobID, stage, ErrSyncTimeout, o.cfg.Sync.Timeout)
		case <-ticker.C:
		}
	}
}
