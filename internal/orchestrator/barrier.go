package orchestrator

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/repository"
)

// JoinResult reports what a join check saw. Ready means both branches had output and no
// run was in flight; Advanced means this caller won the advance.
type JoinResult struct {
	Ready    bool
	Advanced bool
}

var forkPhase = func() pipeline.Phase {
	for _, s := range pipeline.Stages() {
		if pipeline.IsForkBranch(s) {
			p, _ := pipeline.PhaseOf(s)
			return p
		}
	}
	panic("pipeline: step graph has no fork")
}()

// CheckJoin decides whether the fork is finished and, if it is, advances past it. It always
// works from a fresh read. Any number of concurrent callers dispatch the next step at most
// once between them; calling it when the job is not in the fork does nothing.
func (o *Orchestrator) CheckJoin(ctx context.Context, jobID string) (JoinResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.CheckJoin", attribute.String("job_id", jobID))
	defer span.End()

	rec, err := o.store.Get(ctx, jobID, repository.GetOptions{ForceRefresh: true})
	if err != nil {
		return JoinResult{}, notFound(jobID, err)
	}
	if rec.Status != entity.StatusInProgress || rec.CurrentStep != forkPhase.Entry {
		o.metrics.BarrierCheck("not_in_fork")
		return JoinResult{}, nil
	}
	if !pipeline.PhaseComplete(forkPhase, rec.StageOutputs) || inFlight(rec, forkPhase.Stages) {
		o.metrics.BarrierCheck("not_ready")
		log.Printf("[orchestrator] job_id=%s join not ready", jobID)
		return JoinResult{}, nil
	}

	advanced, err := o.advance(ctx, jobID, forkPhase.Entry)
	if err != nil {
		return JoinResult{Ready: true}, err
	}
	if advanced {
		o.metrics.BarrierCheck("advanced")
	} else {
		o.metrics.BarrierCheck("lost_claim")
	}
	return JoinResult{Ready: true, Advanced: advanced}, nil
}

func inFlight(rec *entity.JobRecord, stages []entity.Step) bool {
	for _, s := range stages {
		if _, ok := rec.Dispatches[s]; ok {
			return true
		}
	}
	return false
}
