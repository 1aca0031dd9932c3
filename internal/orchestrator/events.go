package orchestrator

import (
	"context"
	"log"

	"pipeline-orchestrator/internal/entity"
)

// appendEvent adds an entry to the record's progress log. It is called inside update so the
// entry commits together with the change it describes.
func (o *Orchestrator) appendEvent(r *entity.JobRecord, step entity.Step, status entity.ProgressStatus, msg string) {
	r.ProgressLog = append(r.ProgressLog, entity.ProgressEvent{
		JobID:     r.JobID,
		Step:      step,
		Status:    status,
		Message:   msg,
		Timestamp: o.now().UTC(),
	})
}

// publish announces committed events. Delivery is best-effort; the progress log is the
// durable history.
func (o *Orchestrator) publish(ctx context.Context, rec *entity.JobRecord, events []entity.ProgressEvent) {
	if len(events) == 0 {
		return
	}
	var snapshot *entity.JobRecord
	if o.cfg.IncludeSnapshots {
		snapshot = rec.Clone()
	}
	for _, ev := range events {
		ev.Record = snapshot
		if err := o.progress.Publish(ctx, ev); err != nil {
			log.Printf("[orchestrator] job_id=%s step=%s publish progress error=%v", ev.JobID, ev.Step, err)
		}
	}
}
