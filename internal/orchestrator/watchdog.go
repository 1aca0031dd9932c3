package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"pipeline-orchestrator/internal/repository"
)

const sweepBatch = 100

// Sweep fails every run whose deadline has passed and returns how many it settled. Runs
// that already reported back were disarmed, and a stale token makes failStage a no-op, so
// a late sweep is harmless. A run that could not be failed stays armed for the next tick.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	expired, err := o.deadlines.Expired(ctx, o.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		log.Printf("[watchdog] job_id=%s stage=%s deadline=%s expired", e.JobID, e.Stage, e.At.UTC().Format(time.RFC3339))

		err := o.failStage(ctx, e.JobID, e.Stage, e.Token, &StageTimeoutError{Stage: e.Stage, Deadline: e.At})
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Printf("[watchdog] job_id=%s stage=%s fail error=%v, kept armed", e.JobID, e.Stage, err)
			continue
		}
		// the job is gone or the run is settled; either way nothing is left to time out
		o.disarm(ctx, e.JobID, e.Stage, e.Token)
		o.metrics.Timeout(string(e.Stage))
		n++
	}
	return n, nil
}

// RunWatchdog sweeps on every tick until ctx is done.
func (o *Orchestrator) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[watchdog] started interval=%s stage_timeout=%s", interval, o.cfg.StageTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Println("[watchdog] stopped")
			return
		case <-ticker.C:
			n, err := o.Sweep(ctx)
			if err != nil {
				log.Printf("[watchdog] sweep error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[watchdog] expired %d stage runs", n)
			}
		}
	}
}
