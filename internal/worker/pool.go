package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"pipeline-orchestrator/internal/dispatch"
	"pipeline-orchestrator/internal/entity"
)

type Pool struct {
	queue      dispatch.StageQueue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue dispatch.StageQueue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("[worker] pool started: workers=%d", p.workers)

	reqCh := make(chan entity.StageRequest)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for req := range reqCh {
				err := p.processor.Process(ctx, req)
				switch {
				case errors.Is(err, ErrInvalidRequest):
					log.Printf("[worker-%d] job_id=%s stage=%s dropped: %v", n, req.JobID, req.Stage, err)
				case err != nil:
					// unreported: leave it in processing so the reaper hands it out again
					log.Printf("[worker-%d] job_id=%s stage=%s not acked: %v", n, req.JobID, req.Stage, err)
					continue
				}
				if err := p.queue.Ack(ctx, req.Token); err != nil {
					log.Printf("[worker-%d] job_id=%s stage=%s ack error: %v", n, req.JobID, req.Stage, err)
				}
			}
		}(i + 1)
	}

	// Listener: atomically claim from queue -> processing
	for {
		select {
		case <-ctx.Done():
			close(reqCh)
			log.Println("[worker] pool stopped")
			return
		default:
			req, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel are not fatal
				continue
			}
			select {
			case reqCh <- req:
			case <-ctx.Done():
				close(reqCh)
				return
			}
		}
	}
}

// RunReaper periodically moves claimed requests back to their queues, so a run whose
// worker died is handed out again.
func RunReaper(ctx context.Context, queue dispatch.StageQueue, interval time.Duration, maxPerLane int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.RequeueStale(ctx, maxPerLane)
			if err != nil {
				log.Printf("[reaper] requeue error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[reaper] requeued %d stage requests from processing", n)
			}
		}
	}
}
