// Package progress carries progress events from the orchestrator to observers. Delivery is
// best effort: a slow or absent subscriber misses events, the job's progress log does not.
package progress

import (
	"context"

	"pipeline-orchestrator/internal/entity"
)

type Channel interface {
	Publish(ctx context.Context, ev entity.ProgressEvent) error
	// Subscribe returns a stream of events for jobID. The stream closes when ctx is done
	// or cancel is called.
	Subscribe(ctx context.Context, jobID string) (events <-chan entity.ProgressEvent, cancel func(), err error)
}

func topic(prefix, jobID string) string {
	return prefix + ":" + jobID
}
