package deadline

import (
	"context"
	"sort"
	"sync"
	"time"

	"pipeline-orchestrator/internal/entity"
)

type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: map[string]Entry{}}
}

func (t *MemoryTracker) Arm(_ context.Context, jobID string, stage entity.Step, token string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[member(jobID, stage, token)] = Entry{JobID: jobID, Stage: stage, Token: token, At: at}
	return nil
}

func (t *MemoryTracker) Disarm(_ context.Context, jobID string, stage entity.Step, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, member(jobID, stage, token))
	return nil
}

func (t *MemoryTracker) Expired(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if !e.At.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
