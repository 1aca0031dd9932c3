package progress

import (
	"context"
	"sync"

	"pipeline-orchestrator/internal/entity"
)

// MemoryChannel fans events out in-process. A subscriber whose buffer is full misses the
// event rather than blocking the publisher.
type MemoryChannel struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan entity.ProgressEvent
	nextID int
	buffer int
}

func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryChannel{subs: map[string]map[int]chan entity.ProgressEvent{}, buffer: buffer}
}

func (c *MemoryChannel) Publish(_ context.Context, ev entity.ProgressEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, jobID string) (<-chan entity.ProgressEvent, func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	ch := make(chan entity.ProgressEvent, c.buffer)
	if c.subs[jobID] == nil {
		c.subs[jobID] = map[int]chan entity.ProgressEvent{}
	}
	c.subs[jobID][id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[jobID], id)
			if len(c.subs[jobID]) == 0 {
				delete(c.subs, jobID)
			}
			close(ch)
			c.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}
