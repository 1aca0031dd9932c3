package progress

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/entity"
)

type RedisChannel struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisChannel(rdb *redis.Client, prefix string) *RedisChannel {
	if prefix == "" {
		prefix = "pipeline:progress"
	}
	return &RedisChannel{rdb: rdb, prefix: prefix}
}

func (c *RedisChannel) Publish(ctx context.Context, ev entity.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, topic(c.prefix, ev.JobID), payload).Err()
}

func (c *RedisChannel) Subscribe(ctx context.Context, jobID string) (<-chan entity.ProgressEvent, func(), error) {
	sub := c.rdb.Subscribe(ctx, topic(c.prefix, jobID))
	// wait for the subscription confirmation so no event published after return is lost
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan entity.ProgressEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev entity.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[progress] job_id=%s decode error=%v", jobID, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
