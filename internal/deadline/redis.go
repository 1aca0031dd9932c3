package deadline

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/entity"
)

// RedisTracker keeps deadlines in one sorted set scored by unix millis, so every
// orchestrator instance sees the same overdue runs.
type RedisTracker struct {
	rdb *redis.Client
	key string
}

func NewRedisTracker(rdb *redis.Client, key string) *RedisTracker {
	if key == "" {
		key = "pipeline:deadlines"
	}
	return &RedisTracker{rdb: rdb, key: key}
}

func (t *RedisTracker) Arm(ctx context.Context, jobID string, stage entity.Step, token string, at time.Time) error {
	return t.rdb.ZAdd(ctx, t.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member(jobID, stage, token),
	}).Err()
}

func (t *RedisTracker) Disarm(ctx context.Context, jobID string, stage entity.Step, token string) error {
	return t.rdb.ZRem(ctx, t.key, member(jobID, stage, token)).Err()
}

func (t *RedisTracker) Expired(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	zs, err := t.rdb.ZRangeByScoreWithScores(ctx, t.key, opt).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		e, err := parseMember(m)
		if err != nil {
			log.Printf("[deadline] dropping %v", err)
			_ = t.rdb.ZRem(ctx, t.key, z.Member).Err()
			continue
		}
		e.At = time.UnixMilli(int64(z.Score))
		out = append(out, e)
	}
	return out, nil
}
