package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/entity"
)

const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// StageQueue carries stage requests from the orchestrator to stage runner workers.
type StageQueue interface {
	Enqueue(ctx context.Context, req entity.StageRequest, priority int) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (entity.StageRequest, error)
	Ack(ctx context.Context, token string) error
	RequeueStale(ctx context.Context, maxPerLane int64) (int64, error)
}

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// Lanes derives the three lanes from base queue and processing keys.
func Lanes(queueKey, processingKey string) (low, normal, high Lane) {
	lane := func(suffix string) Lane {
		return Lane{QueueKey: queueKey + ":" + suffix, ProcessingKey: processingKey + ":" + suffix}
	}
	return lane("low"), lane("normal"), lane("high")
}

// redisStageQueue is a reliable priority queue over Redis lists.
// Lists hold dispatch tokens; the request bodies live in payloadKey, keyed by token.
// Claim: BRPOPLPUSH lane.queue -> lane.processing
// Ack:   LREM from the processing list recorded in processingMapKey, drop the payload
type redisStageQueue struct {
	rdb              *redis.Client
	payloadKey       string
	processingMapKey string

	low    Lane
	normal Lane
	high   Lane
}

func NewRedisStageQueue(rdb *redis.Client, payloadKey, processingMapKey string, low, normal, high Lane) StageQueue {
	return &redisStageQueue{
		rdb:              rdb,
		payloadKey:       payloadKey,
		processingMapKey: processingMapKey,
		low:              low,
		normal:           normal,
		high:             high,
	}
}

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

func (q *redisStageQueue) laneByPriority(p int) Lane {
	switch clampPriority(p) {
	case PriorityHigh:
		return q.high
	case PriorityNormal:
		return q.normal
	default:
		return q.low
	}
}

func (q *redisStageQueue) Enqueue(ctx context.Context, req entity.StageRequest, priority int) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode stage request: %w", err)
	}
	ln := q.laneByPriority(priority)
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.payloadKey, req.Token, body)
		p.LPush(ctx, ln.QueueKey, req.Token)
		return nil
	})
	return err
}

// ClaimBlocking tries high->normal->low with small blocking slots,
// so it is "mostly blocking" but still respects priority.
func (q *redisStageQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (entity.StageRequest, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if !forever && time.Now().After(deadline) {
			return entity.StageRequest{}, redis.Nil
		}

		for _, ln := range []Lane{q.high, q.normal, q.low} {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return entity.StageRequest{}, redis.Nil
				}
				if remain < wait {
					wait = remain
				}
			}

			token, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return entity.StageRequest{}, err
			}
			// remember which processing list holds this token (for Ack)
			if err := q.rdb.HSet(ctx, q.processingMapKey, token, ln.ProcessingKey).Err(); err != nil {
				return entity.StageRequest{}, err
			}

			req, err := q.payload(ctx, token)
			if errors.Is(err, redis.Nil) {
				// acked elsewhere after a requeue; nothing left to run
				_ = q.Ack(ctx, token)
				continue
			}
			if err != nil {
				return entity.StageRequest{}, err
			}
			return req, nil
		}
	}
}

func (q *redisStageQueue) payload(ctx context.Context, token string) (entity.StageRequest, error) {
	body, err := q.rdb.HGet(ctx, q.payloadKey, token).Bytes()
	if err != nil {
		return entity.StageRequest{}, err
	}
	var req entity.StageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return entity.StageRequest{}, fmt.Errorf("decode stage request %s: %w", token, err)
	}
	return req, nil
}

func (q *redisStageQueue) Ack(ctx context.Context, token string) error {
	defer q.rdb.HDel(ctx, q.payloadKey, token)

	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// mapping is gone (requeued meanwhile): remove from every processing list
			for _, ln := range []Lane{q.high, q.normal, q.low} {
				_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, token).Err()
			}
			return nil
		}
		return err
	}

	if err := q.rdb.LRem(ctx, processingKey, 1, token).Err(); err != nil {
		return err
	}
	_ = q.rdb.HDel(ctx, q.processingMapKey, token).Err()
	return nil
}

// RequeueStale moves items from processing back to queue per lane.
// It's a simple "reaper": at-least-once delivery.
func (q *redisStageQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64

	for _, ln := range []Lane{q.high, q.normal, q.low} {
		for i := int64(0); i < maxPerLane; i++ {
			token, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, err
			}
			if token != "" {
				moved++
				_ = q.rdb.HDel(ctx, q.processingMapKey, token).Err()
			}
		}
	}

	return moved, nil
}
