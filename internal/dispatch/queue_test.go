package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/dispatch"
	"pipeline-orchestrator/internal/entity"
)

const (
	payloadKey    = "stage:payload"
	processingMap = "stage:processing:map"
)

func newRedisQueue(t *testing.T) (dispatch.StageQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	low, normal, high := dispatch.Lanes("stage:queue", "stage:processing")
	return dispatch.NewRedisStageQueue(rdb, payloadKey, processingMap, low, normal, high), rdb
}

func stageReq(token string, stage entity.Step) entity.StageRequest {
	return entity.StageRequest{JobID: "job-1", Stage: stage, Token: token, Strategy: "primary"}
}

func TestRedisStageQueue_ClaimsByPriorityAndAcks(t *testing.T) {
	q, rdb := newRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, stageReq("t-normal", entity.StepValidating), dispatch.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, stageReq("t-high", entity.StepDesigningLayout), dispatch.PriorityHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.ClaimBlocking(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Token != "t-high" || got.Stage != entity.StepDesigningLayout || got.Strategy != "primary" {
		t.Fatalf("expected high lane request first, got %+v", got)
	}
	if n := rdb.LLen(ctx, "stage:processing:high").Val(); n != 1 {
		t.Fatalf("expected 1 claimed item in high processing list, got %d", n)
	}

	if err := q.Ack(ctx, got.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.LLen(ctx, "stage:processing:high").Val(); n != 0 {
		t.Fatalf("expected empty processing list after ack, got %d", n)
	}
	if rdb.HExists(ctx, payloadKey, "t-high").Val() {
		t.Fatalf("expected payload of acked request to be removed")
	}
	if rdb.HExists(ctx, processingMap, "t-high").Val() {
		t.Fatalf("expected processing mapping of acked request to be removed")
	}

	got, err = q.ClaimBlocking(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Token != "t-normal" {
		t.Fatalf("expected t-normal, got %s", got.Token)
	}
}

func TestRedisStageQueue_RequeueStaleRedelivers(t *testing.T) {
	q, rdb := newRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, stageReq("t1", entity.StepApplyingStyling), dispatch.PriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimBlocking(ctx, 5*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// worker died without acking
	moved, err := q.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 requeued, got %d", moved)
	}

	got, err := q.ClaimBlocking(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got.Token != "t1" || got.Stage != entity.StepApplyingStyling {
		t.Fatalf("expected t1 redelivered, got %+v", got)
	}
	if err := q.Ack(ctx, got.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}

	moved, err = q.RequeueStale(ctx, 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected nothing left to requeue, got %d", moved)
	}
	if n := rdb.HLen(ctx, payloadKey).Val(); n != 0 {
		t.Fatalf("expected no payloads left, got %d", n)
	}
}

func TestRedisStageQueue_AckedWhileRequeuedIsSkipped(t *testing.T) {
	q, rdb := newRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, stageReq("t1", entity.StepValidating), dispatch.PriorityHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimBlocking(ctx, 5*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.RequeueStale(ctx, 10); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// the slow worker finishes after the reaper already handed the token back
	if err := q.Ack(ctx, "t1"); err != nil {
		t.Fatalf("late ack: %v", err)
	}

	_, err := q.ClaimBlocking(ctx, 1500*time.Millisecond)
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil once the requeued copy is skipped, got %v", err)
	}
	for _, key := range []string{"stage:queue:high", "stage:processing:high"} {
		if n := rdb.LLen(ctx, key).Val(); n != 0 {
			t.Fatalf("expected %s to be empty, got %d", key, n)
		}
	}
}
