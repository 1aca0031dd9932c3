package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/entity"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTracker(rdb, ""), rdb
}

func TestRedisTracker_ExpiredOrderedAndDisarm(t *testing.T) {
	ctx := context.Background()
	tr, rdb := newRedisTracker(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tr.Arm(ctx, "j1", entity.StepValidating, "t1", now.Add(-time.Second)))
	require.NoError(t, tr.Arm(ctx, "j2", entity.StepDesigningLayout, "t2", now.Add(-time.Minute)))
	require.NoError(t, tr.Arm(ctx, "j3", entity.StepFinalizing, "t3", now.Add(time.Minute)))
	assert.Equal(t, int64(3), rdb.ZCard(ctx, "pipeline:deadlines").Val())

	got, err := tr.Expired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j2", got[0].JobID)
	assert.Equal(t, entity.StepDesigningLayout, got[0].Stage)
	assert.Equal(t, "t2", got[0].Token)
	assert.True(t, got[0].At.Equal(now.Add(-time.Minute)))
	assert.Equal(t, "j1", got[1].JobID)
	assert.True(t, got[1].At.Equal(now.Add(-time.Second)))

	got, err = tr.Expired(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j2", got[0].JobID)

	require.NoError(t, tr.Disarm(ctx, "j2", entity.StepDesigningLayout, "t2"))
	// a different token for the same stage is another run
	require.NoError(t, tr.Disarm(ctx, "j1", entity.StepValidating, "other"))
	got, err = tr.Expired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].Token)
}

func TestRedisTracker_DropsMalformedMembers(t *testing.T) {
	ctx := context.Background()
	tr, rdb := newRedisTracker(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rdb.ZAdd(ctx, "pipeline:deadlines", redis.Z{Score: 1, Member: "garbage"}).Err())
	require.NoError(t, tr.Arm(ctx, "j1", entity.StepValidating, "t1", now.Add(-time.Second)))

	got, err := tr.Expired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, int64(1), rdb.ZCard(ctx, "pipeline:deadlines").Val())
}
