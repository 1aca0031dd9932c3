package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/entity"
)

func TestMemoryTracker_ExpiredOrderedAndDisarm(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tr.Arm(ctx, "j1", entity.StepValidating, "t1", now.Add(-time.Second)))
	require.NoError(t, tr.Arm(ctx, "j2", entity.StepDesigningLayout, "t2", now.Add(-time.Minute)))
	require.NoError(t, tr.Arm(ctx, "j3", entity.StepFinalizing, "t3", now.Add(time.Minute)))

	got, err := tr.Expired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j2", got[0].JobID)
	assert.Equal(t, "j1", got[1].JobID)

	require.NoError(t, tr.Disarm(ctx, "j2", entity.StepDesigningLayout, "t2"))
	got, err = tr.Expired(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].Token)
}

func TestParseMember(t *testing.T) {
	e, err := parseMember(member("job", entity.StepApplyingStyling, "tok"))
	require.NoError(t, err)
	assert.Equal(t, Entry{JobID: "job", Stage: entity.StepApplyingStyling, Token: "tok"}, e)

	_, err = parseMember("garbage")
	assert.Error(t, err)
}
