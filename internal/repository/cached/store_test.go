package cached

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/repository/memory"
)

type countingBackend struct {
	*memory.Store
	gets int
}

func (b *countingBackend) Get(ctx context.Context, id string, opts repository.GetOptions) (*entity.JobRecord, error) {
	b.gets++
	return b.Store.Get(ctx, id, opts)
}

func TestStore_ServesPlainReadsFromCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memory.NewStore()}
	s, err := New(backend, 8)
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, &entity.JobRecord{JobID: "j1", Version: 1}))

	_, err = s.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, backend.gets)

	_, err = s.Get(ctx, "j1", repository.GetOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.gets)
}

func TestStore_ConflictDropsStaleEntry(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Store: memory.NewStore()}
	s, err := New(backend, 8)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, &entity.JobRecord{JobID: "j1", Version: 1}))

	// another writer bumps the version behind the cache
	other, err := backend.Store.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	other.Status = entity.StatusInProgress
	require.NoError(t, backend.Store.Put(ctx, other))

	cachedRec, err := s.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cachedRec.Version)

	cachedRec.Status = entity.StatusError
	require.ErrorIs(t, s.Put(ctx, cachedRec), repository.ErrConflict)

	again, err := s.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusInProgress, again.Status)
	assert.Equal(t, int64(2), again.Version)
}

func TestStore_CachedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, err := New(memory.NewStore(), 8)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, &entity.JobRecord{JobID: "j1", Version: 1, OwnerID: "u1"}))

	a, err := s.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	a.OwnerID = "mutated"

	b, err := s.Get(ctx, "j1", repository.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "u1", b.OwnerID)
}
