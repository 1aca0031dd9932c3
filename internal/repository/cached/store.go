// Package cached puts an LRU of recently seen records in front of a job record store.
// Plain reads may be served from the cache; ForceRefresh always goes to the backend.
package cached

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
)

type Backend interface {
	Create(ctx context.Context, rec *entity.JobRecord) error
	Get(ctx context.Context, id string, opts repository.GetOptions) (*entity.JobRecord, error)
	Put(ctx context.Context, rec *entity.JobRecord) error
}

type Store struct {
	backend Backend
	cache   *lru.Cache[string, *entity.JobRecord]
}

func New(backend Backend, size int) (*Store, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, *entity.JobRecord](size)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, cache: c}, nil
}

func (s *Store) Create(ctx context.Context, rec *entity.JobRecord) error {
	if err := s.backend.Create(ctx, rec); err != nil {
		return err
	}
	s.cache.Add(rec.JobID, rec.Clone())
	return nil
}

func (s *Store) Get(ctx context.Context, id string, opts repository.GetOptions) (*entity.JobRecord, error) {
	if !opts.ForceRefresh {
		if rec, ok := s.cache.Get(id); ok {
			return rec.Clone(), nil
		}
	}
	rec, err := s.backend.Get(ctx, id, opts)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.cache.Remove(id)
		}
		return nil, err
	}
	s.cache.Add(id, rec.Clone())
	return rec, nil
}

func (s *Store) Put(ctx context.Context, rec *entity.JobRecord) error {
	if err := s.backend.Put(ctx, rec); err != nil {
		// whatever we cached is now known to be stale
		s.cache.Remove(rec.JobID)
		return err
	}
	s.cache.Add(rec.JobID, rec.Clone())
	return nil
}
