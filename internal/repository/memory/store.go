package memory

import (
	"context"
	"fmt"
	"sync"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
)

// Store keeps job records in a map. Records go in and come out as clones.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*entity.JobRecord
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*entity.JobRecord)}
}

func (s *Store) Create(_ context.Context, rec *entity.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.JobID]; ok {
		return fmt.Errorf("job %s already exists", rec.JobID)
	}
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string, _ repository.GetOptions) (*entity.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Put(_ context.Context, rec *entity.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[rec.JobID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != rec.Version {
		return repository.ErrConflict
	}
	rec.Version++
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
