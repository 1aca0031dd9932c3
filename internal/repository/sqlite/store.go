// Package sqlite is a single-node job record store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; the version check below does the rest
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS pipeline_jobs (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  status TEXT NOT NULL,
  current_step TEXT NOT NULL,
  version INTEGER NOT NULL,
  record TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, rec *entity.JobRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_jobs (id, owner_id, status, current_step, version, record, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID,
		rec.OwnerID,
		string(rec.Status),
		string(rec.CurrentStep),
		rec.Version,
		string(doc),
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string, _ repository.GetOptions) (*entity.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, record FROM pipeline_jobs WHERE id = ?`, id)
	var (
		version int64
		doc     string
	)
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var rec entity.JobRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	rec.Version = version
	rec.EnsureMaps()
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec *entity.JobRecord) error {
	next := *rec
	next.Version = rec.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET status = ?, current_step = ?, version = ?, record = ?, updated_at = ?
         WHERE id = ? AND version = ?`,
		string(rec.Status),
		string(rec.CurrentStep),
		next.Version,
		string(doc),
		rec.UpdatedAt.UnixMilli(),
		rec.JobID,
		rec.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pipeline_jobs WHERE id = ?`, rec.JobID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}
	rec.Version = next.Version
	return nil
}
