package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS pipeline_jobs (
  id           TEXT PRIMARY KEY,
  owner_id     TEXT NOT NULL,
  status       TEXT NOT NULL,
  current_step TEXT NOT NULL,
  version      BIGINT NOT NULL,
  record       JSONB NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS pipeline_jobs_status_idx ON pipeline_jobs (status);`,
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, rec *entity.JobRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO pipeline_jobs (id, owner_id, status, current_step, version, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err = r.pool.Exec(ctx, q,
		rec.JobID, rec.OwnerID, string(rec.Status), string(rec.CurrentStep),
		rec.Version, doc, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get always reads the primary, so ForceRefresh needs no special handling here.
func (r *JobRepository) Get(ctx context.Context, id string, _ repository.GetOptions) (*entity.JobRecord, error) {
	const q = `SELECT version, record FROM pipeline_jobs WHERE id = $1;`

	var (
		version int64
		doc     []byte
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(&version, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	var rec entity.JobRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	rec.Version = version
	rec.EnsureMaps()
	return &rec, nil
}

// Put writes rec if the stored version still equals rec.Version, then bumps rec.Version.
func (r *JobRepository) Put(ctx context.Context, rec *entity.JobRecord) error {
	next := *rec
	next.Version = rec.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	const q = `
UPDATE pipeline_jobs
SET status=$3, current_step=$4, version=$5, record=$6, updated_at=$7
WHERE id=$1 AND version=$2;
`
	tag, err := r.pool.Exec(ctx, q,
		rec.JobID, rec.Version, string(rec.Status), string(rec.CurrentStep),
		next.Version, doc, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, rec.JobID)
	}
	rec.Version = next.Version
	return nil
}

func (r *JobRepository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pipeline_jobs WHERE id=$1);`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}
