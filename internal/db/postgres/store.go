// Package postgres stores workflow instances in PostgreSQL for deployments
// where several devflow processes share one instance table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
    id          TEXT PRIMARY KEY,
    stage       TEXT NOT NULL,
    maturity    TEXT NOT NULL,
    version     BIGINT NOT NULL,
    data        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_stage ON workflow_instances(stage);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          BIGSERIAL PRIMARY KEY,
    issue_key   TEXT NOT NULL,
    event       TEXT NOT NULL,
    stage       TEXT,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_issue ON pipeline_events(issue_key, timestamp DESC);
`

// Store is a pipeline.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ pipeline.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Load reads the instance for id.
func (s *Store) Load(ctx context.Context, id string) (*pipeline.Instance, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM workflow_instances WHERE id = $1", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return decode(id, data)
}

// Save inserts at version 0 and otherwise updates only where the persisted
// version still matches. Either statement touching no row is a conflict.
func (s *Store) Save(ctx context.Context, inst *pipeline.Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	next := pipeline.Stamp(inst, s.now())
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}

	var affected int64
	if inst.Version == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO workflow_instances (id, stage, maturity, version, data, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			next.ID, string(next.Stage), string(next.Maturity), next.Version, data, next.CreatedAt, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.ID, err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE workflow_instances SET stage = $1, maturity = $2, version = $3, data = $4, updated_at = $5
			 WHERE id = $6 AND version = $7`,
			string(next.Stage), string(next.Maturity), next.Version, data, next.UpdatedAt, next.ID, inst.Version)
		if err != nil {
			return fmt.Errorf("update instance %s: %w", inst.ID, err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return fmt.Errorf("save %s at version %d: %w", inst.ID, inst.Version, pipeline.ErrVersionConflict)
	}

	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	inst.CreatedAt = next.CreatedAt
	return nil
}

// List returns all instances ordered by ID.
func (s *Store) List(ctx context.Context) ([]pipeline.Instance, error) {
	return s.query(ctx, "SELECT id, data FROM workflow_instances ORDER BY id")
}

// ListActive returns all non-terminal instances ordered by ID.
func (s *Store) ListActive(ctx context.Context) ([]pipeline.Instance, error) {
	return s.query(ctx, "SELECT id, data FROM workflow_instances WHERE stage <> ALL($1) ORDER BY id",
		[]string{string(pipeline.StageCompleted), string(pipeline.StageFailed)})
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]pipeline.Instance, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Instance
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decode(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Delete removes an instance.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM workflow_instances WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// LogPipelineEvent inserts a pipeline event.
func (s *Store) LogPipelineEvent(ctx context.Context, key, event, stage string, attempt int, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_events (issue_key, event, stage, attempt, detail) VALUES ($1, $2, $3, $4, $5)`,
		key, event, stage, attempt, detail)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

func decode(id string, data []byte) (*pipeline.Instance, error) {
	var inst pipeline.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}
