package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

// SQLiteStore keeps workflow instances in the workflow_instances table. The
// full record is a JSON document; stage and version are columns so the
// compare-and-swap and active listing run in SQL.
type SQLiteStore struct {
	db  *DB
	now func() time.Time
}

var _ pipeline.Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a Store over a migrated database.
func NewSQLiteStore(d *DB) *SQLiteStore {
	return &SQLiteStore{db: d, now: func() time.Time { return time.Now().UTC() }}
}

// Load reads the instance for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*pipeline.Instance, error) {
	var data string
	err := s.db.conn.QueryRowContext(ctx, "SELECT data FROM workflow_instances WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return decodeInstance(id, data)
}

// Save performs the versioned compare-and-swap for inst inside an immediate
// transaction. Losing a race to another writer, in this process or another,
// is reported as pipeline.ErrVersionConflict.
func (s *SQLiteStore) Save(ctx context.Context, inst *pipeline.Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("save instance: empty id")
	}
	err := s.save(ctx, inst)
	if err != nil && isBusy(err) {
		return fmt.Errorf("save %s at version %d: %w (%v)", inst.ID, inst.Version, pipeline.ErrVersionConflict, err)
	}
	return err
}

func (s *SQLiteStore) save(ctx context.Context, inst *pipeline.Instance) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current *pipeline.Instance
	var version int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM workflow_instances WHERE id = ?", inst.ID).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read version of %s: %w", inst.ID, err)
	default:
		current = &pipeline.Instance{ID: inst.ID, Version: version}
	}
	if err := pipeline.CheckVersion(current, inst); err != nil {
		return err
	}

	next := pipeline.Stamp(inst, s.now())
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}

	if current == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_instances (id, stage, maturity, version, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			next.ID, string(next.Stage), string(next.Maturity), next.Version, string(data),
			formatTime(next.CreatedAt), formatTime(next.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("create %s: %w (record exists)", inst.ID, pipeline.ErrVersionConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_instances SET stage = ?, maturity = ?, version = ?, data = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(next.Stage), string(next.Maturity), next.Version, string(data), formatTime(next.UpdatedAt),
			next.ID, inst.Version)
		if err != nil {
			return fmt.Errorf("update instance %s: %w", inst.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("save %s at version %d: %w", inst.ID, inst.Version, pipeline.ErrVersionConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instance %s: %w", inst.ID, err)
	}

	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	inst.CreatedAt = next.CreatedAt
	return nil
}

// List returns all instances ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]pipeline.Instance, error) {
	return s.query(ctx, "SELECT id, data FROM workflow_instances ORDER BY id")
}

// ListActive returns all non-terminal instances ordered by ID.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]pipeline.Instance, error) {
	return s.query(ctx,
		"SELECT id, data FROM workflow_instances WHERE stage NOT IN (?, ?) ORDER BY id",
		string(pipeline.StageCompleted), string(pipeline.StageFailed))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]pipeline.Instance, error) {
	rows, err := s.db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Instance
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decodeInstance(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Delete removes an instance.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, "DELETE FROM workflow_instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("instance %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// isBusy reports whether err is SQLite refusing a lock held by another
// connection past the busy timeout.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func decodeInstance(id, data string) (*pipeline.Instance, error) {
	var inst pipeline.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
