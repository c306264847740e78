package db

import (
	"context"
	"database/sql"
	"fmt"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	IssueKey  string
	Event     string
	Stage     string
	Attempt   int
	Detail    string
	Timestamp string
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, key, event, stage string, attempt int, detail string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (issue_key, event, stage, attempt, detail) VALUES (?, ?, ?, ?, ?)`,
		key, event, stage, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all pipeline events for an issue, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, key string) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, issue_key, event, stage, attempt, detail, timestamp
		 FROM pipeline_events WHERE issue_key = ? ORDER BY timestamp DESC, id DESC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns the newest limit events across all issues.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, issue_key, event, stage, attempt, detail, timestamp
		 FROM pipeline_events ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PurgeEvents deletes the events of key and returns how many were removed.
func (d *DB) PurgeEvents(ctx context.Context, key string) (int, error) {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM pipeline_events WHERE issue_key = ?", key)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func scanEvents(rows *sql.Rows) ([]PipelineEvent, error) {
	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.IssueKey, &e.Event, &stage, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		if stage.Valid {
			e.Stage = stage.String
		}
		if attempt.Valid {
			e.Attempt = int(attempt.Int64)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
