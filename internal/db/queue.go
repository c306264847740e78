package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Queue statuses.
const (
	QueuePending   = "pending"
	QueueActive    = "active"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
)

// ErrQueueItemNotFound is returned when a key is not in the queue.
var ErrQueueItemNotFound = errors.New("issue not in queue")

// QueueItem represents a row in the issue_queue table.
type QueueItem struct {
	ID         int
	IssueKey   string
	Status     string
	Position   int
	Maturity   string
	AddedAt    string
	StartedAt  string
	FinishedAt string
}

// QueueAddItem holds an issue key and an optional maturity override.
type QueueAddItem struct {
	IssueKey string
	Maturity string
}

// QueueAdd inserts issues into the queue with sequential positions.
func (d *DB) QueueAdd(ctx context.Context, items []QueueAddItem) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(position) FROM issue_queue").Scan(&maxPos); err != nil {
		return fmt.Errorf("get max position: %w", err)
	}
	nextPos := 1
	if maxPos.Valid {
		nextPos = int(maxPos.Int64) + 1
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO issue_queue (issue_key, position, maturity) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.IssueKey, nextPos, item.Maturity); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("issue %s is already in the queue", item.IssueKey)
			}
			return fmt.Errorf("insert issue %s: %w", item.IssueKey, err)
		}
		nextPos++
	}

	return tx.Commit()
}

const queueColumns = `id, issue_key, status, position, maturity, added_at, started_at, finished_at`

// QueueList returns all queue items ordered by position.
func (d *DB) QueueList(ctx context.Context) ([]QueueItem, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+queueColumns+` FROM issue_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// QueueNext returns the next pending item (lowest position), or nil if none.
func (d *DB) QueueNext(ctx context.Context) (*QueueItem, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM issue_queue WHERE status = 'pending' ORDER BY position ASC LIMIT 1`)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// QueueClaim marks up to n pending items active, in position order, and
// returns them.
func (d *DB) QueueClaim(ctx context.Context, n int) ([]QueueItem, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM issue_queue WHERE status = 'pending' ORDER BY position ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, *item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issue_queue SET status = 'active', started_at = datetime('now') WHERE id = ?`, items[i].ID); err != nil {
			return nil, fmt.Errorf("claim %s: %w", items[i].IssueKey, err)
		}
		items[i].Status = QueueActive
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

// QueueUpdateStatus updates the status of a queue item by issue key.
// Sets started_at when transitioning to "active", finished_at for "completed"/"failed".
func (d *DB) QueueUpdateStatus(ctx context.Context, key, status string) error {
	var res sql.Result
	var err error

	switch status {
	case QueueActive:
		res, err = d.conn.ExecContext(ctx,
			`UPDATE issue_queue SET status = ?, started_at = datetime('now') WHERE issue_key = ?`,
			status, key)
	case QueueCompleted, QueueFailed:
		res, err = d.conn.ExecContext(ctx,
			`UPDATE issue_queue SET status = ?, finished_at = datetime('now') WHERE issue_key = ?`,
			status, key)
	default:
		res, err = d.conn.ExecContext(ctx,
			`UPDATE issue_queue SET status = ? WHERE issue_key = ?`,
			status, key)
	}

	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	return expectRow(res, key)
}

// QueueRemove deletes a queue item by issue key.
func (d *DB) QueueRemove(ctx context.Context, key string) error {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM issue_queue WHERE issue_key = ?", key)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	return expectRow(res, key)
}

// QueueClear deletes all items from the queue, returning the count deleted.
func (d *DB) QueueClear(ctx context.Context) (int, error) {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM issue_queue")
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func expectRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrQueueItemNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (*QueueItem, error) {
	var item QueueItem
	var startedAt, finishedAt sql.NullString
	err := r.Scan(&item.ID, &item.IssueKey, &item.Status, &item.Position, &item.Maturity, &item.AddedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	item.StartedAt = startedAt.String
	item.FinishedAt = finishedAt.String
	return &item, nil
}
