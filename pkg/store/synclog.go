package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harrisonrobin/larksync/pkg/model"
)

var (
	// ErrInvalidParent is returned when a child log does not point at a
	// run-level entry of the same run.
	ErrInvalidParent = errors.New("invalid parent log")
	// ErrFinalized is returned when a run log is finalized twice.
	ErrFinalized = errors.New("run log already finalized")
)

const logColumns = `l.id, l.run_id, l.label, l.endpoint, l.method, l.status, l.request_params, l.response_summary,
	l.parent_id, l.created_at, l.finalized_at, EXISTS(SELECT 1 FROM sync_logs c WHERE c.parent_id = l.id)`

func scanLog(row interface{ Scan(...any) error }) (*model.SyncLogEntry, error) {
	var e model.SyncLogEntry
	var status string
	var parent sql.NullInt64
	var finalized sql.NullTime
	err := row.Scan(&e.ID, &e.RunID, &e.Label, &e.Endpoint, &e.Method, &status, &e.RequestParams, &e.ResponseSummary,
		&parent, &e.CreatedAt, &finalized, &e.HasChildren)
	if err != nil {
		return nil, err
	}
	e.Status = model.LogStatus(status)
	e.ParentID = intPtr(parent)
	e.FinalizedAt = timePtr(finalized)
	return &e, nil
}

// CreateRunLog inserts a run-level entry. It stays open until FinalizeRunLog.
func (db *DB) CreateRunLog(ctx context.Context, e *model.SyncLogEntry) error {
	if e.ParentID != nil {
		return fmt.Errorf("%w: run log cannot have a parent", ErrInvalidParent)
	}
	if e.Status == "" {
		e.Status = model.LogSuccess
	}
	return db.insertLog(ctx, db.DB, e)
}

// AppendChildLog inserts an immutable child entry. Its parent must exist, be
// a run-level entry and belong to the same run.
func (db *DB) AppendChildLog(ctx context.Context, e *model.SyncLogEntry) error {
	if e.ParentID == nil {
		return fmt.Errorf("%w: child log needs a parent", ErrInvalidParent)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var runID string
		var grandparent sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT run_id, parent_id FROM sync_logs WHERE id = ?`, *e.ParentID).Scan(&runID, &grandparent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: parent %d does not exist", ErrInvalidParent, *e.ParentID)
		}
		if err != nil {
			return err
		}
		if grandparent.Valid {
			return fmt.Errorf("%w: parent %d is not a run-level entry", ErrInvalidParent, *e.ParentID)
		}
		if runID != e.RunID {
			return fmt.Errorf("%w: parent %d belongs to run %s, not %s", ErrInvalidParent, *e.ParentID, runID, e.RunID)
		}
		return db.insertLog(ctx, tx, e)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) insertLog(ctx context.Context, x execer, e *model.SyncLogEntry) error {
	now := db.now()
	// Child entries are final when written.
	var finalized sql.NullTime
	if e.ParentID != nil {
		finalized = sql.NullTime{Time: now, Valid: true}
	}
	res, err := x.ExecContext(ctx, `
		INSERT INTO sync_logs (run_id, label, endpoint, method, status, request_params, response_summary, parent_id, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Label, e.Endpoint, e.Method, string(e.Status), e.RequestParams, e.ResponseSummary, nullInt(e.ParentID), now, finalized)
	if err != nil {
		return fmt.Errorf("failed to write sync log %q: %w", e.Label, err)
	}
	e.ID, err = res.LastInsertId()
	e.CreatedAt = now
	if e.ParentID != nil {
		e.FinalizedAt = &now
	}
	return err
}

// FinalizeRunLog records the outcome of a run. A run is finalized once.
func (db *DB) FinalizeRunLog(ctx context.Context, id int64, status model.LogStatus, summary string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sync_logs SET status = ?, response_summary = ?, finalized_at = ?
		WHERE id = ? AND parent_id IS NULL AND finalized_at IS NULL
	`, string(status), summary, db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to finalize run log %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.LogByID(ctx, id); err != nil {
			return err
		}
		return ErrFinalized
	}
	return nil
}

// LogByID returns a single log entry.
func (db *DB) LogByID(ctx context.Context, id int64) (*model.SyncLogEntry, error) {
	e, err := scanLog(db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM sync_logs l WHERE l.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// RecentRuns returns the latest run-level entries, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]*model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.queryLogs(ctx, `SELECT `+logColumns+` FROM sync_logs l WHERE l.parent_id IS NULL ORDER BY l.id DESC LIMIT ?`, limit)
}

// ChildLogs returns the entries of a run in insertion order.
func (db *DB) ChildLogs(ctx context.Context, parentID int64) ([]*model.SyncLogEntry, error) {
	return db.queryLogs(ctx, `SELECT `+logColumns+` FROM sync_logs l WHERE l.parent_id = ? ORDER BY l.id`, parentID)
}

func (db *DB) queryLogs(ctx context.Context, query string, args ...any) ([]*model.SyncLogEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.SyncLogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
