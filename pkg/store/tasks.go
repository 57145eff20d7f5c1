package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/harrisonrobin/larksync/pkg/model"
)

const taskColumns = `id, project_id, sequence, name, description, COALESCE(external_id, ''), external_guid, external_etag,
	due_date, status, stage_id, assignee_id, parent_id, active, raw_json, last_sync_at, remote_updated_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var status string
	var due, lastSync, remoteUpdated sql.NullTime
	var stage, assignee, parent sql.NullInt64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Sequence, &t.Name, &t.Description, &t.ExternalID, &t.ExternalGUID, &t.ExternalEtag,
		&due, &status, &stage, &assignee, &parent, &t.Active, &t.RawJSON, &lastSync, &remoteUpdated, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.Status(status)
	t.DueDate = timePtr(due)
	t.LastSyncAt = timePtr(lastSync)
	t.RemoteUpdatedAt = timePtr(remoteUpdated)
	t.StageID = intPtr(stage)
	t.AssigneeID = intPtr(assignee)
	t.ParentID = intPtr(parent)
	return &t, nil
}

func (db *DB) queryTask(ctx context.Context, where string, args ...any) (*model.Task, error) {
	t, err := scanTask(db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (db *DB) queryTasks(ctx context.Context, where string, args ...any) ([]*model.Task, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskByID returns the task with the given id.
func (db *DB) TaskByID(ctx context.Context, id int64) (*model.Task, error) {
	return db.queryTask(ctx, `id = ?`, id)
}

// TaskByExternalID returns the task linked to a remote id.
func (db *DB) TaskByExternalID(ctx context.Context, externalID string) (*model.Task, error) {
	return db.queryTask(ctx, `external_id = ?`, externalID)
}

// TasksForProject returns the active tasks of a project ordered by id.
func (db *DB) TasksForProject(ctx context.Context, projectID int64) ([]*model.Task, error) {
	return db.queryTasks(ctx, `project_id = ? AND active = 1 ORDER BY id`, projectID)
}

// OverdueTasks returns active open tasks whose due date is before now.
func (db *DB) OverdueTasks(ctx context.Context, now time.Time) ([]*model.Task, error) {
	tasks, err := db.queryTasks(ctx, `active = 1 AND due_date IS NOT NULL AND status NOT IN (?, ?) ORDER BY due_date, id`,
		string(model.StatusDone), string(model.StatusArchived))
	if err != nil {
		return nil, err
	}
	var overdue []*model.Task
	for _, t := range tasks {
		if t.IsOverdue(now) {
			overdue = append(overdue, t)
		}
	}
	return overdue, nil
}

// SequencePrefix returns the three-letter prefix used to number a task:
// the first three letters of its name, upper-cased and padded with X.
func SequencePrefix(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			if b.Len() == 3 {
				break
			}
		}
	}
	return b.String() + strings.Repeat("X", 3-b.Len())
}

// CreateTask inserts t, allocating its sequence number, and sets its id.
func (db *DB) CreateTask(ctx context.Context, t *model.Task) error {
	if t.Status == "" {
		t.Status = model.StatusTodo
	}
	now := db.now()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if t.Name != "" && t.Sequence == "" {
			seq, err := nextSequence(ctx, tx, SequencePrefix(t.Name))
			if err != nil {
				return fmt.Errorf("failed to allocate sequence: %w", err)
			}
			t.Sequence = seq
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (project_id, sequence, name, description, external_id, external_guid, external_etag,
				due_date, status, stage_id, assignee_id, parent_id, active, raw_json, last_sync_at, remote_updated_at,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ProjectID, t.Sequence, t.Name, t.Description, nullString(t.ExternalID), t.ExternalGUID, t.ExternalEtag,
			nullTime(t.DueDate), string(t.Status), nullInt(t.StageID), nullInt(t.AssigneeID), nullInt(t.ParentID),
			t.Active, t.RawJSON, nullTime(t.LastSyncAt), nullTime(t.RemoteUpdatedAt), now, now)
		if err != nil {
			return fmt.Errorf("failed to create task %q: %w", t.Name, err)
		}
		t.ID, err = res.LastInsertId()
		t.CreatedAt, t.UpdatedAt = now, now
		return err
	})
}

func nextSequence(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO task_sequences (prefix, next_number) VALUES (?, 2)
		ON CONFLICT(prefix) DO UPDATE SET next_number = next_number + 1
		RETURNING next_number - 1
	`, prefix).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", prefix, n), nil
}

// UpdateTask writes every synced field of t.
func (db *DB) UpdateTask(ctx context.Context, t *model.Task) error {
	now := db.now()
	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET project_id = ?, name = ?, description = ?, external_id = ?, external_guid = ?, external_etag = ?,
			due_date = ?, status = ?, stage_id = ?, assignee_id = ?, parent_id = ?, active = ?, raw_json = ?,
			last_sync_at = ?, remote_updated_at = ?, updated_at = ?
		WHERE id = ?
	`, t.ProjectID, t.Name, t.Description, nullString(t.ExternalID), t.ExternalGUID, t.ExternalEtag,
		nullTime(t.DueDate), string(t.Status), nullInt(t.StageID), nullInt(t.AssigneeID), nullInt(t.ParentID),
		t.Active, t.RawJSON, nullTime(t.LastSyncAt), nullTime(t.RemoteUpdatedAt), now, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	t.UpdatedAt = now
	return nil
}

// TouchTask only records that the task was seen during a sync.
func (db *DB) TouchTask(ctx context.Context, id int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE tasks SET last_sync_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// SetTaskRemoteIDs records the identifiers assigned upstream to a pushed task.
func (db *DB) SetTaskRemoteIDs(ctx context.Context, id int64, externalID, guid, etag string) error {
	now := db.now()
	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET external_id = ?, external_guid = ?, external_etag = ?, last_sync_at = ?, updated_at = ? WHERE id = ?
	`, nullString(externalID), guid, etag, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to store remote ids for task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveTask deactivates a task without deleting it.
func (db *DB) ArchiveTask(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `UPDATE tasks SET active = 0, status = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusArchived), db.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
