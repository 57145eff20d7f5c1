package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harrisonrobin/larksync/pkg/model"
)

const projectColumns = `id, name, description, COALESCE(external_id, ''), kind, parent_tasklist_guid, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var kind string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ExternalID, &kind, &p.ParentTasklistGUID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Kind = model.ProjectKind(kind)
	return &p, nil
}

func (db *DB) queryProject(ctx context.Context, where string, args ...any) (*model.Project, error) {
	p, err := scanProject(db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+where+` ORDER BY id LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ProjectByID returns the project with the given id.
func (db *DB) ProjectByID(ctx context.Context, id int64) (*model.Project, error) {
	return db.queryProject(ctx, `id = ?`, id)
}

// ProjectByExternalID returns the project linked to a remote id.
func (db *DB) ProjectByExternalID(ctx context.Context, externalID string) (*model.Project, error) {
	return db.queryProject(ctx, `external_id = ?`, externalID)
}

// ProjectByName returns the oldest project with exactly this name.
func (db *DB) ProjectByName(ctx context.Context, name string) (*model.Project, error) {
	return db.queryProject(ctx, `name = ?`, name)
}

// CreateProject inserts p and sets its id and timestamps.
func (db *DB) CreateProject(ctx context.Context, p *model.Project) error {
	if p.Kind == "" {
		p.Kind = model.KindTasklist
	}
	now := db.now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO projects (name, description, external_id, kind, parent_tasklist_guid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Description, nullString(p.ExternalID), string(p.Kind), p.ParentTasklistGUID, now, now)
	if err != nil {
		return fmt.Errorf("failed to create project %q: %w", p.Name, err)
	}
	p.ID, err = res.LastInsertId()
	p.CreatedAt, p.UpdatedAt = now, now
	return err
}

// UpdateProject writes the mutable fields of p.
func (db *DB) UpdateProject(ctx context.Context, p *model.Project) error {
	now := db.now()
	res, err := db.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, external_id = ?, kind = ?, parent_tasklist_guid = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Description, nullString(p.ExternalID), string(p.Kind), p.ParentTasklistGUID, now, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

// Projects returns every project ordered by id.
func (db *DB) Projects(ctx context.Context) ([]*model.Project, error) {
	return db.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
}

// SyncableProjects returns the default project plus every linked project,
// ordered by id. A defaultID of zero or less adds nothing.
func (db *DB) SyncableProjects(ctx context.Context, defaultID int64) ([]*model.Project, error) {
	return db.queryProjects(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE external_id IS NOT NULL OR id = ?
		ORDER BY id
	`, defaultID)
}

func (db *DB) queryProjects(ctx context.Context, query string, args ...any) ([]*model.Project, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// LinkProject binds a project to a remote tasklist. It fails when the
// tasklist is already linked to a different project.
func (db *DB) LinkProject(ctx context.Context, projectID int64, tasklistGUID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var other int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM projects WHERE external_id = ? AND id != ?`, tasklistGUID, projectID).Scan(&other)
		if err == nil {
			return fmt.Errorf("tasklist %s is already linked to project %d", tasklistGUID, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE projects SET external_id = ?, kind = ?, parent_tasklist_guid = '', updated_at = ? WHERE id = ?
		`, tasklistGUID, string(model.KindTasklist), db.now(), projectID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasklist_mirrors SET project_id = ? WHERE guid = ?`, projectID, tasklistGUID)
		return err
	})
}

// CreateStage inserts a workflow stage for a project.
func (db *DB) CreateStage(ctx context.Context, s *model.Stage) error {
	res, err := db.ExecContext(ctx, `INSERT INTO stages (project_id, name, sequence) VALUES (?, ?, ?)`, s.ProjectID, s.Name, s.Sequence)
	if err != nil {
		return fmt.Errorf("failed to create stage %q: %w", s.Name, err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// StagesForProject returns the stages of a project ordered by sequence.
func (db *DB) StagesForProject(ctx context.Context, projectID int64) ([]model.Stage, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, project_id, name, sequence FROM stages WHERE project_id = ? ORDER BY sequence, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		var s model.Stage
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Sequence); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}
