package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harrisonrobin/larksync/pkg/model"
)

// UpsertTasklistMirror stores the latest payload of a remote tasklist keyed by GUID.
func (db *DB) UpsertTasklistMirror(ctx context.Context, m *model.TasklistMirror) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO tasklist_mirrors (guid, name, url, creator_id, owner_id, created_at, updated_at, raw_json, project_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			creator_id = excluded.creator_id,
			owner_id = excluded.owner_id,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			raw_json = excluded.raw_json,
			project_id = COALESCE(excluded.project_id, tasklist_mirrors.project_id)
		RETURNING id
	`, m.GUID, m.Name, m.URL, m.CreatorID, m.OwnerID, nullTime(m.CreatedAt), nullTime(m.UpdatedAt), m.RawJSON, nullInt(m.ProjectID)).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert tasklist mirror %s: %w", m.GUID, err)
	}
	return nil
}

// TasklistMirrors returns every mirrored tasklist ordered by name.
func (db *DB) TasklistMirrors(ctx context.Context) ([]*model.TasklistMirror, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, guid, name, url, creator_id, owner_id, created_at, updated_at, raw_json, project_id
		FROM tasklist_mirrors ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mirrors []*model.TasklistMirror
	for rows.Next() {
		var m model.TasklistMirror
		var created, updated sql.NullTime
		var project sql.NullInt64
		if err := rows.Scan(&m.ID, &m.GUID, &m.Name, &m.URL, &m.CreatorID, &m.OwnerID, &created, &updated, &m.RawJSON, &project); err != nil {
			return nil, err
		}
		m.CreatedAt = timePtr(created)
		m.UpdatedAt = timePtr(updated)
		m.ProjectID = intPtr(project)
		mirrors = append(mirrors, &m)
	}
	return mirrors, rows.Err()
}

// CreateUser inserts a local user.
func (db *DB) CreateUser(ctx context.Context, u *model.User) error {
	res, err := db.ExecContext(ctx, `INSERT INTO users (login, name) VALUES (?, ?)`, u.Login, u.Name)
	if err != nil {
		return fmt.Errorf("failed to create user %q: %w", u.Login, err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// LinkUser maps a remote user id to a local user.
func (db *DB) LinkUser(ctx context.Context, externalID string, userID int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_links (external_id, user_id) VALUES (?, ?)
		ON CONFLICT(external_id) DO UPDATE SET user_id = excluded.user_id
	`, externalID, userID)
	if err != nil {
		return fmt.Errorf("failed to link user %s: %w", externalID, err)
	}
	return nil
}

// UserByExternalID resolves a remote user id through the link table.
func (db *DB) UserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var u model.User
	err := db.QueryRowContext(ctx, `
		SELECT u.id, u.login, u.name FROM users u
		JOIN user_links l ON l.user_id = u.id
		WHERE l.external_id = ?
	`, externalID).Scan(&u.ID, &u.Login, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
