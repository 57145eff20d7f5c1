package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// LoadToken returns the token stored under name.
func (db *DB) LoadToken(ctx context.Context, name string) (*oauth2.Token, error) {
	var tok oauth2.Token
	var expiry sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, expiry FROM oauth_tokens WHERE name = ?
	`, name).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return &tok, nil
}

// SaveToken stores tok under name, replacing any previous token. An empty
// refresh token keeps the stored one.
func (db *DB) SaveToken(ctx context.Context, name string, tok *oauth2.Token) error {
	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry.UTC(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (name, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN oauth_tokens.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, name, tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry, db.now())
	if err != nil {
		return fmt.Errorf("failed to save token %s: %w", name, err)
	}
	return nil
}

// SaveState records an OAuth state value issued to a browser.
func (db *DB) SaveState(ctx context.Context, state string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO oauth_states (state, created_at) VALUES (?, ?)`, state, db.now())
	return err
}

// ConsumeState deletes state and reports whether it was issued within maxAge.
func (db *DB) ConsumeState(ctx context.Context, state string, maxAge time.Duration) (bool, error) {
	var ok bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var created time.Time
		err := tx.QueryRowContext(ctx, `SELECT created_at FROM oauth_states WHERE state = ?`, state).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
			return err
		}
		ok = db.now().Sub(created) <= maxAge
		return nil
	})
	return ok, err
}

// AcquireLock takes the advisory lock key for owner until ttl elapses. It
// returns ErrLocked while another owner holds an unexpired lock.
func (db *DB) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := db.now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_locks.expires_at < ? OR sync_locks.owner = excluded.owner
	`, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLocked
	}
	return nil
}

// ReleaseLock drops the lock if owner still holds it.
func (db *DB) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_locks WHERE key = ? AND owner = ?`, key, owner)
	return err
}
