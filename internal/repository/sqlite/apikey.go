package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

var _ repository.APIKeyRepository = (*DB)(nil)

// CreateAPIKey stores a new key. key.Hash must already be set.
func (db *DB) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == "" {
		key.ID = xid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, hash, created_at) VALUES (?, ?, ?, ?)`,
		key.ID,
		key.Name,
		key.Hash,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating api key: %w", err)
	}
	return nil
}

func scanAPIKey(s scanner) (model.APIKey, error) {
	var (
		k        model.APIKey
		lastUsed sql.NullTime
		revoked  sql.NullTime
	)
	if err := s.Scan(&k.ID, &k.Name, &k.Hash, &k.CreatedAt, &lastUsed, &revoked); err != nil {
		return k, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.Time
	}
	return k, nil
}

// GetAPIKey returns a key by id, including revoked ones.
func (db *DB) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, hash, created_at, last_used_at, revoked_at FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("api key", id)
		}
		return nil, fmt.Errorf("sqlite: getting api key %s: %w", id, err)
	}
	return &k, nil
}

// ListAPIKeys returns all keys, oldest first.
func (db *DB) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, hash, created_at, last_used_at, revoked_at FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing api keys: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning api key row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revoking twice is a conflict.
func (db *DB) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: revoking api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: revoking api key %s: %w", id, err)
	}
	if n == 0 {
		if _, err := db.GetAPIKey(ctx, id); err != nil {
			return err
		}
		return apperror.Conflict("revoked api key", id)
	}
	return nil
}

// TouchAPIKey records the last successful use of a key.
func (db *DB) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: touching api key %s: %w", id, err)
	}
	return nil
}
