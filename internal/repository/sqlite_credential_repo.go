package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/activitysync/internal/model"
)

// SQLiteCredentialRepo はSQLiteのlocal_storageテーブルを使用した認証情報リポジトリ。
type SQLiteCredentialRepo struct {
	db *sql.DB
}

// NewSQLiteCredentialRepo はSQLiteCredentialRepoを生成する。
func NewSQLiteCredentialRepo(db *sql.DB) *SQLiteCredentialRepo {
	return &SQLiteCredentialRepo{db: db}
}

// Load は保存済みのトークンを返す。
func (r *SQLiteCredentialRepo) Load(ctx context.Context) (model.Credentials, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM local_storage WHERE key IN (?, ?)`,
		KeyAccessToken, KeyRefreshToken,
	)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	defer rows.Close()

	var creds model.Credentials
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Credentials{}, fmt.Errorf("failed to scan credential: %w", err)
		}
		switch key {
		case KeyAccessToken:
			creds.Token = value
		case KeyRefreshToken:
			creds.RefreshToken = value
		}
	}
	if err := rows.Err(); err != nil {
		return model.Credentials{}, fmt.Errorf("failed to iterate credentials: %w", err)
	}

	return creds, nil
}

// Save はトークンの組を1トランザクションで保存する。
func (r *SQLiteCredentialRepo) Save(ctx context.Context, creds model.Credentials) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entries := []struct {
		key   string
		value string
	}{
		{KeyAccessToken, creds.Token},
		{KeyRefreshToken, creds.RefreshToken},
	}
	for _, e := range entries {
		if e.value == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, e.key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", e.key, err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO local_storage (key, value, updated_at)
			 VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			e.key, e.value,
		)
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", e.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}
	return nil
}

// Clear は両方のトークンを削除する。
func (r *SQLiteCredentialRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM local_storage WHERE key IN (?, ?)`,
		KeyAccessToken, KeyRefreshToken,
	)
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*SQLiteCredentialRepo)(nil)
