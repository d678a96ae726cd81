package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// GetSetting returns the value stored under key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM hub_settings WHERE key = ?`, key).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO hub_settings(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// ResolveSetting returns the stored value for key, storing suggested first
// when nothing is there yet. It is used for values that must stay stable
// across restarts, such as the hub's directory id.
func (s *Store) ResolveSetting(ctx context.Context, key, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM hub_settings WHERE key = ?`, key).Scan(&current)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if suggested == "" {
		return "", errors.New("no value to store for setting " + key)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO hub_settings(key, value) VALUES (?, ?)`, key, suggested); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return suggested, nil
}
