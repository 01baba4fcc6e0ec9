package prefs

import (
	"context"
	"database/sql"
	"strconv"

	"codeberg.org/mutker/sensord/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

const (
	createSettingsSQL = `
    CREATE TABLE IF NOT EXISTS settings (
        key             TEXT PRIMARY KEY,
        value           TEXT NOT NULL,
        updated_at_unix INTEGER NOT NULL
    );`

	upsertSettingSQL = `
    INSERT INTO settings (key, value, updated_at_unix)
    VALUES (?, ?, strftime('%s', 'now'))
    ON CONFLICT(key) DO UPDATE
    SET value = excluded.value,
        updated_at_unix = strftime('%s', 'now');`

	selectSettingSQL = `SELECT value FROM settings WHERE key = ?`
)

// SQLite keeps flags in a settings table. The handle is borrowed and is not
// closed by Close.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, createSettingsSQL); err != nil {
		return nil, errors.New().WithData(errors.ErrInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_settings_table",
			Error: err.Error(),
		})
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (bool, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, selectSettingSQL, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.New().Wrap(errors.ErrStorageIO, err)
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, errors.New().WithData(errors.ErrStorageIO, struct {
			Key   string
			Value string
		}{
			Key:   key,
			Value: raw,
		})
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value bool) error {
	if _, err := s.db.ExecContext(ctx, upsertSettingSQL, key, strconv.FormatBool(value)); err != nil {
		return errors.New().Wrap(errors.ErrStorageIO, err)
	}
	return nil
}

func (*SQLite) Close() error {
	return nil
}
