package samples

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Repository is the SQLite backed sample store. Writes are serialized so
// concurrent appends never interleave inside the driver.
type Repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed bool
}

var _ Store = (*Repository)(nil)

func NewRepository(cfg Config, log logger.Logger) (*Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", cfg.DBPath, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "ping_database",
			Error: err.Error(),
		})
	}

	// Validate if schema is current, with backup if needed
	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), cfg.BackupOnMigrate, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Sample repository initialized")

	return &Repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

// DB exposes the underlying handle so other tables can live in the same file
func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) Append(ctx context.Context, streamID int, value float64, ts time.Time) (Sample, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Sample{}, errFactory.WithMessage(ErrStorageIO, "sample repository is closed")
	}

	ts = ts.UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, insertSampleSQL, streamID, value, ts.Unix())
	if err != nil {
		return Sample{}, errFactory.Wrap(ErrStorageIO, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Sample{}, errFactory.Wrap(ErrStorageIO, err)
	}

	return Sample{
		ID:        id,
		StreamID:  streamID,
		Value:     value,
		Timestamp: ts,
	}, nil
}

func (r *Repository) QueryRange(ctx context.Context, streamID int) ([]Sample, error) {
	return r.query(ctx, selectRangeSQL, streamID)
}

// QueryBetween returns samples with from <= timestamp <= to, both truncated to seconds
func (r *Repository) QueryBetween(ctx context.Context, streamID int, from, to time.Time) ([]Sample, error) {
	if to.Before(from) {
		return nil, errors.New().WithMessage(errors.ErrInvalidArgument, "range end precedes range start")
	}
	return r.query(ctx, selectBetweenSQL, streamID, from.Unix(), to.Unix())
}

func (r *Repository) Count(ctx context.Context, streamID int) (int, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errFactory.WithMessage(ErrStorageIO, "sample repository is closed")
	}

	var n int
	if err := r.db.QueryRowContext(ctx, countSQL, streamID).Scan(&n); err != nil {
		return 0, errFactory.Wrap(ErrStorageIO, err)
	}
	return n, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Sample, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errFactory.WithMessage(ErrStorageIO, "sample repository is closed")
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageIO, err)
	}
	defer rows.Close()

	out := make([]Sample, 0)
	for rows.Next() {
		var (
			s  Sample
			ts int64
		)
		if err := rows.Scan(&s.ID, &s.StreamID, &s.Value, &ts); err != nil {
			return nil, errFactory.Wrap(ErrStorageIO, err)
		}
		s.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageIO, err)
	}

	return out, nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.db.Close()
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Sample repository closed gracefully")

	return nil
}
