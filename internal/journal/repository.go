package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db  *sql.DB
	log logger.Logger
	cfg Config
}

func newRepository(cfg Config, log logger.Logger) (*repository, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := cfg.Path + "?_journal=WAL&_busy_timeout=5000"
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
	// Per-GPU goroutines write concurrently; one connection keeps sqlite
	// from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
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
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Journal opened")

	return &repository{db: db, log: log, cfg: cfg}, nil
}

func (r *repository) Acquire(ctx context.Context, g gpu.Info) error {
	if _, err := r.db.ExecContext(ctx, upsertHeldSQL, g.Index, g.Name, time.Now().Unix()); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	r.log.Debug().Int("gpu", g.Index).Msg("Journaled manual fan control")

	return nil
}

func (r *repository) Release(ctx context.Context, index int) error {
	if _, err := r.db.ExecContext(ctx, deleteHeldSQL, index); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	r.log.Debug().Int("gpu", index).Msg("Cleared journal entry")

	return nil
}

func (r *repository) Held(ctx context.Context) ([]gpu.Info, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectHeldSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var held []gpu.Info
	for rows.Next() {
		var g gpu.Info
		if err := rows.Scan(&g.Index, &g.Name); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		held = append(held, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return held, nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.log.Debug().Msg("Journal closed")

	return nil
}
