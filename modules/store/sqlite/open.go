package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/flemzord/cronkeep/internal/store/sqlstore"

	_ "modernc.org/sqlite" // SQLite driver registration
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect is the SQLite flavour of the shared SQL store. The single pooled
// connection serializes transactions, so no row lock is needed.
var Dialect = sqlstore.Dialect{Name: "sqlite"}

// Open opens (creating if needed) the database at cfg.Path, applies the
// pragmas and migrations, and returns a store over it. The caller closes
// the returned handle.
func Open(ctx context.Context, cfg Config, opts ...sqlstore.Option) (*sqlstore.Store, *sqlx.DB, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	// SQLite handles one writer at a time; limit pool to 1 connection
	// so PRAGMAs apply consistently and transactions never interleave.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout),
		"PRAGMA foreign_keys=ON",
	}
	if cfg.walEnabled() {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if err := migrateUp(db.DB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return sqlstore.New(db, Dialect, opts...), db, nil
}

// migrateUp applies the embedded migrations.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}
