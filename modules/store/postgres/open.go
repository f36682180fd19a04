package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/flemzord/cronkeep/internal/store/sqlstore"

	_ "github.com/lib/pq" // PostgreSQL driver registration
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect is the PostgreSQL flavour of the shared SQL store. Begin locks
// the job row so concurrent schedulers serialize per job.
var Dialect = sqlstore.Dialect{Name: "postgres", LockJob: " FOR UPDATE"}

// Open connects with cfg.DSN, applies the migrations and returns a store
// over the pool. The caller closes the returned handle.
func Open(ctx context.Context, cfg Config, opts ...sqlstore.Option) (*sqlstore.Store, *sqlx.DB, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := migrateUp(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sqlstore.New(db, Dialect, opts...), db, nil
}

// migrateUp applies the embedded migrations on a connection borrowed from
// the pool and returned once they are done.
func migrateUp(ctx context.Context, db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("postgres: migration connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{})
	if err != nil {
		_ = source.Close()
		_ = conn.Close()
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = source.Close()
		_ = driver.Close()
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	// Close releases the source and the borrowed connection; the pool
	// stays open.
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}
