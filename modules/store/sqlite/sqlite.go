// Package sqlite provides the "store.sqlite" module: a persistent job
// store and run ledger in a single SQLite file. It uses modernc.org/sqlite
// (pure Go, no CGO) in WAL mode.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/store/sqlstore"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module publishes a SQLite-backed job.Backend as "job.backend".
type Module struct {
	config Config
	db     *sqlx.DB
	store  *sqlstore.Store
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "store.sqlite",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("sqlite: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger

	if m.config.Path == "" {
		m.config.Path = filepath.Join(ctx.DataDir, defaultDBFile)
	}

	store, db, err := Open(context.TODO(), m.config)
	if err != nil {
		return err
	}
	m.db = db
	m.store = store

	ctx.RegisterService("job.backend", job.Backend(store))

	m.logger.Info("sqlite store provisioned",
		"path", m.config.Path,
		"wal", m.config.walEnabled(),
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if err := m.config.validate(); err != nil {
		return err
	}
	if err := m.db.PingContext(context.TODO()); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.db == nil {
		return nil
	}
	m.logger.Info("sqlite store stopping")
	return m.db.Close()
}
