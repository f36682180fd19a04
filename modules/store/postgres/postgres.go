// Package postgres provides the "store.postgres" module: the job store and
// run ledger in PostgreSQL through lib/pq, for deployments that already run
// a database server.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/security"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module publishes a PostgreSQL-backed job.Backend as "job.backend".
type Module struct {
	config Config
	db     *sqlx.DB
	logger *slog.Logger
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "store.postgres",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("postgres: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.logger = ctx.Logger

	store, db, err := Open(context.TODO(), m.config)
	if err != nil {
		return err
	}
	m.db = db
	ctx.RegisterService("job.backend", job.Backend(store))

	m.logger.Info("postgres store provisioned",
		"dsn", security.NewRedactor().Redact(m.config.DSN),
		"max_open_conns", m.config.MaxOpenConns,
	)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if err := m.config.validate(); err != nil {
		return err
	}
	if err := m.db.PingContext(context.TODO()); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.db == nil {
		return nil
	}
	m.logger.Info("postgres store stopping")
	return m.db.Close()
}
