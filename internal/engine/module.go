package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/security"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// Service names published and consumed by the scheduler module.
const (
	ServiceFeed     = "engine.feed"
	ServiceBackend  = "job.backend"
	ServiceMetrics  = "telemetry.metrics"
	ServiceRedactor = "security.redactor"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
	_ core.Reloader     = (*Module)(nil)
)

// Module runs the Engine inside the application lifecycle.
type Module struct {
	config   Config
	appCtx   *core.AppContext
	logger   *slog.Logger
	feed     *Feed
	redactor *security.Redactor
	executor *ShellExecutor

	engine *Engine
	cancel context.CancelFunc
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "scheduler",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("engine: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.Defaults()
	m.appCtx = ctx
	m.logger = ctx.Logger
	m.feed = NewFeed()

	env, secrets := security.SanitizedEnv(os.Environ())
	m.executor = &ShellExecutor{Shell: m.config.Shell, Env: env}

	redactor, ok := core.Service[*security.Redactor](ctx, ServiceRedactor)
	if !ok {
		redactor = security.NewRedactor()
		ctx.RegisterService(ServiceRedactor, redactor)
	}
	for _, s := range secrets {
		redactor.AddLiteral(s)
	}
	m.redactor = redactor

	ctx.RegisterService(ServiceFeed, m.feed)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.Validate()
}

// Start implements core.Starter. The job backend is resolved here so any
// store module provisioned before the scheduler can supply it.
func (m *Module) Start() error {
	backend, ok := core.Service[job.Backend](m.appCtx, ServiceBackend)
	if !ok {
		return errors.New("engine: no job backend registered")
	}
	metrics, _ := core.Service[*telemetry.Metrics](m.appCtx, ServiceMetrics)

	e, err := New(Options{
		Store:    backend,
		Ledger:   backend,
		Executor: m.executor,
		Config:   m.config,
		Logger:   m.logger,
		Metrics:  metrics,
		Feed:     m.feed,
		Redactor: m.redactor,
	})
	if err != nil {
		return err
	}
	m.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go func() {
		if err := e.Run(ctx); err != nil {
			m.logger.Error("engine: scheduler loop exited", "error", err)
		}
	}()
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	if m.engine == nil {
		return nil
	}
	err := m.engine.Stop(ctx)
	m.cancel()
	return err
}

// Reload implements core.Reloader.
func (m *Module) Reload(_ *core.AppContext, node *yaml.Node) error {
	var next Config
	if err := node.Decode(&next); err != nil {
		return fmt.Errorf("engine: decode config: %w", err)
	}
	if m.engine == nil {
		next.Defaults()
		if err := next.Validate(); err != nil {
			return err
		}
		m.config = next
		return nil
	}
	if err := m.engine.Apply(next); err != nil {
		return err
	}
	m.logger.Info("engine: settings reloaded")
	return nil
}

// Engine returns the running engine, or nil before Start.
func (m *Module) Engine() *Engine { return m.engine }
