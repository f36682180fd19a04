package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 60 * time.Second

// App manages the lifecycle of a set of modules.
type App struct {
	ctx     *AppContext
	modules []moduleInstance
	logger  *slog.Logger
}

type moduleInstance struct {
	id      ModuleID
	module  Module
	started bool
}

// NewApp creates a new App with the given context.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// LoadModules instantiates, provisions, and validates all modules for the
// given IDs in order. If any step fails, already-loaded modules are cleaned up.
func (a *App) LoadModules(ids []string) error {
	for _, id := range ids {
		mod, err := a.ctx.LoadModule(id)
		if err != nil {
			a.cleanup()
			return fmt.Errorf("loading module %s: %w", id, err)
		}
		a.AppendModule(id, mod)
		a.logger.Info("module loaded", "module", id)
	}
	return nil
}

// AppendModule adds an already provisioned module to the lifecycle. It is
// started after the modules loaded before it and stopped before them.
func (a *App) AppendModule(id string, mod Module) {
	a.modules = append(a.modules, moduleInstance{id: ModuleID(id), module: mod})
}

// Module returns the loaded module with the given ID.
func (a *App) Module(id string) (Module, bool) {
	for _, mi := range a.modules {
		if string(mi.id) == id {
			return mi.module, true
		}
	}
	return nil, false
}

// Start starts all loaded modules that implement Starter, in order.
// If any Start() fails, already-started modules are stopped in reverse order.
func (a *App) Start() error {
	for i := range a.modules {
		mi := &a.modules[i]
		s, ok := mi.module.(Starter)
		if !ok {
			mi.started = true
			continue
		}
		a.logger.Info("starting module", "module", string(mi.id))
		if err := s.Start(); err != nil {
			a.logger.Error("module start failed", "module", string(mi.id), "error", err)
			a.stopModules(i - 1)
			return fmt.Errorf("starting module %s: %w", mi.id, err)
		}
		mi.started = true
	}
	a.logger.Info("all modules started")
	return nil
}

// Stop stops all started modules in reverse order with a timeout.
func (a *App) Stop() {
	a.stopModules(len(a.modules) - 1)
}

func (a *App) stopModules(fromIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := fromIndex; i >= 0; i-- {
		mi := &a.modules[i]
		if !mi.started {
			continue
		}
		if s, ok := mi.module.(Stopper); ok {
			a.logger.Info("stopping module", "module", string(mi.id))
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("module stop error", "module", string(mi.id), "error", err)
			}
		}
		mi.started = false
	}
}

func (a *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(a.modules) - 1; i >= 0; i-- {
		mi := &a.modules[i]
		if s, ok := mi.module.(Stopper); ok {
			_ = s.Stop(ctx)
		}
	}
	a.modules = nil
}

// ReloadModules re-configures every loaded module that implements Reloader
// with the matching entry of configs, then calls Reload. Modules without an
// entry keep their configuration. Returns a joined error if any module fails.
func (a *App) ReloadModules(configs map[string]yaml.Node) error {
	ctx := a.ctx.WithModuleConfigs(configs)

	var errs []error
	for i := range a.modules {
		mi := &a.modules[i]
		r, ok := mi.module.(Reloader)
		if !ok {
			continue
		}
		node, exists := configs[string(mi.id)]
		if !exists {
			continue
		}
		a.logger.Info("reloading module", "module", string(mi.id))
		if err := r.Reload(ctx.ForModule(mi.id), &node); err != nil {
			a.logger.Error("module reload failed", "module", string(mi.id), "error", err)
			errs = append(errs, fmt.Errorf("reloading module %s: %w", mi.id, err))
		}
	}
	return errors.Join(errs...)
}
