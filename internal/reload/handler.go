package reload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/config"
	"github.com/flemzord/cronkeep/internal/core"
)

// Reloader is the part of core.App the handler drives.
type Reloader interface {
	ReloadModules(configs map[string]yaml.Node) error
}

// Handler reloads the configuration file and hands each module its new
// section. Reloads are serialized.
type Handler struct {
	app    Reloader
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Reloader = (*core.App)(nil)

// NewHandler creates a reload handler.
func NewHandler(app Reloader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{app: app, logger: logger}
}

// HandleReload loads a fresh config from disk, validates it and calls
// Reload on every module that implements core.Reloader. A config that fails
// to load or validate leaves the running settings untouched.
func (h *Handler) HandleReload(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return h.HandleReloadFromConfig(ctx, cfg)
}

// HandleReloadFromConfig reloads modules from an already validated config.
func (h *Handler) HandleReloadFromConfig(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.app.ReloadModules(cfg.Modules); err != nil {
		return fmt.Errorf("reloading modules: %w", err)
	}
	h.logger.Info("configuration reloaded")
	return nil
}

// Serve reloads configPath on every watcher event or signal until ctx is
// done. Failures are logged and the previous settings stay in effect.
func (h *Handler) Serve(ctx context.Context, configPath string, changes <-chan Event, signals <-chan os.Signal) {
	for {
		var trigger string
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			trigger = "file"
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			trigger = sig.String()
		}

		h.logger.Info("reloading configuration", "path", configPath, "trigger", trigger)
		if err := h.HandleReload(ctx, configPath); err != nil {
			h.logger.Error("configuration reload failed, keeping current settings", "error", err)
		}
	}
}
