// Package app provides the shared entry point of the cronkeep binary: it
// loads the configuration, wires the modules and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/flemzord/cronkeep/internal/config"
	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/gateway"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/reload"
	"github.com/flemzord/cronkeep/internal/security"
	"github.com/flemzord/cronkeep/internal/store/memory"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level
}

// Run loads configuration, starts all modules, and blocks until ctx is done
// or a shutdown signal is received. SIGHUP and file-change events trigger a
// live configuration reload for modules that implement core.Reloader.
func Run(ctx context.Context, params RunParams) error {
	cfgPath, cfg, err := loadConfig(params.ConfigPath)
	if err != nil {
		return err
	}

	redactor := security.NewRedactor()
	logger := NewLogger(params.LogLevel, redactor)

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)

	appCtx.RegisterService(engine.ServiceRedactor, redactor)
	appCtx.RegisterService(engine.ServiceMetrics, telemetry.NewMetrics())
	appCtx.RegisterService(gateway.ServiceConfigPath, cfgPath)

	if config.StoreModule(cfg) == "" {
		logger.Warn("no store module configured, jobs and run history live in memory only")
		appCtx.RegisterService(engine.ServiceBackend, job.Backend(memory.New()))
	}

	application := core.NewApp(appCtx)
	ids := ensureScheduler(config.Resolve(cfg))
	if err := application.LoadModules(ids); err != nil {
		return err
	}

	// Build and register the reload handler BEFORE Start so gateway can use it.
	handler := reload.NewHandler(application, logger)
	appCtx.RegisterService(gateway.ServiceReloader, handler)

	if err := application.Start(); err != nil {
		return err
	}
	logger.Info("cronkeep started",
		"version", params.Version,
		"commit", params.Commit,
		"config", cfgPath,
		"modules", len(ids),
	)

	// --- signal handling ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	// --- file watcher + reload loop ---
	watcher := reload.NewWatcher(reload.WatcherConfig{ConfigPath: cfgPath})
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	watcher.Start(watchCtx)
	defer watcher.Stop()
	go handler.Serve(watchCtx, cfgPath, watcher.Events(), hupCh)

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	watchCancel()
	application.Stop()
	logger.Info("shutdown complete")
	return nil
}

// schedulerModule always runs, with defaults when the config omits it.
const schedulerModule = "scheduler"

// ensureScheduler adds the scheduler to ids when the config leaves it out,
// ahead of the gateway modules.
func ensureScheduler(ids []string) []string {
	if slices.Contains(ids, schedulerModule) {
		return ids
	}
	i := slices.IndexFunc(ids, func(id string) bool {
		return core.ModuleID(id).Namespace() == "gateway"
	})
	if i < 0 {
		return append(ids, schedulerModule)
	}
	return slices.Insert(ids, i, schedulerModule)
}

// NewLogger returns the process logger: a text handler on stderr wrapped so
// that values known to the redactor never reach the output.
func NewLogger(level slog.Level, redactor *security.Redactor) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

// loadConfig resolves, loads and validates the configuration file.
func loadConfig(path string) (string, *config.Config, error) {
	if path == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return "", nil, err
		}
		path = resolved
	}

	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return "", nil, err
	}
	return path, cfg, nil
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/cronkeep/cronkeep.yaml, then
// ~/.config/cronkeep/cronkeep.yaml, then ./cronkeep.yaml.
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "cronkeep", "cronkeep.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "cronkeep", "cronkeep.yaml"))
	}

	candidates = append(candidates, "cronkeep.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/cronkeep if set, otherwise ~/.local/share/cronkeep.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "cronkeep")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "cronkeep")
}
