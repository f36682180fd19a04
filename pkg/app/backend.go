package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/flemzord/cronkeep/internal/config"
	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/job"
)

// ErrNoStore is returned by OpenBackend when the configuration names no
// store module; an in-memory store would lose every change on exit.
var ErrNoStore = errors.New("app: no store module configured")

// BackendParams configures OpenBackend.
type BackendParams struct {
	ConfigPath string
	DataDir    string
	Logger     *slog.Logger
}

// OpenBackend loads only the configured store module and returns its
// job.Backend, for commands that manage jobs without running the scheduler.
// Closing the returned io.Closer stops the module and releases the database.
func OpenBackend(_ context.Context, params BackendParams) (job.Backend, io.Closer, error) {
	_, cfg, err := loadConfig(params.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	storeID := config.StoreModule(cfg)
	if storeID == "" {
		return nil, nil, ErrNoStore
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	appCtx := core.NewAppContext(logger, dataDir).WithModuleConfigs(cfg.Modules)
	application := core.NewApp(appCtx)
	if err := application.LoadModules([]string{storeID}); err != nil {
		return nil, nil, err
	}
	if err := application.Start(); err != nil {
		return nil, nil, err
	}

	backend, ok := core.Service[job.Backend](appCtx, engine.ServiceBackend)
	if !ok {
		application.Stop()
		return nil, nil, fmt.Errorf("app: module %s registered no job backend", storeID)
	}
	return backend, appCloser{application}, nil
}

type appCloser struct{ app *core.App }

func (c appCloser) Close() error {
	c.app.Stop()
	return nil
}
