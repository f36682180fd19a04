// Package gateway provides the administrative HTTP API: job management, run
// history, health, metrics and a live run stream. It binds to loopback by
// default and follows the module system pattern.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/reload"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// Service names resolved at Start, besides those the engine publishes.
const (
	ServiceReloader   = "reload.handler"
	ServiceConfigPath = "config.path"
)

func init() {
	core.RegisterModule(&Gateway{})
}

var (
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// Gateway is the HTTP gateway module. It is a leaf module: nothing imports it.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	validate  *validator.Validate
	startedAt time.Time

	// baseCtx parents every request; cancelling it ends open run streams,
	// which Shutdown does not track once hijacked.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// Resolved lazily at Start() via the service registry.
	backend    job.Backend
	feed       *engine.Feed
	metrics    *telemetry.Metrics
	reloader   *reload.Handler
	configPath string
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.validate = newValidator()
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return nil
}

// Start implements core.Starter. It resolves dependencies from the service
// registry (lazy binding) and starts the HTTP server.
func (g *Gateway) Start() error {
	g.resolveServices()
	if g.backend == nil {
		return errors.New("gateway: no job backend registered")
	}

	g.startedAt = time.Now()
	g.baseCtx, g.cancelBase = context.WithCancel(context.Background())

	g.server = &http.Server{
		Addr:              g.config.Bind,
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: g.config.ReadTimeout,
		ReadTimeout:       g.config.ReadTimeout,
		WriteTimeout:      g.config.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return g.baseCtx },
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		g.cancelBase()
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// resolveServices binds the optional collaborators. Missing ones degrade
// the matching endpoints instead of failing startup.
func (g *Gateway) resolveServices() {
	if g.appCtx == nil {
		return
	}
	if b, ok := core.Service[job.Backend](g.appCtx, engine.ServiceBackend); ok {
		g.backend = b
	}
	if f, ok := core.Service[*engine.Feed](g.appCtx, engine.ServiceFeed); ok {
		g.feed = f
	}
	if m, ok := core.Service[*telemetry.Metrics](g.appCtx, engine.ServiceMetrics); ok {
		g.metrics = m
	}
	if h, ok := core.Service[*reload.Handler](g.appCtx, ServiceReloader); ok {
		g.reloader = h
	}
	if p, ok := core.Service[string](g.appCtx, ServiceConfigPath); ok {
		g.configPath = p
	}
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	g.cancelBase()
	return g.server.Shutdown(shutdownCtx)
}
