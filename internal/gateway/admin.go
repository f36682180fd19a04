package gateway

import (
	"net/http"
	"regexp"
	"sort"

	"github.com/flemzord/cronkeep/internal/config"
	"github.com/flemzord/cronkeep/internal/core"
)

// moduleJSON is a serializable module info snapshot.
type moduleJSON struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// handleGetAllModules lists all compiled modules (for /api/modules).
func (g *Gateway) handleGetAllModules() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mods := core.GetModules()
		out := make([]moduleJSON, 0, len(mods))
		for _, m := range mods {
			out = append(out, moduleJSON{
				ID:        string(m.ID),
				Namespace: m.ID.Namespace(),
				Name:      m.ID.Name(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// secretPattern matches YAML keys that likely contain secrets.
var secretPattern = regexp.MustCompile(`(?i)(secret|token|password|dsn|key)`)

// configJSON is the redacted view served by GET /api/config.
type configJSON struct {
	Version string         `json:"version"`
	Modules map[string]any `json:"modules"`
}

// handleGetConfig returns the config file as currently on disk, with
// secrets redacted.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.configPath == "" {
			writeError(w, http.StatusServiceUnavailable, "config path not set")
			return
		}

		cfg, err := config.Load(g.configPath)
		if err != nil {
			g.logger.Error("gateway: loading config failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load config")
			return
		}

		out := configJSON{Version: cfg.Version, Modules: make(map[string]any, len(cfg.Modules))}
		ids := make([]string, 0, len(cfg.Modules))
		for id := range cfg.Modules {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			node := cfg.Modules[id]
			var section any
			if err := node.Decode(&section); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to decode module "+id)
				return
			}
			if m, ok := section.(map[string]any); ok {
				redactSecrets(m)
			}
			out.Modules[id] = section
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// redactSecrets walks a map and replaces values whose keys match the secret pattern.
func redactSecrets(m map[string]any) {
	for k, v := range m {
		if secretPattern.MatchString(k) {
			if s, ok := v.(string); ok && s != "" {
				m[k] = "***REDACTED***"
			}
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			redactSecrets(val)
		case []any:
			for _, item := range val {
				if sub, ok := item.(map[string]any); ok {
					redactSecrets(sub)
				}
			}
		}
	}
}

// handleReloadConfig triggers a hot-reload of the configuration.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.configPath == "" || g.reloader == nil {
			writeError(w, http.StatusServiceUnavailable, "config reload not available")
			return
		}

		if err := g.reloader.HandleReload(r.Context(), g.configPath); err != nil {
			g.logger.Error("gateway: config reload failed", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
