package gateway

import (
	"context"
	"net/http"
	"time"
)

// healthPingTimeout bounds the store ping behind GET /health.
const healthPingTimeout = 2 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string `json:"status"` // "ok" or "degraded"
	Error  string `json:"error,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the store answers a ping, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.backend == nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Error: "no job backend"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := g.backend.Ping(ctx); err != nil {
			g.logger.Warn("gateway: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}
