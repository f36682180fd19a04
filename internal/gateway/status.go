package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
)

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Uptime        int64 `json:"uptime_seconds"`
	Jobs          int   `json:"jobs"`
	ActiveJobs    int   `json:"active_jobs"`
	RunningRuns   int   `json:"running_runs"`
	StreamClients int   `json:"stream_clients"`
}

// handleStatus returns an http.HandlerFunc for GET /api/status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		jobs, err := g.backend.ListJobs(ctx)
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		running, err := g.backend.ListRuns(ctx, job.RunFilter{
			Outcomes: []job.Outcome{job.OutcomeRunning},
			Limit:    maxRunLimit,
		})
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}

		resp := StatusResponse{
			Uptime:        int64(time.Since(g.startedAt).Truncate(time.Second).Seconds()),
			Jobs:          len(jobs),
			RunningRuns:   len(running),
			StreamClients: g.feed.Subscribers(),
		}
		for _, d := range jobs {
			if d.Status == job.StatusActive {
				resp.ActiveJobs++
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
