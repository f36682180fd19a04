package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flemzord/cronkeep/internal/job"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg} with the given status code.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeStoreError maps a store error onto an HTTP status. Unknown errors are
// logged and reported as 500 without leaking their text.
func (g *Gateway) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("gateway: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobBusy):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, job.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
