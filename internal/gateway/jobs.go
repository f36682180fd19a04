package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/flemzord/cronkeep/internal/job"
)

// maxBodyBytes caps request bodies on the job endpoints.
const maxBodyBytes = 1 << 20

// maxRunLimit caps ?limit= on run listings.
const maxRunLimit = 1000

// jobRequest is the body of POST /api/jobs and PUT /api/jobs/{id}. The
// schedule is checked by job.Definition.Validate so that inactive jobs may
// keep one that does not parse.
type jobRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	Schedule      string `json:"schedule" validate:"max=200"`
	Command       string `json:"command" validate:"required"`
	Status        string `json:"status" validate:"omitempty,oneof=active inactive"`
	AttachmentURL string `json:"attachment_url" validate:"omitempty,url"`
	Concurrent    bool   `json:"concurrent"`
	Timeout       string `json:"timeout" validate:"omitempty,duration"`
}

func (r jobRequest) definition() job.Definition {
	def := job.Definition{
		Name:          strings.TrimSpace(r.Name),
		Schedule:      strings.TrimSpace(r.Schedule),
		Command:       r.Command,
		Status:        job.Status(r.Status),
		AttachmentURL: r.AttachmentURL,
		Concurrent:    r.Concurrent,
	}
	if def.Status == "" {
		def.Status = job.StatusActive
	}
	if r.Timeout != "" {
		// Already checked by the duration validation.
		def.Timeout, _ = time.ParseDuration(r.Timeout)
	}
	return def
}

// statusRequest is the body of POST /api/jobs/{id}/status.
type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive"`
}

// newValidator returns a validator that knows the "duration" tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. It writes the
// error response itself and reports whether the handler may continue.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := g.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is not a valid %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// jobID parses the {id} URL parameter, writing 400 when it is malformed.
func jobID(w http.ResponseWriter, r *http.Request) (job.ID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id: "+raw)
		return 0, false
	}
	return job.ID(id), true
}

// runLimit parses ?limit=, defaulting to job.DefaultRunLimit.
func runLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return job.DefaultRunLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
		return 0, false
	}
	return min(n, maxRunLimit), true
}

// runOutcomes parses ?outcome=failed,timed_out.
func runOutcomes(w http.ResponseWriter, r *http.Request) ([]job.Outcome, bool) {
	raw := r.URL.Query().Get("outcome")
	if raw == "" {
		return nil, true
	}
	var out []job.Outcome
	for _, part := range strings.Split(raw, ",") {
		o := job.Outcome(strings.TrimSpace(part))
		if !o.Valid() {
			writeError(w, http.StatusBadRequest, "invalid outcome: "+string(o))
			return nil, false
		}
		out = append(out, o)
	}
	return out, true
}

func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := g.backend.ListJobs(r.Context())
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []job.Definition{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func (g *Gateway) handleCreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if !g.decodeBody(w, r, &req) {
			return
		}
		created, err := g.backend.CreateJob(r.Context(), req.definition())
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		g.logger.Info("gateway: job created", "job_id", created.ID, "job", created.Name)
		writeJSON(w, http.StatusCreated, created)
	}
}

func (g *Gateway) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		def, err := g.backend.GetJob(r.Context(), id)
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	}
}

func (g *Gateway) handleUpdateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		var req jobRequest
		if !g.decodeBody(w, r, &req) {
			return
		}
		def := req.definition()
		def.ID = id
		updated, err := g.backend.UpdateJob(r.Context(), def)
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		g.logger.Info("gateway: job updated", "job_id", id)
		writeJSON(w, http.StatusOK, updated)
	}
}

func (g *Gateway) handleDeleteJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := g.backend.DeleteJob(r.Context(), id); err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		g.logger.Info("gateway: job deleted", "job_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSetStatus activates or deactivates a job. Activation goes through
// UpdateJob so a schedule that does not parse is refused with 422.
func (g *Gateway) handleSetStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		var req statusRequest
		if !g.decodeBody(w, r, &req) {
			return
		}
		status, err := job.ParseStatus(req.Status)
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}

		ctx := r.Context()
		if status == job.StatusActive {
			def, err := g.backend.GetJob(ctx, id)
			if err != nil {
				g.writeStoreError(w, r, err)
				return
			}
			def.Status = status
			if _, err := g.backend.UpdateJob(ctx, def); err != nil {
				g.writeStoreError(w, r, err)
				return
			}
		} else if err := g.backend.RecordStatusChange(ctx, id, status); err != nil {
			g.writeStoreError(w, r, err)
			return
		}

		def, err := g.backend.GetJob(ctx, id)
		if err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		g.logger.Info("gateway: job status changed", "job_id", id, "status", status)
		writeJSON(w, http.StatusOK, def)
	}
}

func (g *Gateway) handleListJobRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if _, err := g.backend.GetJob(r.Context(), id); err != nil {
			g.writeStoreError(w, r, err)
			return
		}
		g.listRuns(w, r, id)
	}
}

func (g *Gateway) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.listRuns(w, r, 0)
	}
}

func (g *Gateway) listRuns(w http.ResponseWriter, r *http.Request, id job.ID) {
	limit, ok := runLimit(w, r)
	if !ok {
		return
	}
	outcomes, ok := runOutcomes(w, r)
	if !ok {
		return
	}
	runs, err := g.backend.ListRuns(r.Context(), job.RunFilter{JobID: id, Outcomes: outcomes, Limit: limit})
	if err != nil {
		g.writeStoreError(w, r, err)
		return
	}
	if runs == nil {
		runs = []job.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}
