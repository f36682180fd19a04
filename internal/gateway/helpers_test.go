package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/job/jobtest"
	"github.com/flemzord/cronkeep/internal/store/memory"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// newTestGateway returns a gateway wired to an in-memory store, without a
// listener. Requests go through serve.
func newTestGateway(t *testing.T, backend job.Backend) *Gateway {
	t.Helper()
	if backend == nil {
		backend = memory.New(memory.WithClock(clockwork.NewFakeClockAt(jobtest.Base)))
	}
	g := &Gateway{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		validate:  newValidator(),
		startedAt: time.Now(),
		backend:   backend,
		feed:      engine.NewFeed(),
		metrics:   telemetry.NewMetrics(),
	}
	g.config.defaults()
	return g
}

// serve runs one request through the router and returns the recorder.
func serve(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	g.buildRouter().ServeHTTP(rr, req)
	return rr
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, code, rr.Body.String())
	}
}

// downBackend wraps a store and fails every call while down is set.
type downBackend struct {
	*memory.Store
	down atomic.Bool
}

func (d *downBackend) err(op string) error {
	return job.Unavailable(op, errors.New("connection refused"))
}

func (d *downBackend) Ping(ctx context.Context) error {
	if d.down.Load() {
		return d.err("down: ping")
	}
	return d.Store.Ping(ctx)
}

func (d *downBackend) ListJobs(ctx context.Context) ([]job.Definition, error) {
	if d.down.Load() {
		return nil, d.err("down: list jobs")
	}
	return d.Store.ListJobs(ctx)
}

// doGet makes a GET request with context.
func doGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
