package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/engine/enginetest"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/job/jobtest"
	"github.com/flemzord/cronkeep/internal/security"
	"github.com/flemzord/cronkeep/internal/store/memory"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	engine *engine.Engine
	store  *memory.Store
	clock  *clockwork.FakeClock
	exec   *enginetest.MockExecutor
	feed   *engine.Feed
}

func newHarness(t *testing.T, cfg engine.Config, backend job.Backend) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(jobtest.Base)
	store := memory.New(memory.WithClock(clock))
	if backend == nil {
		backend = store
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	h := &harness{
		store: store,
		clock: clock,
		exec:  &enginetest.MockExecutor{},
		feed:  engine.NewFeed(),
	}
	e, err := engine.New(engine.Options{
		Store:    backend,
		Ledger:   backend,
		Executor: h.exec,
		Config:   cfg,
		Clock:    clock,
		Logger:   discard,
		Metrics:  telemetry.NewMetrics(),
		Feed:     h.feed,
		Redactor: security.NewRedactor(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) tick(t *testing.T, at time.Time) {
	t.Helper()
	if err := h.engine.Tick(context.Background(), at); err != nil {
		t.Fatalf("Tick(%v): %v", at, err)
	}
}

func (h *harness) runs(t *testing.T, id job.ID) []job.RunRecord {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), job.RunFilter{JobID: id})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	return runs
}

func every(name, schedule string) job.Definition {
	def := jobtest.NewDefinition(name)
	def.Schedule = schedule
	return def
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := engine.New(engine.Options{}); err == nil {
		t.Fatal("expected error without store, ledger and executor")
	}

	store := memory.New()
	_, err := engine.New(engine.Options{
		Store:    store,
		Ledger:   store,
		Executor: &enginetest.MockExecutor{},
		Config:   engine.Config{Tick: 2 * time.Minute},
	})
	if err == nil {
		t.Fatal("expected error for a tick above one minute")
	}
}

func TestEngine_FiresDueOccurrences(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))

	h.tick(t, jobtest.Base.Add(4*time.Minute))
	h.engine.WaitIdle()
	if n := h.exec.CallCount(); n != 0 {
		t.Fatalf("runs before 10:05 = %d, want 0", n)
	}

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()
	h.tick(t, jobtest.Base.Add(5*time.Minute+30*time.Second))
	h.engine.WaitIdle()
	if n := h.exec.CallCount(); n != 1 {
		t.Fatalf("runs after 10:05 = %d, want 1", n)
	}

	h.tick(t, jobtest.Base.Add(10*time.Minute))
	h.engine.WaitIdle()

	runs := h.runs(t, def.ID)
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	wantAt := []time.Time{jobtest.Base.Add(10 * time.Minute), jobtest.Base.Add(5 * time.Minute)}
	for i, r := range runs {
		if r.Outcome != job.OutcomeSucceeded {
			t.Errorf("run %d outcome = %s, want succeeded", i, r.Outcome)
		}
		if !r.ScheduledFor.Equal(wantAt[i]) {
			t.Errorf("run %d scheduled_for = %v, want %v", i, r.ScheduledFor, wantAt[i])
		}
		if r.FinishedAt == nil {
			t.Errorf("run %d has no finished_at", i)
		}
	}

	req := h.exec.Requests()[0]
	if req.Job.ID != def.ID || req.RunID == "" {
		t.Errorf("request = %+v, want job %d with a run id", req, def.ID)
	}
	if req.Timeout != engine.DefaultTimeout {
		t.Errorf("timeout = %s, want default %s", req.Timeout, engine.DefaultTimeout)
	}
}

func TestEngine_IgnoresStaleTicks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.tick(t, jobtest.Base.Add(3*time.Minute))
	h.engine.WaitIdle()

	if n := h.exec.CallCount(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
	if w := h.engine.Window(); !w.Equal(jobtest.Base.Add(5 * time.Minute)) {
		t.Errorf("window = %v, want 10:05", w)
	}
}

func TestEngine_CoalescesMissedMinutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))

	h.tick(t, jobtest.Base.Add(17*time.Minute))
	h.engine.WaitIdle()

	runs := h.runs(t, def.ID)
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if want := jobtest.Base.Add(15 * time.Minute); !runs[0].ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", runs[0].ScheduledFor, want)
	}
}

func TestEngine_SkipsOverlappingRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	release := make(chan struct{})
	started := make(chan engine.Request, 4)
	h.exec.ExecFunc = enginetest.Blocking(release, started)

	def := jobtest.MustCreate(t, h.store, every("sync", "* * * * *"))
	events, unsubscribe := h.feed.Subscribe(8)
	defer unsubscribe()

	h.tick(t, jobtest.Base.Add(time.Minute))
	<-started
	h.tick(t, jobtest.Base.Add(2*time.Minute))

	close(release)
	h.engine.WaitIdle()

	runs := h.runs(t, def.ID)
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	skipped, done := runs[0], runs[1]
	if skipped.Outcome != job.OutcomeSkipped || skipped.Error != "previous run still in progress" {
		t.Errorf("second occurrence = %s %q, want skipped", skipped.Outcome, skipped.Error)
	}
	if done.Outcome != job.OutcomeSucceeded {
		t.Errorf("first occurrence = %s, want succeeded", done.Outcome)
	}
	if n := h.exec.CallCount(); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}

	var types []engine.EventType
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(5 * time.Second):
			t.Fatalf("events so far %v, want 3", types)
		}
	}
	want := map[engine.EventType]bool{engine.EventRunStarted: true, engine.EventRunSkipped: true, engine.EventRunFinished: true}
	for _, typ := range types {
		if !want[typ] {
			t.Errorf("unexpected event %s", typ)
		}
		delete(want, typ)
	}
}

func TestEngine_ConcurrentJobsOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{Workers: 2}, nil)
	release := make(chan struct{})
	started := make(chan engine.Request, 4)
	h.exec.ExecFunc = enginetest.Blocking(release, started)

	def := every("sync", "* * * * *")
	def.Concurrent = true
	def = jobtest.MustCreate(t, h.store, def)

	h.tick(t, jobtest.Base.Add(time.Minute))
	<-started
	h.tick(t, jobtest.Base.Add(2*time.Minute))
	<-started

	close(release)
	h.engine.WaitIdle()

	for _, r := range h.runs(t, def.ID) {
		if r.Outcome != job.OutcomeSucceeded {
			t.Errorf("run at %v = %s, want succeeded", r.ScheduledFor, r.Outcome)
		}
	}
}

func TestEngine_InvalidScheduleDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	ctx := context.Background()

	bad := every("bad", "99 * * * *")
	bad.Status = job.StatusInactive
	bad = jobtest.MustCreate(t, h.store, bad)
	if err := h.store.RecordStatusChange(ctx, bad.ID, job.StatusActive); err != nil {
		t.Fatalf("RecordStatusChange: %v", err)
	}
	good := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("good"))

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()

	if runs := h.runs(t, bad.ID); len(runs) != 0 {
		t.Errorf("invalid job has %d runs, want 0", len(runs))
	}
	if runs := h.runs(t, good.ID); len(runs) != 1 {
		t.Errorf("valid job has %d runs, want 1", len(runs))
	}
}

func TestEngine_UsesJobTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	def := jobtest.NewDefinition("short")
	def.Timeout = 5 * time.Second
	jobtest.MustCreate(t, h.store, def)

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()

	if got := h.exec.Requests()[0].Timeout; got != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", got)
	}
}

func TestEngine_RedactsOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	h.exec.ExecFunc = func(context.Context, engine.Request) engine.Result {
		code := 0
		return engine.Result{
			Outcome:  job.OutcomeSucceeded,
			ExitCode: &code,
			Output:   "connecting to postgres://app:hunter22@db/prod",
		}
	}
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("leaky"))

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()

	out := h.runs(t, def.ID)[0].Output
	if want := "connecting to postgres://app:" + security.RedactPlaceholder + "@db/prod"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

// flakyBackend fails its reads while down is set.
type flakyBackend struct {
	*memory.Store
	down atomic.Bool
}

func (f *flakyBackend) ListActiveJobs(ctx context.Context) ([]job.Definition, error) {
	if f.down.Load() {
		return nil, job.Unavailable("flaky: list active jobs", errors.New("connection refused"))
	}
	return f.Store.ListActiveJobs(ctx)
}

func (f *flakyBackend) Reconcile(ctx context.Context, now time.Time) (int, error) {
	if f.down.Load() {
		return 0, job.Unavailable("flaky: reconcile", errors.New("connection refused"))
	}
	return f.Store.Reconcile(ctx, now)
}

// refusingLedger fails Complete while refusals remain, or for every result
// carrying output when refuseOutput is set.
type refusingLedger struct {
	*memory.Store
	refusals     atomic.Int32
	refuseOutput bool
}

func (r *refusingLedger) Complete(ctx context.Context, runID string, res job.Result) (job.RunRecord, error) {
	if r.refusals.Add(-1) >= 0 || (r.refuseOutput && res.Output != "") {
		return job.RunRecord{}, job.Unavailable("refusing: complete", errors.New("connection reset"))
	}
	return r.Store.Complete(ctx, runID, res)
}

func runAt(t *testing.T, runs []job.RunRecord, at time.Time) job.RunRecord {
	t.Helper()
	for _, r := range runs {
		if r.ScheduledFor.Equal(at) {
			return r
		}
	}
	t.Fatalf("no run scheduled for %v in %+v", at, runs)
	return job.RunRecord{}
}

func TestEngine_RetriesRefusedCompletion(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(jobtest.Base)
	ledger := &refusingLedger{Store: memory.New(memory.WithClock(clock))}
	ledger.refusals.Store(1)
	h := newHarness(t, engine.Config{}, ledger)
	def := jobtest.MustCreate(t, ledger, every("minutely", "* * * * *"))

	h.tick(t, jobtest.Base.Add(time.Minute))
	h.engine.WaitIdle()
	if n := h.engine.PendingCompletions(); n != 1 {
		t.Fatalf("pending completions = %d, want 1", n)
	}

	for m := 2; m <= 5; m++ {
		h.tick(t, jobtest.Base.Add(time.Duration(m)*time.Minute))
		h.engine.WaitIdle()
	}

	runs, err := ledger.ListRuns(context.Background(), job.RunFilter{JobID: def.ID})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("got %d runs, want 5", len(runs))
	}
	for _, r := range runs {
		if r.Outcome != job.OutcomeSucceeded {
			t.Errorf("run at %v outcome = %s, want succeeded", r.ScheduledFor, r.Outcome)
		}
	}
	if n := h.exec.CallCount(); n != 5 {
		t.Errorf("executions = %d, want 5", n)
	}
	if n := h.engine.PendingCompletions(); n != 0 {
		t.Errorf("pending completions = %d, want 0", n)
	}
}

func TestEngine_DropsOutputTheLedgerKeepsRefusing(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(jobtest.Base)
	ledger := &refusingLedger{Store: memory.New(memory.WithClock(clock)), refuseOutput: true}
	h := newHarness(t, engine.Config{}, ledger)
	h.exec.ExecFunc = func(context.Context, engine.Request) engine.Result {
		code := 0
		return engine.Result{Outcome: job.OutcomeSucceeded, ExitCode: &code, Output: "hi\n"}
	}
	def := jobtest.MustCreate(t, ledger, every("chatty", "* * * * *"))

	for m := 1; m <= 4; m++ {
		h.tick(t, jobtest.Base.Add(time.Duration(m)*time.Minute))
		h.engine.WaitIdle()
	}

	runs, err := ledger.ListRuns(context.Background(), job.RunFilter{JobID: def.ID})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	first := runAt(t, runs, jobtest.Base.Add(time.Minute))
	if first.Outcome != job.OutcomeSucceeded {
		t.Fatalf("first run outcome = %s, want succeeded", first.Outcome)
	}
	if first.Output != "" || !strings.Contains(first.Error, "output dropped") {
		t.Errorf("first run output = %q, error = %q, want output dropped", first.Output, first.Error)
	}
	if r := runAt(t, runs, jobtest.Base.Add(2*time.Minute)); r.Outcome != job.OutcomeSkipped {
		t.Errorf("run at 10:02 outcome = %s, want skipped while the first run was open", r.Outcome)
	}
}

func TestEngine_StoresValidUTF8Output(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	h.exec.ExecFunc = func(context.Context, engine.Request) engine.Result {
		code := 1
		return engine.Result{
			Outcome:  job.OutcomeFailed,
			ExitCode: &code,
			Output:   "ok\x00\xff",
			Err:      errors.New("bad\x00byte"),
		}
	}
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("binary"))

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()

	r := h.runs(t, def.ID)[0]
	if r.Output != "ok\uFFFD" {
		t.Errorf("output = %q, want %q", r.Output, "ok\uFFFD")
	}
	if r.Error != "badbyte" {
		t.Errorf("error = %q, want %q", r.Error, "badbyte")
	}
}

func TestEngine_StoreUnavailableKeepsWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(jobtest.Base)
	flaky := &flakyBackend{Store: memory.New(memory.WithClock(clock))}
	h := newHarness(t, engine.Config{Tick: 30 * time.Second}, flaky)
	def := jobtest.MustCreate(t, flaky, jobtest.NewDefinition("backup"))

	flaky.down.Store(true)
	err := h.engine.Tick(context.Background(), jobtest.Base.Add(5*time.Minute))
	if !errors.Is(err, job.ErrStoreUnavailable) {
		t.Fatalf("Tick error = %v, want ErrStoreUnavailable", err)
	}
	if w := h.engine.Window(); !w.Equal(jobtest.Base) {
		t.Errorf("window advanced to %v on failure", w)
	}
	if next := h.engine.NextAttempt(); !next.Equal(jobtest.Base.Add(5*time.Minute + 30*time.Second)) {
		t.Errorf("next attempt = %v, want one tick later", next)
	}

	err = h.engine.Tick(context.Background(), jobtest.Base.Add(6*time.Minute))
	if err == nil {
		t.Fatal("second failing tick returned nil")
	}
	if next := h.engine.NextAttempt(); !next.Equal(jobtest.Base.Add(7 * time.Minute)) {
		t.Errorf("next attempt = %v, want doubled backoff", next)
	}

	flaky.down.Store(false)
	if err := h.engine.Tick(context.Background(), jobtest.Base.Add(11*time.Minute)); err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	h.engine.WaitIdle()

	runs, err := flaky.ListRuns(context.Background(), job.RunFilter{JobID: def.ID})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || !runs[0].ScheduledFor.Equal(jobtest.Base.Add(10*time.Minute)) {
		t.Fatalf("runs after recovery = %+v, want one at 10:10", runs)
	}
	if !h.engine.NextAttempt().IsZero() {
		t.Error("backoff not cleared after a successful tick")
	}
}

func TestEngine_DisablesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{MaxConsecutiveFailures: 2}, nil)
	h.exec.ExecFunc = enginetest.Failing(1)
	def := jobtest.MustCreate(t, h.store, every("broken", "* * * * *"))
	events, unsubscribe := h.feed.Subscribe(16)
	defer unsubscribe()

	h.tick(t, jobtest.Base.Add(time.Minute))
	h.engine.WaitIdle()

	got, err := h.store.GetJob(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusActive {
		t.Fatal("job disabled after a single failure")
	}

	h.tick(t, jobtest.Base.Add(2*time.Minute))
	h.engine.WaitIdle()

	got, err = h.store.GetJob(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusInactive {
		t.Fatalf("status = %s, want inactive", got.Status)
	}

	disabled := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == engine.EventJobDisabled && ev.JobName == "broken" {
			disabled = true
		}
	}
	if !disabled {
		t.Error("no job.disabled event published")
	}

	runs := h.runs(t, def.ID)
	if runs[0].ExitCode == nil || *runs[0].ExitCode != 1 {
		t.Errorf("exit code = %v, want 1", runs[0].ExitCode)
	}
}

func TestEngine_ApplyHotSettings(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))

	if err := h.engine.Apply(engine.Config{Tick: -time.Second}); err == nil {
		t.Fatal("Apply accepted an invalid config")
	}
	if err := h.engine.Apply(engine.Config{Timezone: "UTC", OutputLimit: 128, DefaultTimeout: time.Minute, Workers: 9}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	h.engine.WaitIdle()

	req := h.exec.Requests()[0]
	if req.OutputLimit != 128 || req.Timeout != time.Minute {
		t.Errorf("request limits = %d / %s, want 128 / 1m", req.OutputLimit, req.Timeout)
	}
}

func TestEngine_RunReconcilesOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))
	orphan := jobtest.MustBegin(t, h.store, def, jobtest.Base.Add(-5*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("loop never started: %v", err)
	}

	runs := h.runs(t, def.ID)
	if len(runs) != 1 || runs[0].ID != orphan.ID {
		t.Fatalf("runs = %+v, want the orphan only", runs)
	}
	if runs[0].Outcome != job.OutcomeFailed || runs[0].Error != job.OrphanedError {
		t.Errorf("orphan = %s %q, want failed %q", runs[0].Outcome, runs[0].Error, job.OrphanedError)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEngine_RunTicksOnClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{Tick: time.Minute}, nil)
	def := jobtest.MustCreate(t, h.store, every("minutely", "* * * * *"))
	events, unsubscribe := h.feed.Subscribe(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("loop never started: %v", err)
	}
	h.clock.Advance(time.Minute)

	waitFor(t, events, engine.EventRunFinished)
	runs := h.runs(t, def.ID)
	if len(runs) != 1 || !runs[0].ScheduledFor.Equal(jobtest.Base.Add(time.Minute)) {
		t.Fatalf("runs = %+v, want one at 10:01", runs)
	}

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEngine_CatchUpFromWatermark(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		catchUp bool
		want    time.Time
	}{
		{"enabled", true, jobtest.Base.Add(-time.Hour)},
		{"disabled", false, jobtest.Base},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, engine.Config{CatchUp: tc.catchUp}, nil)
			if err := h.store.SaveWatermark(context.Background(), jobtest.Base.Add(-time.Hour)); err != nil {
				t.Fatalf("SaveWatermark: %v", err)
			}
			def := jobtest.MustCreate(t, h.store, every("hourly", "30 * * * *"))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = h.engine.Run(ctx) }()

			waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer waitCancel()
			if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
				t.Fatalf("loop never started: %v", err)
			}
			if w := h.engine.Window(); !w.Equal(tc.want) {
				t.Fatalf("window = %v, want %v", w, tc.want)
			}

			if err := h.engine.Tick(ctx, jobtest.Base.Add(time.Minute)); err != nil {
				t.Fatalf("Tick: %v", err)
			}
			h.engine.WaitIdle()

			runs := h.runs(t, def.ID)
			if tc.catchUp {
				if len(runs) != 1 || !runs[0].ScheduledFor.Equal(jobtest.Base.Add(-30*time.Minute)) {
					t.Fatalf("runs = %+v, want the missed 09:30 occurrence", runs)
				}
			} else if len(runs) != 0 {
				t.Fatalf("runs = %+v, want none", runs)
			}

			wm, err := h.store.Watermark(context.Background())
			if err != nil {
				t.Fatalf("Watermark: %v", err)
			}
			if !wm.Equal(jobtest.Base.Add(time.Minute)) {
				t.Errorf("watermark = %v, want 10:01", wm)
			}
		})
	}
}

func TestEngine_StopCancelsAfterGrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{Workers: 1, ShutdownGrace: 10 * time.Second}, nil)
	started := make(chan engine.Request, 2)
	h.exec.ExecFunc = enginetest.Blocking(make(chan struct{}), started)

	running := jobtest.MustCreate(t, h.store, every("long", "* * * * *"))
	queued := jobtest.MustCreate(t, h.store, every("queued", "* * * * *"))

	h.tick(t, jobtest.Base.Add(time.Minute))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.engine.Stop(context.Background()) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("Stop never waited on the grace period: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the grace period")
	}

	for _, def := range []job.Definition{running, queued} {
		runs := h.runs(t, def.ID)
		if len(runs) != 1 {
			t.Fatalf("%s: got %d runs, want 1", def.Name, len(runs))
		}
		if runs[0].Outcome != job.OutcomeFailed || runs[0].Error != job.ShutdownError {
			t.Errorf("%s: run = %s %q, want failed %q", def.Name, runs[0].Outcome, runs[0].Error, job.ShutdownError)
		}
	}
	if n := h.exec.CallCount(); n != 1 {
		t.Errorf("executions = %d, want 1 (the queued run never starts)", n)
	}
}

func TestEngine_StopWaitsForRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{}, nil)
	release := make(chan struct{})
	started := make(chan engine.Request, 1)
	h.exec.ExecFunc = enginetest.Blocking(release, started)
	def := jobtest.MustCreate(t, h.store, jobtest.NewDefinition("backup"))

	h.tick(t, jobtest.Base.Add(5*time.Minute))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.engine.Stop(context.Background()) }()
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return once the run finished")
	}
	if runs := h.runs(t, def.ID); runs[0].Outcome != job.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", runs[0].Outcome)
	}
}

func waitFor(t *testing.T, events <-chan engine.Event, typ engine.EventType) engine.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return engine.Event{}
		}
	}
}
