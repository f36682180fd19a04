// Package engine is the scheduler: it evaluates stored jobs every tick,
// records each due occurrence in the run ledger and executes it with a
// bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/security"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// Options wires an Engine.
type Options struct {
	Store    job.Store
	Ledger   job.Ledger
	Executor Executor

	// Config is defaulted and validated by New.
	Config Config

	// Optional collaborators.
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Feed     *Feed
	Redactor *security.Redactor
	Tracer   trace.Tracer
}

// Engine runs the scheduler loop.
type Engine struct {
	store    job.Store
	ledger   job.Ledger
	exec     Executor
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	feed     *Feed
	redactor *security.Redactor
	tracer   trace.Tracer
	loc      *time.Location
	cache    *ScheduleCache

	cfg atomic.Pointer[Config]
	sem *semaphore.Weighted

	// runCtx is the parent of every run; cancelRuns kills them at the end
	// of the shutdown grace period.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	inflight   inflightGroup
	disableMu  sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRun

	tickMu      sync.Mutex
	prev        time.Time
	failures    int
	nextAttempt time.Time

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New validates opts and returns an Engine whose first evaluation window
// starts now.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Executor == nil {
		return nil, errors.New("engine: store, ledger and executor are required")
	}

	cfg := opts.Config
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:    opts.Store,
		ledger:   opts.Ledger,
		exec:     opts.Executor,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		feed:     opts.Feed,
		redactor: opts.Redactor,
		tracer:   opts.Tracer,
		loc:      loc,
		cache:    NewScheduleCache(),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		pending:  make(map[string]*pendingRun),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	e.cfg.Store(&cfg)
	e.runCtx, e.cancelRuns = context.WithCancel(context.Background())
	e.prev = e.clock.Now().In(loc)
	return e, nil
}

func (e *Engine) settings() *Config { return e.cfg.Load() }

// Apply swaps in the settings that can change while running. Settings that
// only take effect on restart are reported and left untouched.
func (e *Engine) Apply(next Config) error {
	next.Defaults()
	if err := next.Validate(); err != nil {
		return err
	}
	cur := e.settings()
	if changed := cur.restartOnly(&next); len(changed) > 0 {
		e.logger.Warn("engine: settings require a restart to take effect", "settings", changed)
	}

	merged := *cur
	merged.DefaultTimeout = next.DefaultTimeout
	merged.OutputLimit = next.OutputLimit
	merged.MaxConsecutiveFailures = next.MaxConsecutiveFailures
	merged.ShutdownGrace = next.ShutdownGrace
	merged.BackoffMax = next.BackoffMax
	e.cfg.Store(&merged)
	return nil
}

// Run reconciles orphaned runs, establishes the first window and ticks
// until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer close(e.done)

	start := e.clock.Now()
	if err := e.reconcile(ctx); err != nil {
		return nil //nolint:nilerr // stopped before the store came up
	}
	e.initWindow(ctx, start)

	cfg := e.settings()
	ticker := e.clock.NewTicker(cfg.Tick)
	defer ticker.Stop()

	e.logger.Info("engine: scheduler started",
		"tick", cfg.Tick, "workers", cfg.Workers, "timezone", e.loc.String(), "catch_up", cfg.CatchUp)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		case <-ticker.Chan():
			now := e.clock.Now()
			if e.backingOff(now) {
				continue
			}
			_ = e.Tick(ctx, now)
		}
	}
}

// reconcile closes runs orphaned by a previous process, retrying with
// backoff while the store is unavailable.
func (e *Engine) reconcile(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		n, err := e.ledger.Reconcile(ctx, e.clock.Now().UTC())
		if err == nil {
			if n > 0 {
				e.logger.Warn("engine: marked orphaned runs as failed", "count", n)
			}
			return nil
		}

		cfg := e.settings()
		wait := backoff(cfg.Tick, cfg.BackoffMax, attempt)
		e.logger.Error("engine: reconcile failed, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return errors.New("engine: stopped")
		case <-e.clock.After(wait):
		}
	}
}

// initWindow sets the start of the first evaluation window.
func (e *Engine) initWindow(ctx context.Context, start time.Time) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.prev = start.In(e.loc)
	if !e.settings().CatchUp {
		return
	}

	wm, err := e.ledger.Watermark(ctx)
	switch {
	case err != nil:
		e.logger.Warn("engine: reading watermark failed, catch-up disabled for this start", "error", err)
	case wm.IsZero():
		e.logger.Info("engine: no watermark saved, nothing to catch up")
	case wm.Before(start):
		e.prev = wm.In(e.loc)
		e.logger.Info("engine: catching up missed occurrences", "since", e.prev)
	}
}

func (e *Engine) backingOff(now time.Time) bool {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return now.Before(e.nextAttempt)
}

// Tick evaluates the window (prev, now], begins every due occurrence and
// hands it to the worker pool. A store error aborts the tick without
// advancing the window and schedules the next attempt with backoff.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	now = now.In(e.loc)
	if !now.After(e.prev) {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, telemetry.SpanTick,
		trace.WithAttributes(
			attribute.String("cronkeep.window.start", e.prev.Format(time.RFC3339)),
			attribute.String("cronkeep.window.end", now.Format(time.RFC3339)),
		),
	)
	defer span.End()
	started := e.clock.Now()

	e.flushPending(ctx)
	dispatched, err := e.tick(ctx, now)
	if err != nil {
		e.failures++
		cfg := e.settings()
		wait := backoff(cfg.Tick, cfg.BackoffMax, e.failures)
		e.nextAttempt = now.Add(wait)
		e.metrics.RecordTick(telemetry.TickAborted, e.clock.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("engine: tick aborted",
			"error", err, "window_start", e.prev, "window_end", now, "failures", e.failures, "retry_in", wait)
		return err
	}

	e.prev = now
	e.failures = 0
	e.nextAttempt = time.Time{}
	e.metrics.RecordTick(telemetry.TickOK, e.clock.Since(started))
	span.SetAttributes(attribute.Int("cronkeep.tick.dispatched", dispatched))

	if err := e.ledger.SaveWatermark(ctx, now.UTC()); err != nil {
		e.logger.Warn("engine: saving watermark failed", "error", err)
	}
	return nil
}

func (e *Engine) tick(ctx context.Context, now time.Time) (int, error) {
	jobs, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: list active jobs: %w", err)
	}

	e.cache.Retain(jobs)
	res := Evaluate(jobs, e.prev, now, e.cache)

	for _, inv := range res.Invalid {
		e.logger.Warn("engine: active job has an invalid schedule", "job", inv.Job.Name, "schedule", inv.Job.Schedule, "error", inv.Err)
	}
	e.metrics.RecordParseErrors(len(res.Invalid))

	dispatched := 0
	for _, due := range res.Due {
		ok, err := e.begin(ctx, due)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// begin records the occurrence and dispatches it. It reports whether a run
// was dispatched; the error is non-nil only for store failures.
func (e *Engine) begin(ctx context.Context, due DueJob) (bool, error) {
	def := due.Job
	at := due.At.UTC()

	rec, err := e.ledger.Begin(ctx, def, at)
	switch {
	case err == nil:
		e.feed.Publish(Event{Type: EventRunStarted, At: e.clock.Now(), JobName: def.Name, Run: rec})
		e.dispatch(def, rec)
		return true, nil

	case errors.Is(err, job.ErrDuplicateOccurrence):
		e.logger.Debug("engine: occurrence already recorded", "job", def.Name, "scheduled_for", at)
		return false, nil

	case errors.Is(err, job.ErrAlreadyRunning):
		skipped, err := e.ledger.RecordSkipped(ctx, def, at, skippedOverlapMessage)
		if errors.Is(err, job.ErrDuplicateOccurrence) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("engine: record skipped run of %q: %w", def.Name, err)
		}
		e.metrics.RecordRun(string(job.OutcomeSkipped), 0)
		e.feed.Publish(Event{Type: EventRunSkipped, At: e.clock.Now(), JobName: def.Name, Run: skipped})
		e.logger.Warn("engine: job still running, occurrence skipped", "job", def.Name, "scheduled_for", at)
		return false, nil

	case errors.Is(err, job.ErrNotFound):
		// Deleted between listing and beginning.
		return false, nil

	default:
		return false, fmt.Errorf("engine: begin run of %q: %w", def.Name, err)
	}
}

// Stop halts ticking, waits for in-flight runs up to the shutdown grace
// period or until ctx is done, then cancels what is left and waits for
// those runs to be recorded.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.running.Load() {
		select {
		case <-e.done:
		case <-ctx.Done():
			e.cancelRuns()
			return ctx.Err()
		}
	}

	drained := e.inflight.wait()
	grace := e.settings().ShutdownGrace

	select {
	case <-drained:
		e.cancelRuns()
		e.finalFlush()
		e.logger.Info("engine: scheduler stopped")
		return nil
	case <-e.clock.After(grace):
		e.logger.Warn("engine: shutdown grace elapsed, cancelling in-flight runs", "grace", grace)
	case <-ctx.Done():
		e.logger.Warn("engine: shutdown deadline reached, cancelling in-flight runs")
	}

	e.cancelRuns()
	select {
	case <-drained:
		e.finalFlush()
		e.logger.Info("engine: scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Window returns the start of the next evaluation window.
func (e *Engine) Window() time.Time {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.prev
}

// Location returns the zone schedules are evaluated in.
func (e *Engine) Location() *time.Location { return e.loc }
