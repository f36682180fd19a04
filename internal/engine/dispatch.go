package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

// completeTimeout bounds the ledger write that closes a run.
const completeTimeout = 30 * time.Second

// dispatch starts rec in the background and returns immediately. The run
// waits for a worker slot in FIFO order, executes, and is always completed
// in the ledger, even during shutdown.
func (e *Engine) dispatch(def job.Definition, rec job.RunRecord) {
	e.inflight.Add(1)
	e.metrics.RunQueued()

	go func() {
		defer e.inflight.Done()

		if err := e.sem.Acquire(e.runCtx, 1); err != nil {
			e.metrics.RunDequeued()
			e.complete(def, rec, Result{Outcome: job.OutcomeFailed, Err: errors.New(job.ShutdownError)}, time.Time{})
			return
		}
		defer e.sem.Release(1)

		e.metrics.RunStarted()
		started := e.clock.Now()
		res := e.execute(def, rec)
		e.metrics.RunFinished()
		e.complete(def, rec, res, started)
	}()
}

func (e *Engine) execute(def job.Definition, rec job.RunRecord) Result {
	cfg := e.settings()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	ctx, span := e.tracer.Start(e.runCtx, telemetry.SpanRun,
		trace.WithAttributes(
			attribute.Int64("cronkeep.job.id", int64(def.ID)),
			attribute.String("cronkeep.job.name", def.Name),
			attribute.String("cronkeep.run.id", rec.ID),
			attribute.String("cronkeep.run.scheduled_for", rec.ScheduledFor.Format(time.RFC3339)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	e.logger.Debug("engine: run started", "job", def.Name, "run", rec.ID, "scheduled_for", rec.ScheduledFor)

	res := e.exec.Execute(ctx, Request{
		RunID:        rec.ID,
		Job:          def,
		ScheduledFor: rec.ScheduledFor,
		Timeout:      timeout,
		OutputLimit:  cfg.OutputLimit,
	})

	span.SetAttributes(attribute.String("cronkeep.run.outcome", string(res.Outcome)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

// pendingFullAttempts is how many times a completion is retried with its
// output before the output is dropped from the record.
const pendingFullAttempts = 3

// pendingRun is a terminal outcome the ledger has not accepted yet. It is
// retried at the start of every tick so the run cannot stay running and
// block later occurrences of its job.
type pendingRun struct {
	def      job.Definition
	runID    string
	result   job.Result
	elapsed  time.Duration
	attempts int
}

// complete writes the terminal outcome with a context detached from
// shutdown cancellation. A failed write is queued for the next tick.
func (e *Engine) complete(def job.Definition, rec job.RunRecord, res Result, started time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.runCtx), completeTimeout)
	defer cancel()

	if !res.Outcome.Valid() || !res.Outcome.Terminal() {
		res.Outcome = job.OutcomeFailed
	}
	finished := e.clock.Now()
	p := &pendingRun{
		def:   def,
		runID: rec.ID,
		result: job.Result{
			Outcome:    res.Outcome,
			ExitCode:   res.ExitCode,
			Output:     storableText(e.redactor.Redact(res.Output)),
			FinishedAt: finished.UTC(),
		},
	}
	if res.Err != nil {
		p.result.Error = storableText(e.redactor.Redact(res.Err.Error()))
	}
	if !started.IsZero() {
		p.elapsed = finished.Sub(started)
	}

	if err := e.record(ctx, p); err != nil {
		e.logger.Error("engine: recording run outcome failed, will retry",
			"job", def.Name, "run", rec.ID, "outcome", res.Outcome, "error", err)
		e.pendingMu.Lock()
		e.pending[p.runID] = p
		e.pendingMu.Unlock()
	}
}

// record writes p to the ledger and reports the finished run.
func (e *Engine) record(ctx context.Context, p *pendingRun) error {
	p.attempts++
	done, err := e.ledger.Complete(ctx, p.runID, p.result)
	if err != nil {
		return err
	}

	e.metrics.RecordRun(string(done.Outcome), p.elapsed)
	e.feed.Publish(Event{Type: EventRunFinished, At: e.clock.Now(), JobName: p.def.Name, Run: done})

	level := e.logger.Info
	if done.Outcome != job.OutcomeSucceeded {
		level = e.logger.Warn
	}
	level("engine: run finished",
		"job", p.def.Name, "run", p.runID, "outcome", done.Outcome, "duration", p.elapsed, "error", p.result.Error)

	if done.Outcome == job.OutcomeFailed || done.Outcome == job.OutcomeTimedOut {
		e.checkFailures(ctx, p.def)
	}
	return nil
}

// flushPending retries the completions the ledger refused earlier. Runs the
// ledger no longer holds as running are dropped.
func (e *Engine) flushPending(ctx context.Context) {
	e.pendingMu.Lock()
	queued := make([]*pendingRun, 0, len(e.pending))
	for _, p := range e.pending {
		queued = append(queued, p)
	}
	e.pendingMu.Unlock()

	for _, p := range queued {
		if p.attempts >= pendingFullAttempts && p.result.Output != "" {
			p.result.Output = ""
			p.result.Error = strings.TrimPrefix(p.result.Error+"; "+droppedOutputMessage, "; ")
		}

		err := e.record(ctx, p)
		switch {
		case err == nil:
			e.logger.Info("engine: recorded delayed run outcome", "job", p.def.Name, "run", p.runID, "attempts", p.attempts)
		case errors.Is(err, job.ErrNotFound):
			e.logger.Warn("engine: delayed run outcome discarded, run already closed", "job", p.def.Name, "run", p.runID)
		default:
			e.logger.Error("engine: recording run outcome failed, will retry",
				"job", p.def.Name, "run", p.runID, "attempts", p.attempts, "error", err)
			continue
		}
		e.pendingMu.Lock()
		delete(e.pending, p.runID)
		e.pendingMu.Unlock()
	}
}

// finalFlush gives queued completions one last chance during shutdown.
// Whatever still fails is closed by Reconcile on the next start.
func (e *Engine) finalFlush() {
	if e.PendingCompletions() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	e.flushPending(ctx)
}

// PendingCompletions returns how many run outcomes wait to be recorded.
func (e *Engine) PendingCompletions() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// storableText makes s safe for every ledger: invalid UTF-8 left by output
// truncation is replaced and NUL bytes, which PostgreSQL TEXT rejects, are
// removed.
func storableText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// checkFailures disables def when its last runs all failed.
func (e *Engine) checkFailures(ctx context.Context, def job.Definition) {
	limit := e.settings().MaxConsecutiveFailures
	if limit <= 0 {
		return
	}

	runs, err := e.ledger.ListRuns(ctx, job.RunFilter{
		JobID:    def.ID,
		Limit:    limit,
		Outcomes: []job.Outcome{job.OutcomeSucceeded, job.OutcomeFailed, job.OutcomeTimedOut},
	})
	if err != nil {
		e.logger.Warn("engine: reading run history failed", "job", def.Name, "error", err)
		return
	}
	if len(runs) < limit {
		return
	}
	for _, r := range runs {
		if r.Outcome == job.OutcomeSucceeded {
			return
		}
	}

	e.disableMu.Lock()
	defer e.disableMu.Unlock()

	current, err := e.store.GetJob(ctx, def.ID)
	if err != nil || current.Status != job.StatusActive {
		return
	}
	if err := e.store.RecordStatusChange(ctx, def.ID, job.StatusInactive); err != nil {
		e.logger.Error("engine: disabling failing job failed", "job", def.Name, "error", err)
		return
	}
	e.logger.Warn("engine: job disabled after consecutive failures", "job", def.Name, "failures", limit)
	e.feed.Publish(Event{Type: EventJobDisabled, At: e.clock.Now(), JobName: def.Name, Run: runs[0]})
}

// inflightGroup is a WaitGroup that can also be waited on with a deadline.
type inflightGroup struct {
	sync.WaitGroup
}

// wait returns a channel closed once every run finished.
func (g *inflightGroup) wait() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	return done
}
