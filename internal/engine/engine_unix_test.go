//go:build unix

package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/job/jobtest"
	"github.com/flemzord/cronkeep/internal/security"
	"github.com/flemzord/cronkeep/internal/store/memory"
	"github.com/flemzord/cronkeep/internal/telemetry"
)

func TestEngine_ShellRunsAreRecorded(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(jobtest.Base)
	store := memory.New(memory.WithClock(clock))
	e, err := engine.New(engine.Options{
		Store:    store,
		Ledger:   store,
		Executor: &engine.ShellExecutor{Env: []string{"PATH=/usr/bin:/bin"}},
		Config:   engine.Config{Timezone: "UTC"},
		Clock:    clock,
		Logger:   discard,
		Metrics:  telemetry.NewMetrics(),
		Redactor: security.NewRedactor(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	def := jobtest.NewDefinition("greeter")
	def.Schedule = "*/5 * * * *"
	def.Command = "echo hi"
	def = jobtest.MustCreate(t, store, def)

	ctx := context.Background()
	listRuns := func() []job.RunRecord {
		t.Helper()
		runs, err := store.ListRuns(ctx, job.RunFilter{JobID: def.ID})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		return runs
	}

	for _, m := range []time.Duration{1, 2, 3, 4, 5} {
		if err := e.Tick(ctx, jobtest.Base.Add(m*time.Minute)); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		e.WaitIdle()
	}

	runs := listRuns()
	if len(runs) != 1 {
		t.Fatalf("runs after 5 minutes = %d, want 1", len(runs))
	}
	first := runs[0]
	if first.Outcome != job.OutcomeSucceeded {
		t.Fatalf("outcome = %s (error %q), want succeeded", first.Outcome, first.Error)
	}
	if got := strings.TrimSpace(first.Output); got != "hi" {
		t.Errorf("output = %q, want hi", first.Output)
	}
	if first.ExitCode == nil || *first.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", first.ExitCode)
	}
	if first.FinishedAt == nil {
		t.Error("finished run has no FinishedAt")
	}
	if !first.ScheduledFor.Equal(jobtest.Base.Add(5 * time.Minute)) {
		t.Errorf("scheduled for %v, want 10:05", first.ScheduledFor)
	}

	for _, m := range []time.Duration{6, 7, 8, 9, 10} {
		if err := e.Tick(ctx, jobtest.Base.Add(m*time.Minute)); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		e.WaitIdle()
	}

	runs = listRuns()
	if len(runs) != 2 {
		t.Fatalf("runs after 10 minutes = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Outcome != job.OutcomeSucceeded || strings.TrimSpace(r.Output) != "hi" {
			t.Errorf("run at %v = %s %q, want succeeded with output hi", r.ScheduledFor, r.Outcome, r.Output)
		}
	}
}
