// Package jobtest provides a contract test suite shared by every job.Backend
// implementation.
package jobtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
)

// Opener returns a fresh, empty backend for one subtest.
type Opener func(t *testing.T) job.Backend

// Run executes the contract suite against the backends returned by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b job.Backend)
	}{
		{"CreateGetList", testCreateGetList},
		{"CreateInvalid", testCreateInvalid},
		{"GetMissing", testGetMissing},
		{"Update", testUpdate},
		{"StatusChange", testStatusChange},
		{"BeginNonConcurrent", testBeginNonConcurrent},
		{"BeginDuplicateOccurrence", testBeginDuplicate},
		{"BeginConcurrent", testBeginConcurrent},
		{"CompleteOnce", testCompleteOnce},
		{"RecordSkipped", testRecordSkipped},
		{"Reconcile", testReconcile},
		{"DeleteBusy", testDeleteBusy},
		{"ListRuns", testListRuns},
		{"Watermark", testWatermark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// Base is the instant the suite schedules occurrences from. It is whole
// seconds in UTC so every backend round-trips it exactly.
var Base = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

// NewDefinition returns a valid active definition.
func NewDefinition(name string) job.Definition {
	return job.Definition{
		Name:     name,
		Schedule: "*/5 * * * *",
		Command:  "echo " + name,
		Status:   job.StatusActive,
	}
}

// MustCreate inserts def and fails the test on error.
func MustCreate(t *testing.T, s job.AdminStore, def job.Definition) job.Definition {
	t.Helper()
	created, err := s.CreateJob(context.Background(), def)
	if err != nil {
		t.Fatalf("CreateJob(%q): %v", def.Name, err)
	}
	return created
}

// MustBegin starts a run and fails the test on error.
func MustBegin(t *testing.T, l job.Ledger, def job.Definition, at time.Time) job.RunRecord {
	t.Helper()
	rec, err := l.Begin(context.Background(), def, at)
	if err != nil {
		t.Fatalf("Begin(%q, %v): %v", def.Name, at, err)
	}
	return rec
}

func testCreateGetList(t *testing.T, b job.Backend) {
	ctx := context.Background()

	a := NewDefinition("alpha")
	a.AttachmentURL = "https://files.example.com/a.tar.gz"
	a.Timeout = 90 * time.Second
	created := MustCreate(t, b, a)
	if created.ID == 0 {
		t.Fatal("expected a non-zero ID")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	inactive := NewDefinition("beta")
	inactive.Status = job.StatusInactive
	inactive.Schedule = "not a schedule"
	MustCreate(t, b, inactive)

	got, err := b.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "alpha" || got.Command != "echo alpha" || got.Schedule != "*/5 * * * *" {
		t.Errorf("GetJob = %+v", got)
	}
	if got.AttachmentURL != a.AttachmentURL || got.Timeout != a.Timeout {
		t.Errorf("attachment/timeout not persisted: %+v", got)
	}

	all, err := b.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListJobs returned %d jobs, want 2", len(all))
	}

	active, err := b.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ListActiveJobs: %v", err)
	}
	if len(active) != 1 || active[0].ID != created.ID {
		t.Errorf("ListActiveJobs = %+v", active)
	}
}

func testCreateInvalid(t *testing.T, b job.Backend) {
	def := NewDefinition("bad")
	def.Schedule = "99 * * * *"
	if _, err := b.CreateJob(context.Background(), def); !errors.Is(err, job.ErrInvalidDefinition) {
		t.Fatalf("CreateJob error = %v, want ErrInvalidDefinition", err)
	}
}

func testGetMissing(t *testing.T, b job.Backend) {
	if _, err := b.GetJob(context.Background(), 4242); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("GetJob error = %v, want ErrNotFound", err)
	}
}

func testUpdate(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))

	def.Command = "echo updated"
	def.Concurrent = true
	updated, err := b.UpdateJob(ctx, def)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Command != "echo updated" || !updated.Concurrent {
		t.Errorf("UpdateJob = %+v", updated)
	}

	got, err := b.GetJob(ctx, def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != "echo updated" || !got.Concurrent {
		t.Errorf("update not persisted: %+v", got)
	}

	def.Schedule = "bogus"
	if _, err := b.UpdateJob(ctx, def); !errors.Is(err, job.ErrInvalidDefinition) {
		t.Errorf("UpdateJob with bad schedule error = %v", err)
	}

	missing := NewDefinition("ghost")
	missing.ID = 9999
	if _, err := b.UpdateJob(ctx, missing); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("UpdateJob missing error = %v, want ErrNotFound", err)
	}
}

func testStatusChange(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))

	if err := b.RecordStatusChange(ctx, def.ID, job.StatusInactive); err != nil {
		t.Fatalf("RecordStatusChange: %v", err)
	}
	got, err := b.GetJob(ctx, def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusInactive {
		t.Errorf("status = %q, want inactive", got.Status)
	}

	if err := b.RecordStatusChange(ctx, def.ID, "paused"); !errors.Is(err, job.ErrInvalidStatus) {
		t.Errorf("unknown status error = %v", err)
	}
	if err := b.RecordStatusChange(ctx, 9999, job.StatusActive); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("missing job error = %v", err)
	}
}

func testBeginNonConcurrent(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))

	rec := MustBegin(t, b, def, Base)
	if rec.ID == "" || rec.Outcome != job.OutcomeRunning || rec.JobID != def.ID {
		t.Errorf("Begin record = %+v", rec)
	}
	if !rec.ScheduledFor.Equal(Base) {
		t.Errorf("ScheduledFor = %v, want %v", rec.ScheduledFor, Base)
	}

	if _, err := b.Begin(ctx, def, Base.Add(5*time.Minute)); !errors.Is(err, job.ErrAlreadyRunning) {
		t.Fatalf("second Begin error = %v, want ErrAlreadyRunning", err)
	}

	if _, err := b.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded, FinishedAt: Base.Add(time.Minute)}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	MustBegin(t, b, def, Base.Add(5*time.Minute))
}

func testBeginDuplicate(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))

	rec := MustBegin(t, b, def, Base)
	if _, err := b.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded, FinishedAt: Base}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Begin(ctx, def, Base); !errors.Is(err, job.ErrDuplicateOccurrence) {
		t.Fatalf("Begin same occurrence error = %v, want ErrDuplicateOccurrence", err)
	}
}

func testBeginConcurrent(t *testing.T, b job.Backend) {
	def := NewDefinition("alpha")
	def.Concurrent = true
	def = MustCreate(t, b, def)

	first := MustBegin(t, b, def, Base)
	second := MustBegin(t, b, def, Base.Add(5*time.Minute))
	if first.ID == second.ID {
		t.Error("run IDs should differ")
	}
}

func testCompleteOnce(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))
	rec := MustBegin(t, b, def, Base)

	code := 3
	done, err := b.Complete(ctx, rec.ID, job.Result{
		Outcome:    job.OutcomeFailed,
		ExitCode:   &code,
		Output:     "boom\n",
		Error:      "exit status 3",
		FinishedAt: Base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Outcome != job.OutcomeFailed || done.ExitCode == nil || *done.ExitCode != 3 {
		t.Errorf("Complete record = %+v", done)
	}
	if done.FinishedAt == nil || !done.FinishedAt.Equal(Base.Add(time.Minute)) {
		t.Errorf("FinishedAt = %v", done.FinishedAt)
	}

	_, err = b.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded, FinishedAt: Base.Add(2 * time.Minute)})
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("second Complete error = %v, want ErrNotFound", err)
	}

	runs, err := b.ListRuns(ctx, job.RunFilter{JobID: def.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != job.OutcomeFailed || runs[0].Output != "boom\n" {
		t.Errorf("terminal record overwritten: %+v", runs)
	}

	if _, err := b.Complete(ctx, "no-such-run", job.Result{Outcome: job.OutcomeSucceeded}); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("unknown run error = %v", err)
	}
}

func testRecordSkipped(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))
	MustBegin(t, b, def, Base)

	skipped, err := b.RecordSkipped(ctx, def, Base.Add(5*time.Minute), "previous run still in progress")
	if err != nil {
		t.Fatalf("RecordSkipped: %v", err)
	}
	if skipped.Outcome != job.OutcomeSkipped || skipped.FinishedAt == nil {
		t.Errorf("skipped record = %+v", skipped)
	}
	if skipped.Error != "previous run still in progress" {
		t.Errorf("reason = %q", skipped.Error)
	}

	runs, err := b.ListRuns(ctx, job.RunFilter{JobID: def.ID, Outcomes: []job.Outcome{job.OutcomeSkipped}})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("ListRuns(skipped) returned %d records", len(runs))
	}
}

func testReconcile(t *testing.T, b job.Backend) {
	ctx := context.Background()
	a := MustCreate(t, b, NewDefinition("alpha"))
	c := MustCreate(t, b, NewDefinition("gamma"))
	MustBegin(t, b, a, Base)
	MustBegin(t, b, c, Base)

	now := Base.Add(time.Hour)
	n, err := b.Reconcile(ctx, now)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Errorf("Reconcile = %d, want 2", n)
	}

	runs, err := b.ListRuns(ctx, job.RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.Outcome != job.OutcomeFailed || r.Error != job.OrphanedError {
			t.Errorf("run %s = %s %q", r.ID, r.Outcome, r.Error)
		}
		if r.FinishedAt == nil || !r.FinishedAt.Equal(now) {
			t.Errorf("run %s FinishedAt = %v", r.ID, r.FinishedAt)
		}
	}

	n, err = b.Reconcile(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second Reconcile = %d, want 0", n)
	}

	// The job is free again.
	MustBegin(t, b, a, Base.Add(5*time.Minute))
}

func testDeleteBusy(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := MustCreate(t, b, NewDefinition("alpha"))
	rec := MustBegin(t, b, def, Base)

	if err := b.DeleteJob(ctx, def.ID); !errors.Is(err, job.ErrJobBusy) {
		t.Fatalf("DeleteJob while running error = %v, want ErrJobBusy", err)
	}

	if _, err := b.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded, FinishedAt: Base}); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteJob(ctx, def.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := b.GetJob(ctx, def.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("GetJob after delete error = %v", err)
	}
	runs, err := b.ListRuns(ctx, job.RunFilter{JobID: def.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("run history not deleted: %d records", len(runs))
	}
	if err := b.DeleteJob(ctx, def.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("second DeleteJob error = %v, want ErrNotFound", err)
	}
}

func testListRuns(t *testing.T, b job.Backend) {
	ctx := context.Background()
	def := NewDefinition("alpha")
	def.Concurrent = true
	def = MustCreate(t, b, def)
	other := MustCreate(t, b, NewDefinition("beta"))

	for i := range 4 {
		rec := MustBegin(t, b, def, Base.Add(time.Duration(i)*5*time.Minute))
		if _, err := b.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded, FinishedAt: Base}); err != nil {
			t.Fatal(err)
		}
	}
	MustBegin(t, b, other, Base)

	runs, err := b.ListRuns(ctx, job.RunFilter{JobID: def.ID, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("ListRuns returned %d records, want 3", len(runs))
	}
	if !runs[0].ScheduledFor.Equal(Base.Add(15 * time.Minute)) {
		t.Errorf("first record scheduled for %v, want newest first", runs[0].ScheduledFor)
	}

	all, err := b.ListRuns(ctx, job.RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("ListRuns(all) returned %d records, want 5", len(all))
	}

	running, err := b.ListRuns(ctx, job.RunFilter{Outcomes: []job.Outcome{job.OutcomeRunning}})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].JobID != other.ID {
		t.Errorf("ListRuns(running) = %+v", running)
	}
}

func testWatermark(t *testing.T, b job.Backend) {
	ctx := context.Background()

	wm, err := b.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("initial watermark = %v, want zero", wm)
	}

	for _, ts := range []time.Time{Base, Base.Add(30 * time.Second)} {
		if err := b.SaveWatermark(ctx, ts); err != nil {
			t.Fatalf("SaveWatermark: %v", err)
		}
		wm, err = b.Watermark(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !wm.Equal(ts) {
			t.Errorf("watermark = %v, want %v", wm, ts)
		}
	}
}
