package job

import (
	"context"
	"time"
)

// Store is what the scheduler needs from job persistence.
type Store interface {
	// ListActiveJobs returns every job whose status is active.
	ListActiveJobs(ctx context.Context) ([]Definition, error)

	// GetJob returns one job or ErrNotFound.
	GetJob(ctx context.Context, id ID) (Definition, error)

	// RecordStatusChange persists a new status for a job.
	RecordStatusChange(ctx context.Context, id ID, status Status) error
}

// AdminStore adds the operations used by the administrative surfaces.
type AdminStore interface {
	Store

	ListJobs(ctx context.Context) ([]Definition, error)

	// CreateJob validates and inserts def, returning it with ID and
	// timestamps filled in.
	CreateJob(ctx context.Context, def Definition) (Definition, error)

	// UpdateJob validates and replaces the job identified by def.ID.
	UpdateJob(ctx context.Context, def Definition) (Definition, error)

	// DeleteJob removes a job and its run history. It fails with
	// ErrJobBusy while a run of the job is in progress.
	DeleteJob(ctx context.Context, id ID) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Ledger records run attempts.
type Ledger interface {
	// Begin atomically checks and records the start of the occurrence of
	// def scheduled at dueAt. It returns ErrAlreadyRunning when def is not
	// concurrent and already has a running record, and
	// ErrDuplicateOccurrence when the occurrence was already recorded.
	Begin(ctx context.Context, def Definition, dueAt time.Time) (RunRecord, error)

	// Complete moves a running record to a terminal outcome. Completing a
	// record that is not running fails with ErrNotFound.
	Complete(ctx context.Context, runID string, res Result) (RunRecord, error)

	// RecordSkipped stores a terminal skipped record for an occurrence that
	// was not executed.
	RecordSkipped(ctx context.Context, def Definition, dueAt time.Time, reason string) (RunRecord, error)

	// Reconcile marks every running record as failed and returns how many
	// were changed. It is called once at startup.
	Reconcile(ctx context.Context, now time.Time) (int, error)

	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)

	// Watermark returns the last instant the scheduler finished evaluating,
	// or the zero time when none was saved.
	Watermark(ctx context.Context) (time.Time, error)
	SaveWatermark(ctx context.Context, t time.Time) error
}

// Backend is a store that also keeps the ledger. Every storage module
// provides one.
type Backend interface {
	AdminStore
	Ledger
}

// OrphanedError is the error recorded on runs closed by Reconcile.
const OrphanedError = "orphaned: scheduler restarted"

// ShutdownError is the error recorded on runs cancelled by shutdown.
const ShutdownError = "cancelled: scheduler shutting down"
