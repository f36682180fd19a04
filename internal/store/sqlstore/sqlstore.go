// Package sqlstore implements job.Backend over database/sql through sqlx.
// The SQLite and PostgreSQL modules share it and differ only in their
// Dialect and migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/job"
)

// Dialect captures what differs between databases.
type Dialect struct {
	// Name prefixes error messages, e.g. "sqlite".
	Name string

	// LockJob is appended to the job lookup inside Begin to lock the row
	// for the rest of the transaction, e.g. " FOR UPDATE". SQLite leaves it
	// empty and relies on its single writer.
	LockJob string
}

// Compile-time interface check.
var _ job.Backend = (*Store)(nil)

// Store is a job.Backend over a migrated database. Queries use ? bind
// variables and are rebound for the driver.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	clock   clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps an open, migrated database.
func New(db *sqlx.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) q(query string) string { return s.db.Rebind(query) }

// fail maps driver errors to job.ErrStoreUnavailable and leaves domain
// errors untouched.
func (s *Store) fail(op string, err error) error {
	return job.Unavailable(s.dialect.Name+": "+op, err)
}

func (s *Store) notFound(what string, id any) error {
	return fmt.Errorf("%s: %s %v: %w", s.dialect.Name, what, id, job.ErrNotFound)
}

// Ping implements job.AdminStore.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

const jobColumns = `id, name, schedule, command, status, attachment_url, concurrent, timeout_ns, created_at, updated_at`

// ListJobs implements job.AdminStore.
func (s *Store) ListJobs(ctx context.Context) ([]job.Definition, error) {
	return s.selectJobs(ctx, "list jobs", `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
}

// ListActiveJobs implements job.Store.
func (s *Store) ListActiveJobs(ctx context.Context) ([]job.Definition, error) {
	return s.selectJobs(ctx, "list active jobs",
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id`, job.StatusActive)
}

func (s *Store) selectJobs(ctx context.Context, op, query string, args ...any) ([]job.Definition, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, s.fail(op, err)
	}
	out := make([]job.Definition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.definition())
	}
	return out, nil
}

// GetJob implements job.Store.
func (s *Store) GetJob(ctx context.Context, id job.ID) (job.Definition, error) {
	return s.getJob(ctx, s.db, id, "")
}

func (s *Store) getJob(ctx context.Context, q sqlx.QueryerContext, id job.ID, lock string) (job.Definition, error) {
	var r jobRow
	err := sqlx.GetContext(ctx, q, &r, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+lock), id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Definition{}, s.notFound("job", id)
	}
	if err != nil {
		return job.Definition{}, s.fail("get job", err)
	}
	return r.definition(), nil
}

// CreateJob implements job.AdminStore.
func (s *Store) CreateJob(ctx context.Context, def job.Definition) (job.Definition, error) {
	if err := def.Validate(); err != nil {
		return job.Definition{}, err
	}

	now := s.clock.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	var id int64
	err := s.db.GetContext(ctx, &id, s.q(`
		INSERT INTO jobs (name, schedule, command, status, attachment_url, concurrent, timeout_ns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		def.Name, def.Schedule, def.Command, def.Status, def.AttachmentURL,
		def.Concurrent, int64(def.Timeout), dbTime(now), dbTime(now),
	)
	if err != nil {
		return job.Definition{}, s.fail("create job", err)
	}
	def.ID = job.ID(id)
	return def, nil
}

// UpdateJob implements job.AdminStore.
func (s *Store) UpdateJob(ctx context.Context, def job.Definition) (job.Definition, error) {
	if err := def.Validate(); err != nil {
		return job.Definition{}, err
	}

	var updated job.Definition
	err := s.inTx(ctx, "update job", func(tx *sqlx.Tx) error {
		prev, err := s.getJob(ctx, tx, def.ID, "")
		if err != nil {
			return err
		}
		def.CreatedAt = prev.CreatedAt
		def.UpdatedAt = s.clock.Now().UTC()
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET name = ?, schedule = ?, command = ?, status = ?, attachment_url = ?,
				concurrent = ?, timeout_ns = ?, updated_at = ?
			WHERE id = ?`),
			def.Name, def.Schedule, def.Command, def.Status, def.AttachmentURL,
			def.Concurrent, int64(def.Timeout), dbTime(def.UpdatedAt), def.ID,
		)
		updated = def
		return err
	})
	return updated, err
}

// RecordStatusChange implements job.Store.
func (s *Store) RecordStatusChange(ctx context.Context, id job.ID, status job.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%s: %w: %q", s.dialect.Name, job.ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`),
		status, dbTime(s.clock.Now().UTC()), id)
	if err != nil {
		return s.fail("record status change", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.notFound("job", id)
	}
	return nil
}

// DeleteJob implements job.AdminStore.
func (s *Store) DeleteJob(ctx context.Context, id job.ID) error {
	return s.inTx(ctx, "delete job", func(tx *sqlx.Tx) error {
		if _, err := s.getJob(ctx, tx, id, s.dialect.LockJob); err != nil {
			return err
		}
		var running int
		if err := tx.GetContext(ctx, &running, s.q(`SELECT COUNT(*) FROM runs WHERE job_id = ? AND outcome = ?`),
			id, job.OutcomeRunning); err != nil {
			return err
		}
		if running > 0 {
			return fmt.Errorf("%s: delete job %d: %w", s.dialect.Name, id, job.ErrJobBusy)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM runs WHERE job_id = ?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id)
		return err
	})
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.fail(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(op, err)
	}
	return nil
}

// Begin implements job.Ledger. The job row is locked (or the single SQLite
// writer held) for the duration of the check and the insert.
func (s *Store) Begin(ctx context.Context, def job.Definition, dueAt time.Time) (job.RunRecord, error) {
	rec := job.RunRecord{
		ID:            uuid.NewString(),
		JobID:         def.ID,
		ScheduledFor:  dueAt.UTC(),
		StartedAt:     s.clock.Now().UTC(),
		Outcome:       job.OutcomeRunning,
		AttachmentURL: def.AttachmentURL,
	}

	err := s.inTx(ctx, "begin run", func(tx *sqlx.Tx) error {
		if _, err := s.getJob(ctx, tx, def.ID, s.dialect.LockJob); err != nil {
			return err
		}
		if err := s.checkOccurrence(ctx, tx, def.ID, dueAt); err != nil {
			return err
		}
		if !def.Concurrent {
			var running int
			if err := tx.GetContext(ctx, &running, s.q(`SELECT COUNT(*) FROM runs WHERE job_id = ? AND outcome = ?`),
				def.ID, job.OutcomeRunning); err != nil {
				return err
			}
			if running > 0 {
				return fmt.Errorf("%s: job %d: %w", s.dialect.Name, def.ID, job.ErrAlreadyRunning)
			}
		}
		return s.insertRun(ctx, tx, rec, def.Concurrent)
	})
	if err != nil {
		return job.RunRecord{}, err
	}
	return rec, nil
}

func (s *Store) checkOccurrence(ctx context.Context, tx *sqlx.Tx, id job.ID, dueAt time.Time) error {
	var n int
	if err := tx.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM runs WHERE job_id = ? AND scheduled_for = ?`),
		id, dbTime(dueAt)); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%s: job %d at %s: %w", s.dialect.Name, id, dueAt.UTC().Format(time.RFC3339), job.ErrDuplicateOccurrence)
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, tx *sqlx.Tx, rec job.RunRecord, concurrent bool) error {
	row := newRunRow(rec)
	row.Concurrent = concurrent
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, job_id, scheduled_for, started_at, finished_at, outcome, exit_code, output, error, attachment_url, concurrent)
		VALUES (:id, :job_id, :scheduled_for, :started_at, :finished_at, :outcome, :exit_code, :output, :error, :attachment_url, :concurrent)`,
		row)
	return err
}

// Complete implements job.Ledger.
func (s *Store) Complete(ctx context.Context, runID string, res job.Result) (job.RunRecord, error) {
	finished := res.FinishedAt
	if finished.IsZero() {
		finished = s.clock.Now()
	}
	finished = finished.UTC()

	var done job.RunRecord
	err := s.inTx(ctx, "complete run", func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE runs SET outcome = ?, exit_code = ?, output = ?, error = ?, finished_at = ?
			WHERE id = ? AND outcome = ?`),
			res.Outcome, nullInt(res.ExitCode), res.Output, res.Error, dbTime(finished),
			runID, job.OutcomeRunning,
		)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%s: run %s not running: %w", s.dialect.Name, runID, job.ErrNotFound)
		}

		var r runRow
		if err := tx.GetContext(ctx, &r, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), runID); err != nil {
			return err
		}
		done = r.record()
		return nil
	})
	return done, err
}

// RecordSkipped implements job.Ledger.
func (s *Store) RecordSkipped(ctx context.Context, def job.Definition, dueAt time.Time, reason string) (job.RunRecord, error) {
	now := s.clock.Now().UTC()
	rec := job.RunRecord{
		ID:            uuid.NewString(),
		JobID:         def.ID,
		ScheduledFor:  dueAt.UTC(),
		StartedAt:     now,
		FinishedAt:    &now,
		Outcome:       job.OutcomeSkipped,
		Error:         reason,
		AttachmentURL: def.AttachmentURL,
	}

	err := s.inTx(ctx, "record skipped run", func(tx *sqlx.Tx) error {
		if err := s.checkOccurrence(ctx, tx, def.ID, dueAt); err != nil {
			return err
		}
		return s.insertRun(ctx, tx, rec, def.Concurrent)
	})
	if err != nil {
		return job.RunRecord{}, err
	}
	return rec, nil
}

// Reconcile implements job.Ledger.
func (s *Store) Reconcile(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET outcome = ?, error = ?, finished_at = ? WHERE outcome = ?`),
		job.OutcomeFailed, job.OrphanedError, dbTime(now.UTC()), job.OutcomeRunning)
	if err != nil {
		return 0, s.fail("reconcile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail("reconcile", err)
	}
	return int(n), nil
}

const runColumns = `id, job_id, scheduled_for, started_at, finished_at, outcome, exit_code, output, error, attachment_url, concurrent`

// ListRuns implements job.Ledger.
func (s *Store) ListRuns(ctx context.Context, filter job.RunFilter) ([]job.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if filter.JobID != 0 {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if len(filter.Outcomes) > 0 {
		query += ` AND outcome IN (?)`
		args = append(args, filter.Outcomes)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, filter.EffectiveLimit())

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, s.fail("list runs", err)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, s.fail("list runs", err)
	}
	out := make([]job.RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

const watermarkKey = "watermark"

// Watermark implements job.Ledger.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	var v nullTime
	err := s.db.GetContext(ctx, &v, s.q(`SELECT value FROM meta WHERE key = ?`), watermarkKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, s.fail("read watermark", err)
	}
	return v.Time, nil
}

// SaveWatermark implements job.Ledger.
func (s *Store) SaveWatermark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		watermarkKey, dbTime(t.UTC()).String())
	if err != nil {
		return s.fail("save watermark", err)
	}
	return nil
}
