// Package memory implements job.Backend with mutex-guarded maps. It backs
// the test suites and "cronkeep start" when no database module is
// configured; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/job"
)

// Compile-time interface check.
var _ job.Backend = (*Store)(nil)

// Store is a thread-safe, in-memory job.Backend.
type Store struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	nextID    job.ID
	jobs      map[job.ID]job.Definition
	runs      []job.RunRecord // insertion order
	runIndex  map[string]int  // run id → index in runs
	watermark time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:    clockwork.NewRealClock(),
		jobs:     make(map[job.ID]job.Definition),
		runIndex: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping implements job.AdminStore.
func (s *Store) Ping(context.Context) error { return nil }

// ListJobs implements job.AdminStore.
func (s *Store) ListJobs(context.Context) ([]job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedJobs(func(job.Definition) bool { return true }), nil
}

// ListActiveJobs implements job.Store.
func (s *Store) ListActiveJobs(context.Context) ([]job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedJobs(func(d job.Definition) bool { return d.Status == job.StatusActive }), nil
}

func (s *Store) sortedJobs(keep func(job.Definition) bool) []job.Definition {
	out := make([]job.Definition, 0, len(s.jobs))
	for _, d := range s.jobs {
		if keep(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b job.Definition) int { return int(a.ID - b.ID) })
	return out
}

// GetJob implements job.Store.
func (s *Store) GetJob(_ context.Context, id job.ID) (job.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.jobs[id]
	if !ok {
		return job.Definition{}, fmt.Errorf("memory: job %d: %w", id, job.ErrNotFound)
	}
	return d, nil
}

// CreateJob implements job.AdminStore.
func (s *Store) CreateJob(_ context.Context, def job.Definition) (job.Definition, error) {
	if err := def.Validate(); err != nil {
		return job.Definition{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.clock.Now().UTC()
	def.ID = s.nextID
	def.CreatedAt = now
	def.UpdatedAt = now
	s.jobs[def.ID] = def
	return def, nil
}

// UpdateJob implements job.AdminStore.
func (s *Store) UpdateJob(_ context.Context, def job.Definition) (job.Definition, error) {
	if err := def.Validate(); err != nil {
		return job.Definition{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[def.ID]
	if !ok {
		return job.Definition{}, fmt.Errorf("memory: job %d: %w", def.ID, job.ErrNotFound)
	}
	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = s.clock.Now().UTC()
	s.jobs[def.ID] = def
	return def, nil
}

// RecordStatusChange implements job.Store.
func (s *Store) RecordStatusChange(_ context.Context, id job.ID, status job.Status) error {
	if !status.Valid() {
		return fmt.Errorf("memory: %w: %q", job.ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("memory: job %d: %w", id, job.ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = s.clock.Now().UTC()
	s.jobs[id] = d
	return nil
}

// DeleteJob implements job.AdminStore.
func (s *Store) DeleteJob(_ context.Context, id job.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("memory: job %d: %w", id, job.ErrNotFound)
	}
	for i := range s.runs {
		if s.runs[i].JobID == id && s.runs[i].Outcome == job.OutcomeRunning {
			return fmt.Errorf("memory: delete job %d: %w", id, job.ErrJobBusy)
		}
	}

	delete(s.jobs, id)
	kept := s.runs[:0]
	for _, r := range s.runs {
		if r.JobID != id {
			kept = append(kept, r)
		}
	}
	s.runs = kept
	s.reindex()
	return nil
}

func (s *Store) reindex() {
	clear(s.runIndex)
	for i := range s.runs {
		s.runIndex[s.runs[i].ID] = i
	}
}

// Begin implements job.Ledger. The check and the insert happen under one
// lock, so two callers can never both start a non-concurrent job.
func (s *Store) Begin(_ context.Context, def job.Definition, dueAt time.Time) (job.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.runs {
		r := &s.runs[i]
		if r.JobID != def.ID {
			continue
		}
		if r.ScheduledFor.Equal(dueAt) {
			return job.RunRecord{}, fmt.Errorf("memory: job %d at %s: %w", def.ID, dueAt.Format(time.RFC3339), job.ErrDuplicateOccurrence)
		}
	}
	if !def.Concurrent {
		for i := range s.runs {
			if s.runs[i].JobID == def.ID && s.runs[i].Outcome == job.OutcomeRunning {
				return job.RunRecord{}, fmt.Errorf("memory: job %d: %w", def.ID, job.ErrAlreadyRunning)
			}
		}
	}

	rec := job.RunRecord{
		ID:            uuid.NewString(),
		JobID:         def.ID,
		ScheduledFor:  dueAt,
		StartedAt:     s.clock.Now().UTC(),
		Outcome:       job.OutcomeRunning,
		AttachmentURL: def.AttachmentURL,
	}
	s.append(rec)
	return rec, nil
}

func (s *Store) append(rec job.RunRecord) {
	s.runIndex[rec.ID] = len(s.runs)
	s.runs = append(s.runs, rec)
}

// Complete implements job.Ledger.
func (s *Store) Complete(_ context.Context, runID string, res job.Result) (job.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.runIndex[runID]
	if !ok || s.runs[idx].Outcome != job.OutcomeRunning {
		return job.RunRecord{}, fmt.Errorf("memory: run %s not running: %w", runID, job.ErrNotFound)
	}

	finished := res.FinishedAt
	if finished.IsZero() {
		finished = s.clock.Now().UTC()
	}
	r := &s.runs[idx]
	r.Outcome = res.Outcome
	r.ExitCode = res.ExitCode
	r.Output = res.Output
	r.Error = res.Error
	r.FinishedAt = &finished
	return *r, nil
}

// RecordSkipped implements job.Ledger.
func (s *Store) RecordSkipped(_ context.Context, def job.Definition, dueAt time.Time, reason string) (job.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.runs {
		if s.runs[i].JobID == def.ID && s.runs[i].ScheduledFor.Equal(dueAt) {
			return job.RunRecord{}, fmt.Errorf("memory: job %d at %s: %w", def.ID, dueAt.Format(time.RFC3339), job.ErrDuplicateOccurrence)
		}
	}

	now := s.clock.Now().UTC()
	rec := job.RunRecord{
		ID:            uuid.NewString(),
		JobID:         def.ID,
		ScheduledFor:  dueAt,
		StartedAt:     now,
		FinishedAt:    &now,
		Outcome:       job.OutcomeSkipped,
		Error:         reason,
		AttachmentURL: def.AttachmentURL,
	}
	s.append(rec)
	return rec, nil
}

// Reconcile implements job.Ledger.
func (s *Store) Reconcile(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.runs {
		r := &s.runs[i]
		if r.Outcome != job.OutcomeRunning {
			continue
		}
		finished := now
		r.Outcome = job.OutcomeFailed
		r.Error = job.OrphanedError
		r.FinishedAt = &finished
		n++
	}
	return n, nil
}

// ListRuns implements job.Ledger.
func (s *Store) ListRuns(_ context.Context, filter job.RunFilter) ([]job.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.EffectiveLimit()
	var out []job.RunRecord
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.runs[i]
		if filter.JobID != 0 && r.JobID != filter.JobID {
			continue
		}
		if !filter.Wants(r.Outcome) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Watermark implements job.Ledger.
func (s *Store) Watermark(context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, nil
}

// SaveWatermark implements job.Ledger.
func (s *Store) SaveWatermark(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = t
	return nil
}
