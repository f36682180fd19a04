package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/job/jobtest"
	"github.com/flemzord/cronkeep/internal/store/sqlstore"
)

func openTestStore(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()

	store, db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")}, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	jobtest.Run(t, func(t *testing.T) job.Backend {
		return openTestStore(t)
	})
}

func TestStore_Timestamps(t *testing.T) {
	clock := clockwork.NewFakeClockAt(jobtest.Base)
	store := openTestStore(t, sqlstore.WithClock(clock))
	ctx := context.Background()

	def := jobtest.MustCreate(t, store, jobtest.NewDefinition("alpha"))
	got, err := store.GetJob(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.CreatedAt.Equal(jobtest.Base) || !got.UpdatedAt.Equal(jobtest.Base) {
		t.Errorf("timestamps = %v / %v, want %v", got.CreatedAt, got.UpdatedAt, jobtest.Base)
	}

	clock.Advance(time.Minute)
	rec := jobtest.MustBegin(t, store, def, jobtest.Base.Add(5*time.Minute))
	if !rec.StartedAt.Equal(jobtest.Base.Add(time.Minute)) {
		t.Errorf("StartedAt = %v", rec.StartedAt)
	}
	done, err := store.Complete(ctx, rec.ID, job.Result{Outcome: job.OutcomeSucceeded})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.FinishedAt == nil || !done.FinishedAt.Equal(jobtest.Base.Add(time.Minute)) {
		t.Errorf("FinishedAt defaulted to %v, want the clock", done.FinishedAt)
	}
}

func TestStore_BeginRace(t *testing.T) {
	store := openTestStore(t)
	def := jobtest.MustCreate(t, store, jobtest.NewDefinition("alpha"))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Begin(context.Background(), def, jobtest.Base.Add(time.Duration(i)*time.Minute))
			switch {
			case err == nil:
				mu.Lock()
				started++
				mu.Unlock()
			case errors.Is(err, job.ErrAlreadyRunning):
			default:
				t.Errorf("Begin: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if started != 1 {
		t.Fatalf("%d concurrent Begins succeeded, want exactly 1", started)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cronkeep.db")
	ctx := context.Background()

	store, db, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	def := jobtest.MustCreate(t, store, jobtest.NewDefinition("alpha"))
	jobtest.MustBegin(t, store, def, jobtest.Base)
	if err := store.SaveWatermark(ctx, jobtest.Base); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	_ = db.Close()

	store, db, err = Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()

	n, err := store.Reconcile(ctx, jobtest.Base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Reconcile = %d, %v; want the orphan from the first process", n, err)
	}
	wm, err := store.Watermark(ctx)
	if err != nil || !wm.Equal(jobtest.Base) {
		t.Errorf("Watermark = %v, %v", wm, err)
	}
	if _, err := store.GetJob(ctx, def.ID); err != nil {
		t.Errorf("GetJob after reopen: %v", err)
	}
}

func TestStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	store, db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = db.Close()

	if _, err := store.ListActiveJobs(context.Background()); !errors.Is(err, job.ErrStoreUnavailable) {
		t.Errorf("ListActiveJobs on closed db = %v, want ErrStoreUnavailable", err)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	_, db, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = db.Close()
}

func TestModule_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	m := &Module{}
	m.config.defaults()

	ctx := core.NewAppContext(slog.Default(), dir)
	if err := m.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.config.Path != filepath.Join(dir, defaultDBFile) {
		t.Errorf("default path = %q", m.config.Path)
	}

	backend, ok := core.Service[job.Backend](ctx, "job.backend")
	if !ok {
		t.Fatal("job.backend not registered")
	}
	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	c := Config{BusyTimeout: -1}
	if err := c.validate(); err == nil {
		t.Error("expected error for negative busy_timeout")
	}
	var d Config
	d.defaults()
	if !d.walEnabled() || d.BusyTimeout != defaultBusyTimeout {
		t.Errorf("defaults = %+v", d)
	}
}
