package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/internal/job/jobtest"
)

// dsnEnv names a disposable database used by the integration tests. Every
// subtest truncates it.
const dsnEnv = "CRONKEEP_TEST_POSTGRES_DSN"

func TestStore_Contract(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	jobtest.Run(t, func(t *testing.T) job.Backend {
		store, db, err := Open(context.Background(), Config{DSN: dsn})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if _, err := db.Exec(`TRUNCATE runs, jobs, meta RESTART IDENTITY CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestOpen_ReturnsMigrationConnection(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	store, db, err := Open(context.Background(), Config{DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// With a single pooled connection, any query blocks if the migration
	// run kept it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.ListJobs(ctx); err != nil {
		t.Fatalf("ListJobs after Open: %v", err)
	}
	if inUse := db.Stats().InUse; inUse != 0 {
		t.Errorf("connections in use after a query = %d, want 0", inUse)
	}
}

func TestConfig_Validate(t *testing.T) {
	var c Config
	c.defaults()
	err := c.validate()
	if err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Errorf("validate() = %v, want missing dsn", err)
	}

	c.DSN = "postgres://localhost/cronkeep"
	if err := c.validate(); err != nil {
		t.Errorf("validate() = %v", err)
	}
	if c.MaxOpenConns != defaultMaxOpenConns || c.ConnMaxLifetime != defaultConnMaxLifetime {
		t.Errorf("defaults = %+v", c)
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, _, err := Open(context.Background(), Config{}); err == nil {
		t.Error("Open without dsn succeeded")
	}
}
