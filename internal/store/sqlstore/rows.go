package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
)

// dbTime writes instants as RFC 3339 text in UTC. SQLite stores the text;
// PostgreSQL parses it into TIMESTAMPTZ.
type dbTime time.Time

// Value implements driver.Valuer.
func (t dbTime) Value() (driver.Value, error) { return t.String(), nil }

func (t dbTime) String() string { return time.Time(t).UTC().Format(time.RFC3339Nano) }

// nullTime scans TEXT and TIMESTAMPTZ columns alike.
type nullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = nullTime{}
		return nil
	case time.Time:
		*n = nullTime{Time: v.UTC(), Valid: true}
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into a time", src)
	}
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		*n = nullTime{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("sqlstore: parse time %q: %w", s, err)
	}
	*n = nullTime{Time: t.UTC(), Valid: true}
	return nil
}

// Value implements driver.Valuer.
func (n nullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return dbTime(n.Time).Value()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

type jobRow struct {
	ID            int64    `db:"id"`
	Name          string   `db:"name"`
	Schedule      string   `db:"schedule"`
	Command       string   `db:"command"`
	Status        string   `db:"status"`
	AttachmentURL string   `db:"attachment_url"`
	Concurrent    bool     `db:"concurrent"`
	TimeoutNS     int64    `db:"timeout_ns"`
	CreatedAt     nullTime `db:"created_at"`
	UpdatedAt     nullTime `db:"updated_at"`
}

func (r jobRow) definition() job.Definition {
	return job.Definition{
		ID:            job.ID(r.ID),
		Name:          r.Name,
		Schedule:      r.Schedule,
		Command:       r.Command,
		Status:        job.Status(r.Status),
		AttachmentURL: r.AttachmentURL,
		Concurrent:    r.Concurrent,
		Timeout:       time.Duration(r.TimeoutNS),
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}
}

type runRow struct {
	ID            string        `db:"id"`
	JobID         int64         `db:"job_id"`
	ScheduledFor  nullTime      `db:"scheduled_for"`
	StartedAt     nullTime      `db:"started_at"`
	FinishedAt    nullTime      `db:"finished_at"`
	Outcome       string        `db:"outcome"`
	ExitCode      sql.NullInt64 `db:"exit_code"`
	Output        string        `db:"output"`
	Error         string        `db:"error"`
	AttachmentURL string        `db:"attachment_url"`
	Concurrent    bool          `db:"concurrent"`
}

func newRunRow(rec job.RunRecord) runRow {
	r := runRow{
		ID:            rec.ID,
		JobID:         int64(rec.JobID),
		ScheduledFor:  nullTime{Time: rec.ScheduledFor, Valid: true},
		StartedAt:     nullTime{Time: rec.StartedAt, Valid: true},
		Outcome:       string(rec.Outcome),
		ExitCode:      nullInt(rec.ExitCode),
		Output:        rec.Output,
		Error:         rec.Error,
		AttachmentURL: rec.AttachmentURL,
	}
	if rec.FinishedAt != nil {
		r.FinishedAt = nullTime{Time: *rec.FinishedAt, Valid: true}
	}
	return r
}

func (r runRow) record() job.RunRecord {
	rec := job.RunRecord{
		ID:            r.ID,
		JobID:         job.ID(r.JobID),
		ScheduledFor:  r.ScheduledFor.Time,
		StartedAt:     r.StartedAt.Time,
		Outcome:       job.Outcome(r.Outcome),
		Output:        r.Output,
		Error:         r.Error,
		AttachmentURL: r.AttachmentURL,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		rec.FinishedAt = &t
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		rec.ExitCode = &code
	}
	return rec
}
