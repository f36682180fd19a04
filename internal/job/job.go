// Package job defines the domain types shared by the scheduler engine, the
// storage backends and the administrative surfaces: job definitions, run
// records and the store and ledger boundaries.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flemzord/cronkeep/internal/cron"
)

// ID identifies a job definition.
type ID int64

// Status says whether a job is considered by the scheduler.
type Status string

// Job statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus converts s into a Status. Unknown values are rejected with
// ErrInvalidStatus.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Definition is a stored job.
type Definition struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Status   Status `json:"status"`

	// AttachmentURL points at an uploaded resource. It is opaque to the
	// scheduler and handed to the command untouched.
	AttachmentURL string `json:"attachment_url,omitempty"`

	// Concurrent allows overlapping runs of the same job.
	Concurrent bool `json:"concurrent"`

	// Timeout overrides the engine's default run timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the definition before it is saved. An active job must
// carry a schedule that parses; inactive jobs may keep an invalid one.
func (d *Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(d.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if !d.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status))
	}
	if d.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if d.Status == StatusActive {
		if _, err := cron.Parse(d.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

// Outcome is the state of one run.
type Outcome string

// Run outcomes. Only OutcomeRunning is non-terminal.
const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool { return o != OutcomeRunning }

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRunning, OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut, OutcomeSkipped:
		return true
	}
	return false
}

// RunRecord is one entry of the run ledger.
type RunRecord struct {
	ID            string     `json:"id"`
	JobID         ID         `json:"job_id"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	AttachmentURL string     `json:"attachment_url,omitempty"`
}

// Result is the terminal state written by Ledger.Complete.
type Result struct {
	Outcome    Outcome
	ExitCode   *int
	Output     string
	Error      string
	FinishedAt time.Time
}

// RunFilter narrows Ledger.ListRuns. Runs are returned in reverse insertion
// order, newest first.
type RunFilter struct {
	// JobID restricts the listing to one job when non-zero.
	JobID ID

	// Outcomes restricts the listing to the given outcomes when non-empty.
	Outcomes []Outcome

	// Limit caps the number of records. Zero means DefaultRunLimit.
	Limit int
}

// DefaultRunLimit is used when RunFilter.Limit is zero.
const DefaultRunLimit = 50

// EffectiveLimit returns the limit to apply.
func (f RunFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultRunLimit
	}
	return f.Limit
}

// Wants reports whether o passes the outcome filter.
func (f RunFilter) Wants(o Outcome) bool {
	if len(f.Outcomes) == 0 {
		return true
	}
	for _, want := range f.Outcomes {
		if want == o {
			return true
		}
	}
	return false
}
