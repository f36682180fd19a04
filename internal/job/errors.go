package job

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores, ledgers and the engine.
var (
	ErrNotFound            = errors.New("job: not found")
	ErrAlreadyRunning      = errors.New("job: already running")
	ErrDuplicateOccurrence = errors.New("job: occurrence already recorded")
	ErrJobBusy             = errors.New("job: run in progress")
	ErrStoreUnavailable    = errors.New("job: store unavailable")
	ErrInvalidStatus       = errors.New("job: invalid status")
	ErrInvalidDefinition   = errors.New("job: invalid definition")
)

// ExecutionError reports a command that could not be launched or exited
// with a non-zero status.
type ExecutionError struct {
	// ExitCode is -1 when the command never started.
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("launch failed: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports a run killed after exceeding its time limit.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.Timeout)
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
// It returns nil for a nil err and leaves domain errors untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		ErrNotFound, ErrAlreadyRunning, ErrDuplicateOccurrence,
		ErrJobBusy, ErrInvalidStatus, ErrInvalidDefinition, ErrStoreUnavailable,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
