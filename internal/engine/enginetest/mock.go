// Package enginetest provides test doubles for the engine package.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/flemzord/cronkeep/internal/engine"
	"github.com/flemzord/cronkeep/internal/job"
)

// MockExecutor is a configurable test double for engine.Executor. Without
// an ExecFunc every run succeeds with exit code 0.
type MockExecutor struct {
	ExecFunc func(ctx context.Context, req engine.Request) engine.Result

	mu       sync.Mutex
	requests []engine.Request
}

// Compile-time interface check.
var _ engine.Executor = (*MockExecutor)(nil)

// Execute implements engine.Executor and records the request.
func (m *MockExecutor) Execute(ctx context.Context, req engine.Request) engine.Result {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, req)
	}
	code := 0
	return engine.Result{Outcome: job.OutcomeSucceeded, ExitCode: &code}
}

// CallCount returns the number of times Execute was called.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request seen so far.
func (m *MockExecutor) Requests() []engine.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Blocking returns an ExecFunc that waits until release is closed or ctx
// is done, reporting the latter the way ShellExecutor reports a shutdown.
// started receives each request as it begins.
func Blocking(release <-chan struct{}, started chan<- engine.Request) func(context.Context, engine.Request) engine.Result {
	return func(ctx context.Context, req engine.Request) engine.Result {
		if started != nil {
			started <- req
		}
		select {
		case <-release:
			code := 0
			return engine.Result{Outcome: job.OutcomeSucceeded, ExitCode: &code}
		case <-ctx.Done():
			return engine.Result{Outcome: job.OutcomeFailed, Err: errors.New(job.ShutdownError)}
		}
	}
}

// Failing returns an ExecFunc that exits with code.
func Failing(code int) func(context.Context, engine.Request) engine.Result {
	return func(context.Context, engine.Request) engine.Result {
		c := code
		return engine.Result{Outcome: job.OutcomeFailed, ExitCode: &c, Err: &job.ExecutionError{ExitCode: code}}
	}
}
