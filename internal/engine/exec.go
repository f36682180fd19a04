package engine

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
)

// Request describes one run for an Executor.
type Request struct {
	RunID        string
	Job          job.Definition
	ScheduledFor time.Time

	// Timeout bounds the run. It is always positive.
	Timeout time.Duration

	// OutputLimit is the number of trailing output bytes to keep.
	OutputLimit int
}

// Result is what an Executor reports back.
type Result struct {
	Outcome  job.Outcome
	ExitCode *int
	Output   string
	Err      error
}

// Executor runs one job. Execute must return once ctx is done; it reports
// every failure through the Result rather than panicking.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

const defaultWaitDelay = 5 * time.Second

// ShellExecutor runs commands through a shell in their own process group,
// so a timeout kills everything the command spawned.
type ShellExecutor struct {
	// Shell is invoked as `Shell -c command`. Defaults to /bin/sh.
	Shell string

	// Env is the base environment, already stripped of secrets.
	Env []string

	// WaitDelay bounds how long output pipes are drained after the
	// process group is killed.
	WaitDelay time.Duration
}

var _ Executor = (*ShellExecutor)(nil)

// Execute implements Executor.
func (e *ShellExecutor) Execute(parent context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(parent, req.Timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = DefaultShell
	}
	limit := req.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	cmd := exec.CommandContext(ctx, shell, "-c", req.Job.Command)
	cmd.Env = jobEnv(e.Env, req)
	out := newTailBuffer(limit)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	setProcessGroup(cmd)

	err := cmd.Run()
	res := Result{Output: out.String()}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			res.ExitCode = &code
		}
	}

	switch {
	case err == nil:
		res.Outcome = job.OutcomeSucceeded
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		res.Outcome = job.OutcomeTimedOut
		res.Err = &job.TimeoutError{Timeout: req.Timeout}
	case parent.Err() != nil:
		res.Outcome = job.OutcomeFailed
		res.Err = errors.New(job.ShutdownError)
	default:
		res.Outcome = job.OutcomeFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Err = &job.ExecutionError{ExitCode: exitErr.ExitCode()}
		} else {
			res.Err = &job.ExecutionError{ExitCode: -1, Err: err}
		}
	}
	return res
}

// jobEnv appends the job variables to base.
func jobEnv(base []string, req Request) []string {
	env := slices.Clip(slices.Clone(base))
	env = append(env,
		"JOB_ID="+strconv.FormatInt(int64(req.Job.ID), 10),
		"JOB_NAME="+req.Job.Name,
		"JOB_RUN_ID="+req.RunID,
		"JOB_SCHEDULED_FOR="+req.ScheduledFor.Format(time.RFC3339),
	)
	if req.Job.AttachmentURL != "" {
		env = append(env, "JOB_ATTACHMENT_URL="+req.Job.AttachmentURL)
	}
	return env
}
