package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/flemzord/cronkeep/internal/job"
)

func mcpCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve job management tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, flags, func(_ context.Context, b job.Backend) error {
				return server.ServeStdio(newMCPServer(b))
			})
		},
	}
}

// mcpTools holds the tool handlers.
type mcpTools struct {
	backend job.Backend
}

func newMCPServer(b job.Backend) *server.MCPServer {
	t := &mcpTools{backend: b}
	s := server.NewMCPServer("cronkeep", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List every scheduled job with its schedule, command and status."),
	), t.listJobs)

	s.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recent runs from the ledger, newest first."),
		mcp.WithNumber("job_id", mcp.Description("Only runs of this job")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 50)")),
		mcp.WithString("outcome",
			mcp.Description("Only runs with this outcome"),
			mcp.Enum(string(job.OutcomeRunning), string(job.OutcomeSucceeded), string(job.OutcomeFailed),
				string(job.OutcomeTimedOut), string(job.OutcomeSkipped)),
		),
	), t.listRuns)

	s.AddTool(mcp.NewTool("set_job_status",
		mcp.WithDescription("Activate or deactivate a job."),
		mcp.WithNumber("job_id", mcp.Required(), mcp.Description("Job id")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum(string(job.StatusActive), string(job.StatusInactive))),
	), t.setJobStatus)

	return s
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *mcpTools) listJobs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := t.backend.ListJobs(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if jobs == nil {
		jobs = []job.Definition{}
	}
	return jsonResult(jobs)
}

func (t *mcpTools) listRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := job.RunFilter{
		JobID: job.ID(req.GetFloat("job_id", 0)),
		Limit: int(req.GetFloat("limit", job.DefaultRunLimit)),
	}
	if raw := req.GetString("outcome", ""); raw != "" {
		o := job.Outcome(raw)
		if !o.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid outcome %q", raw)), nil
		}
		filter.Outcomes = []job.Outcome{o}
	}
	runs, err := t.backend.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if runs == nil {
		runs = []job.RunRecord{}
	}
	return jsonResult(runs)
}

func (t *mcpTools) setJobStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawID, err := req.RequireFloat("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawStatus, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := job.ParseStatus(rawStatus)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id := job.ID(rawID)
	if err := setJobStatus(ctx, t.backend, id, status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def, err := t.backend.GetJob(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(def)
}
