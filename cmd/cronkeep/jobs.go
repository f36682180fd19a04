package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flemzord/cronkeep/internal/cron"
	"github.com/flemzord/cronkeep/internal/job"
	"github.com/flemzord/cronkeep/pkg/app"
)

// withBackend opens the configured store for the duration of fn.
func withBackend(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, job.Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, closer, err := app.OpenBackend(ctx, app.BackendParams{
		ConfigPath: flags.configPath,
		DataDir:    flags.dataDir,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return fn(ctx, backend)
}

func jobsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(
		jobsListCmd(flags),
		jobsAddCmd(flags),
		jobsUpdateCmd(flags),
		jobsStatusCmd(flags, "enable", job.StatusActive),
		jobsStatusCmd(flags, "disable", job.StatusInactive),
		jobsDeleteCmd(flags),
	)
	return cmd
}

func parseJobID(raw string) (job.ID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return job.ID(id), nil
}

func jobsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				jobs, err := b.ListJobs(ctx)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
}

func printJobs(out io.Writer, jobs []job.Definition) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tSTATUS\tCONCURRENT\tCOMMAND")
	for _, d := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\n", d.ID, d.Name, d.Schedule, d.Status, d.Concurrent, d.Command)
	}
	_ = tw.Flush()
}

// jobFlags are the definition fields shared by add and update.
type jobFlags struct {
	name          string
	schedule      string
	command       string
	status        string
	attachmentURL string
	concurrent    bool
	timeout       time.Duration
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Job name")
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "Five-field cron expression or @descriptor")
	cmd.Flags().StringVar(&f.command, "command", "", "Shell command to run")
	cmd.Flags().StringVar(&f.status, "status", string(job.StatusActive), "Initial status (active or inactive)")
	cmd.Flags().StringVar(&f.attachmentURL, "attachment-url", "", "URL handed to the command as JOB_ATTACHMENT_URL")
	cmd.Flags().BoolVar(&f.concurrent, "concurrent", false, "Allow overlapping runs")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Run timeout (0 uses the scheduler default)")
}

// apply copies the flags that were set on cmd into def.
func (f *jobFlags) apply(cmd *cobra.Command, def *job.Definition) error {
	changed := cmd.Flags().Changed
	if changed("name") {
		def.Name = f.name
	}
	if changed("schedule") {
		def.Schedule = f.schedule
	}
	if changed("command") {
		def.Command = f.command
	}
	if changed("status") || def.Status == "" {
		status, err := job.ParseStatus(f.status)
		if err != nil {
			return err
		}
		def.Status = status
	}
	if changed("attachment-url") {
		def.AttachmentURL = f.attachmentURL
	}
	if changed("concurrent") {
		def.Concurrent = f.concurrent
	}
	if changed("timeout") {
		def.Timeout = f.timeout
	}
	return nil
}

func jobsAddCmd(flags *globalFlags) *cobra.Command {
	jf := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a job",
		Long: "Create a job. When --name, --schedule or --command is missing and stdin\n" +
			"is a terminal, the missing fields are asked for interactively.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var def job.Definition
			if err := jf.apply(cmd, &def); err != nil {
				return err
			}
			if def.Name == "" || def.Schedule == "" || def.Command == "" {
				if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
					return errors.New("--name, --schedule and --command are required")
				}
				if err := promptDefinition(&def); err != nil {
					return err
				}
			}
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				created, err := b.CreateJob(ctx, def)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created job %d (%s)\n", created.ID, created.Name)
				return nil
			})
		},
	}
	jf.register(cmd)
	return cmd
}

// promptDefinition asks for the fields of def that are still empty.
func promptDefinition(def *job.Definition) error {
	var fields []huh.Field
	if def.Name == "" {
		fields = append(fields, huh.NewInput().
			Title("Name").
			Value(&def.Name).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("name is required")
				}
				return nil
			}))
	}
	if def.Schedule == "" {
		fields = append(fields, huh.NewInput().
			Title("Schedule").
			Description("minute hour day-of-month month day-of-week, or @daily").
			Placeholder("*/5 * * * *").
			Value(&def.Schedule).
			Validate(func(s string) error {
				_, err := cron.Parse(s)
				return err
			}))
	}
	if def.Command == "" {
		fields = append(fields, huh.NewText().
			Title("Command").
			Description("Run with the configured shell").
			Value(&def.Command).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("command is required")
				}
				return nil
			}))
		fields = append(fields, huh.NewConfirm().
			Title("Allow overlapping runs?").
			Value(&def.Concurrent))
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

func jobsUpdateCmd(flags *globalFlags) *cobra.Command {
	jf := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				def, err := b.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if err := jf.apply(cmd, &def); err != nil {
					return err
				}
				if _, err := b.UpdateJob(ctx, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated job %d\n", id)
				return nil
			})
		},
	}
	jf.register(cmd)
	return cmd
}

func jobsStatusCmd(flags *globalFlags, verb string, status job.Status) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: "Set a job " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				if err := setJobStatus(ctx, b, id, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d is now %s\n", id, status)
				return nil
			})
		},
	}
}

// setJobStatus changes a job's status. Activation re-validates the whole
// definition so a schedule that does not parse cannot become active.
func setJobStatus(ctx context.Context, b job.AdminStore, id job.ID, status job.Status) error {
	if status != job.StatusActive {
		return b.RecordStatusChange(ctx, id, status)
	}
	def, err := b.GetJob(ctx, id)
	if err != nil {
		return err
	}
	def.Status = status
	_, err = b.UpdateJob(ctx, def)
	return err
}

func jobsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				if err := b.DeleteJob(ctx, id); err != nil {
					if errors.Is(err, job.ErrJobBusy) {
						return fmt.Errorf("job %d has a run in progress; try again once it finishes", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %d\n", id)
				return nil
			})
		},
	}
}
