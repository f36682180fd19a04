package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/cronkeep/internal/job"
)

func runsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}

	var (
		jobID    int64
		limit    int
		outcomes []string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := job.RunFilter{JobID: job.ID(jobID), Limit: limit}
			for _, raw := range outcomes {
				o := job.Outcome(raw)
				if !o.Valid() {
					return fmt.Errorf("invalid outcome %q", raw)
				}
				filter.Outcomes = append(filter.Outcomes, o)
			}
			return withBackend(cmd, flags, func(ctx context.Context, b job.Backend) error {
				runs, err := b.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	list.Flags().Int64Var(&jobID, "job", 0, "Only runs of this job id")
	list.Flags().IntVar(&limit, "limit", job.DefaultRunLimit, "Maximum number of runs")
	list.Flags().StringSliceVar(&outcomes, "outcome", nil, "Only these outcomes (running, succeeded, failed, timed_out, skipped)")

	cmd.AddCommand(list)
	return cmd
}

func printRuns(out io.Writer, runs []job.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSCHEDULED\tOUTCOME\tEXIT\tDURATION\tERROR")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID,
			r.ScheduledFor.Format(time.RFC3339),
			r.Outcome,
			exit,
			duration,
			firstLine(r.Error),
		)
	}
	_ = tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
