// Package main is the entry point for the cronkeep CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flemzord/cronkeep/internal/config"
	"github.com/flemzord/cronkeep/internal/core"
	"github.com/flemzord/cronkeep/pkg/app"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

func (f *globalFlags) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(f.logLevel)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", f.logLevel, err)
	}
	return lvl, nil
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "cronkeep",
		Short:         "A self-hosted cron scheduler with a run ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Persistent data directory")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(
		versionCmd(),
		startCmd(flags),
		configCmd(),
		jobsCmd(flags),
		runsCmd(flags),
		serviceCmd(flags),
		mcpCmd(flags),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cronkeep %s (commit: %s, built: %s)\n", version, commit, date)
			mods := core.GetModules()
			if len(mods) == 0 {
				fmt.Fprintln(out, "\nNo compiled modules.")
				return
			}
			fmt.Fprintln(out, "\nCompiled modules:")
			for _, mod := range mods {
				fmt.Fprintf(out, "  %s\n", mod.ID)
			}
		},
	}
}

func startCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := runParams(flags)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), params)
		},
	}
}

func runParams(flags *globalFlags) (app.RunParams, error) {
	lvl, err := flags.level()
	if err != nil {
		return app.RunParams{}, err
	}
	return app.RunParams{
		ConfigPath: flags.configPath,
		DataDir:    flags.dataDir,
		LogLevel:   lvl,
		Version:    version,
		Commit:     commit,
		Date:       date,
	}, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			// Configure and validate each module without provisioning, so
			// the check opens no database and binds no port.
			ids := config.Resolve(cfg)
			for _, id := range ids {
				info, _ := core.GetModule(id)
				mod := info.New()
				if c, ok := mod.(core.Configurable); ok {
					node := cfg.Modules[id]
					if err := c.Configure(&node); err != nil {
						return fmt.Errorf("module %s: %w", id, err)
					}
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%d modules)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	})
	return cmd
}
