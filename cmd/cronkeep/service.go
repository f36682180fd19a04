package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/cronkeep/pkg/app"
)

// program adapts app.Run to the service manager's Start/Stop callbacks.
type program struct {
	params app.RunParams
	cancel context.CancelFunc
	done   chan error
}

var _ service.Interface = (*program)(nil)

// Start must not block.
func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- app.Run(ctx, p.params) }()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

// serviceConfig describes the installed unit. The config path is made
// absolute because service managers start in an unrelated directory.
func serviceConfig(flags *globalFlags) (*service.Config, error) {
	args := []string{"service", "run", "--log-level", flags.logLevel}
	if flags.configPath != "" {
		abs, err := filepath.Abs(flags.configPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", abs)
	}
	if flags.dataDir != "" {
		abs, err := filepath.Abs(flags.dataDir)
		if err != nil {
			return nil, err
		}
		args = append(args, "--data-dir", abs)
	}
	return &service.Config{
		Name:        "cronkeep",
		DisplayName: "cronkeep scheduler",
		Description: "Runs cronkeep jobs on their cron schedules.",
		Arguments:   args,
	}, nil
}

func newService(flags *globalFlags) (service.Service, error) {
	params, err := runParams(flags)
	if err != nil {
		return nil, err
	}
	cfg, err := serviceConfig(flags)
	if err != nil {
		return nil, err
	}
	return service.New(&program{params: params}, cfg)
}

func serviceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install and control cronkeep as an OS service",
	}

	for _, action := range []string{"install", "uninstall", "start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: action + " the cronkeep service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := newService(flags)
				if err != nil {
					return err
				}
				if err := service.Control(svc, action); err != nil {
					return fmt.Errorf("service %s: %w", action, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s: ok\n", action)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the cronkeep service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(flags)
			if err != nil {
				return err
			}
			status, err := svc.Status()
			if err != nil {
				return fmt.Errorf("service status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusText(status))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, err := newService(flags)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	})

	return cmd
}

func statusText(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
