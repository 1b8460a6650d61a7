package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"microclaw/internal/app"
	"microclaw/internal/config"
	logx "microclaw/pkg/logx"
	"microclaw/pkg/systemd"
)

// stopBudget caps the whole shutdown; each stop step has its own limit inside it.
const stopBudget = 2 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "microclaw",
		Short:         "Chat agent orchestrator",
		Long:          "microclaw routes chat messages to sandboxed agent containers, one conversation at a time per chat.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.AddCommand(
		newRunCmd(&cfgPath),
		newValidateCmd(&cfgPath),
		newTaskCmd(&cfgPath),
	)
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(*cfgPath)
		},
	}
}

func run(cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	sd := systemd.NewNotifier(logx.NewConsole("INFO").With(logx.Component("systemd")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	sd.Ready()
	go sd.Watchdog(ctx, func() bool {
		select {
		case <-a.Done():
			return false
		default:
			return true
		}
	})

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	sd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopBudget)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return stopErr
}

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if _, err := cfg.ContainerSettings(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", *cfgPath)
			return nil
		},
	}
}
