package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"accession/internal/daemonctl"
	"accession/internal/daemonrun"
)

const (
	startTimeout = 10 * time.Second
	stopGrace    = 5 * time.Second
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var only []string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon host in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var socket string
			if ctx.socketFlag != nil {
				socket = strings.TrimSpace(*ctx.socketFlag)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:   logLevel,
				SocketPath: socket,
				Only:       only,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Run only the named stage daemons (comma separated)")
	return cmd
}

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the accession daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), ctx.socketPath(), exe, daemonLaunchOptions(ctx, startLogLevel), startTimeout)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the accession daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(cmd.Context(), ctx.socketPath(), ctx.configValue(), stopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			printStopResult(cmd, result)
			return nil
		},
	}

	var restartLogLevel string
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the accession daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			stopped, err := daemonctl.StopAndTerminate(cmd.Context(), ctx.socketPath(), ctx.configValue(), stopGrace)
			switch {
			case errors.Is(err, daemonctl.ErrDaemonNotRunning):
			case err != nil:
				return err
			default:
				printStopResult(cmd, stopped)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), ctx.socketPath(), exe, daemonLaunchOptions(ctx, restartLogLevel), startTimeout)
			if err != nil {
				return err
			}
			printStartResult(cmd, result)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Override the configured log level")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, newStatusCommand(ctx)}
}

func printStartResult(cmd *cobra.Command, result daemonctl.StartResult) {
	stdout := cmd.OutOrStdout()
	switch result.State {
	case daemonctl.StartStateStarted:
		fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
	case daemonctl.StartStateAlreadyRunning:
		fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
	}
}

func printStopResult(cmd *cobra.Command, result daemonctl.StopResult) {
	stdout := cmd.OutOrStdout()
	if !result.StopAcknowledged {
		fmt.Fprintln(stdout, "Stop request sent")
	}
	if result.ForcedKill && result.PID > 0 {
		fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.PID)
	}
	fmt.Fprintln(stdout, "Daemon stopped")
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
	if ctx.socketFlag != nil {
		opts.SocketPath = strings.TrimSpace(*ctx.socketFlag)
	}
	return opts
}
