package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "qmoi-heal",
	Short: "Self-heal runner, repository sync and notification tool",
	Long: `qmoi-heal runs operational commands with retry, diagnostics, escalating
remediation and notifications. It also keeps a git checkout in line with its
remote branch without discarding local work, deploys through cloud CLIs with
retry, and can run all of this periodically as a service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: /etc/qmoi-heal/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env: QMOI_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json (env: QMOI_LOG_FORMAT)")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError(c, err)
	})
}

// Execute runs the root command and returns the process exit code:
// 0 on success, 2 for usage or missing configuration, 1 otherwise.
func Execute(version string) int {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("qmoi-heal %s\n", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return faults.ExitCode(err)
}

// exitError ends the process with code after the command already reported why.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func usageError(c *cobra.Command, err error) error {
	return &faults.Error{Kind: faults.KindConfigurationMissing, Op: "usage", Detail: c.CommandPath(), Err: err}
}

// exactArgs is cobra.ExactArgs with usage-class errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(c *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(c, args); err != nil {
			return usageError(c, err)
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(c *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(c, args); err != nil {
			return usageError(c, err)
		}
		return nil
	}
}
