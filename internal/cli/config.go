package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/connentity/internal/config"
)

// ConfigOptions holds flags for the config command.
type ConfigOptions struct {
	*RootOptions
	ConfigPath string
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Validate a config file against the embedded schema and print the
effective configuration, defaults included.

Example:
  connentity config
  connentity config --config ./connentity.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file")

	return cmd
}

func showConfig(opts *ConfigOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		if opts.Format == "json" {
			if outErr := f.Error(ErrCodeConfig, err.Error(), nil); outErr != nil {
				return outErr
			}
		}
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	if opts.Format == "json" {
		return f.Success(cfg)
	}
	return f.Success(formatConfig(cfg))
}

func formatConfig(cfg config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "healthCheckIntervalSeconds: %d\n", cfg.HealthCheckIntervalSeconds)
	fmt.Fprintf(&b, "database: %s\n", cfg.Database)
	fmt.Fprintf(&b, "retry.maxAttempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Fprintf(&b, "retry.initialIntervalMs: %d\n", cfg.Retry.InitialIntervalMs)
	fmt.Fprintf(&b, "retry.maxIntervalMs: %d\n", cfg.Retry.MaxIntervalMs)
	fmt.Fprintf(&b, "scheduler.pollIntervalMs: %d\n", cfg.Scheduler.PollIntervalMs)
	fmt.Fprintf(&b, "scheduler.fireBatch: %d\n", cfg.Scheduler.FireBatch)
	fmt.Fprintf(&b, "metricsAddr: %q", cfg.MetricsAddr)
	return b.String()
}
