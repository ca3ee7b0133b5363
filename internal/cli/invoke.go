package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/connentity/internal/ir"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Payload    string
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <entity-key> <operation>",
		Short: "Run one operation against an entity",
		Long: `Run one operation against an entity and print its outcome.

Before the call, fired timers left over from a previous run are resubmitted
and timers that are already due are fired, so the call observes the state a
continuously running process would have produced.

Operations: Initialize, RequestStartConnection, EstablishConnection,
ReceivePayload (requires --payload), Disconnect, HealthCheck.

Exit codes:
  0 - Operation committed or was a no-op
  1 - Operation rejected
  2 - Command error (bad config, database cannot be opened)

Example:
  connentity invoke --db ./connentity.db Provider1 Initialize
  connentity invoke --db ./connentity.db Provider1 ReceivePayload --payload hello`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeOperation(opts, ir.EntityKey(args[0]), ir.OperationName(args[1]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload for ReceivePayload")

	return cmd
}

func invokeOperation(opts *InvokeOptions, key ir.EntityKey, op ir.OperationName, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())

	s, err := openSession(sessionOptions{ConfigPath: opts.ConfigPath, Database: opts.Database}, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := s.Close(closeCtx); closeErr != nil {
			logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.catchUp(ctx); err != nil {
		return err
	}

	var args ir.Args
	if opts.Payload != "" {
		args = ir.Args{ir.ArgPayload: opts.Payload}
	}

	out, opErr := s.runtime.Do(ctx, key, op, args)
	view := newOutcomeView(key, op, out, opErr)
	f := opts.formatter(cmd)

	if opErr != nil {
		if err := f.Error(view.Code, opErr.Error(), view); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("%s %s rejected", key, op), opErr)
	}
	if opts.Format == "json" {
		return f.Success(view)
	}
	return f.Success(view.String())
}
