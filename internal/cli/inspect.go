package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
}

// Inspection is everything persisted for one entity.
type Inspection struct {
	Snapshot ir.Snapshot          `json:"snapshot"`
	Found    bool                 `json:"found"`
	Timers   []ir.ScheduledTimer  `json:"timers"`
	History  []ir.OperationRecord `json:"history"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <entity-key>",
		Short: "Show an entity's snapshot, pending timers and journal",
		Long: `Show an entity's persisted snapshot, its pending timers and the journal
of committed operations. Inspect only reads: it neither fires timers nor
recovers pending work.

Example:
  connentity inspect --db ./connentity.db Provider1
  connentity inspect --db ./connentity.db Provider1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectEntity(opts, ir.EntityKey(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func inspectEntity(opts *InspectOptions, key ir.EntityKey, cmd *cobra.Command) error {
	if err := key.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid entity key", err)
	}
	cfg, err := loadConfig(opts.ConfigPath, opts.Database)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ins, err := loadInspection(ctx, st, key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read entity", err)
	}

	f := opts.formatter(cmd)
	if opts.Format == "json" {
		return f.Success(ins)
	}
	return f.Success(ins.String())
}

func loadInspection(ctx context.Context, st *store.Store, key ir.EntityKey) (*Inspection, error) {
	snap, found, err := st.LoadSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		snap = ir.NewSnapshot(key)
	}
	timers, err := st.ListTimers(ctx, key)
	if err != nil {
		return nil, err
	}
	history, err := st.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if timers == nil {
		timers = []ir.ScheduledTimer{}
	}
	if history == nil {
		history = []ir.OperationRecord{}
	}
	return &Inspection{Snapshot: snap, Found: found, Timers: timers, History: history}, nil
}

// String renders the inspection for terminal output.
func (ins *Inspection) String() string {
	var b []byte
	s := ins.Snapshot
	b = fmt.Appendf(b, "Entity:      %s\n", s.Key)
	if !ins.Found {
		b = fmt.Appendf(b, "State:       never seen\n")
	}
	b = fmt.Appendf(b, "Status:      %s\n", s.Status)
	b = fmt.Appendf(b, "Version:     %d\n", s.Version)
	if s.InitializedAt != nil {
		b = fmt.Appendf(b, "Initialized: %s\n", s.InitializedAt.UTC().Format(time.RFC3339Nano))
	} else {
		b = fmt.Appendf(b, "Initialized: no\n")
	}

	b = fmt.Appendf(b, "\nPending timers (%d):\n", len(ins.Timers))
	for _, t := range ins.Timers {
		b = fmt.Appendf(b, "  %s %s (from v%d)\n", t.FireAt.UTC().Format(time.RFC3339Nano), t.Operation, t.CreatedByVersion)
	}

	b = fmt.Appendf(b, "\nHistory (%d):\n", len(ins.History))
	for _, r := range ins.History {
		b = fmt.Appendf(b, "  v%-3d %s %-22s %-6s %s", r.Version, r.CommittedAt.UTC().Format(time.RFC3339Nano), r.Operation, r.Source, r.OperationID)
		if len(r.Args) > 0 {
			b = fmt.Appendf(b, " %s", ir.MarshalCanonical(r.Args))
		}
		b = append(b, '\n')
	}
	return string(b)
}
