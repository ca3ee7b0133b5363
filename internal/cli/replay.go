package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/connentity/internal/entity"
	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Key        string // optional - specific entity only
}

// ReplayEntityResult holds the replay result for a single entity.
type ReplayEntityResult struct {
	EntityKey  ir.EntityKey `json:"entity_key"`
	Operations int          `json:"operations"`
	Stored     ir.Snapshot  `json:"stored"`
	Replayed   ir.Snapshot  `json:"replayed"`
	Consistent bool         `json:"consistent"`
	Problem    string       `json:"problem,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entities      []ReplayEntityResult `json:"entities"`
	TotalEntities int                  `json:"total_entities"`
	AllConsistent bool                 `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay entity journals and verify stored snapshots",
		Long: `Replay each entity's journal through the transition function and verify
that the result equals the stored snapshot.

Exit codes:
  0 - Every snapshot matches its journal
  1 - At least one snapshot diverges from its journal
  2 - Command error (database cannot be opened, etc.)

Examples:
  connentity replay --db ./connentity.db
  connentity replay --db ./connentity.db --key Provider1
  connentity replay --db ./connentity.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "replay specific entity only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
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

	var snapshots []ir.Snapshot
	if opts.Key != "" {
		snap, found, err := st.LoadSnapshot(ctx, ir.EntityKey(opts.Key))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load snapshot", err)
		}
		if !found {
			snap = ir.NewSnapshot(ir.EntityKey(opts.Key))
		}
		snapshots = []ir.Snapshot{snap}
	} else {
		snapshots, err = st.ListSnapshots(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list snapshots", err)
		}
	}

	result := ReplayResult{
		Entities:      make([]ReplayEntityResult, 0, len(snapshots)),
		TotalEntities: len(snapshots),
		AllConsistent: true,
	}
	for _, snap := range snapshots {
		entResult, err := replayEntity(ctx, st, snap)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", snap.Key), err)
		}
		result.Entities = append(result.Entities, entResult)
		if !entResult.Consistent {
			result.AllConsistent = false
		}
	}

	var failure string
	if !result.AllConsistent {
		failure = "journal replay diverged from stored state"
	}
	f := opts.formatter(cmd)
	if !f.isJSON() {
		printReplay(cmd.OutOrStdout(), result, opts.Verbose)
	}
	return f.Report(result, ErrCodeDiverged, failure)
}

// replayEntity folds stored's journal and compares the result with stored.
func replayEntity(ctx context.Context, st *store.Store, stored ir.Snapshot) (ReplayEntityResult, error) {
	history, err := st.History(ctx, stored.Key)
	if err != nil {
		return ReplayEntityResult{}, err
	}

	res := ReplayEntityResult{
		EntityKey:  stored.Key,
		Operations: len(history),
		Stored:     stored,
	}
	replayed, err := entity.Replay(stored.Key, history)
	res.Replayed = replayed
	switch {
	case err != nil:
		res.Problem = err.Error()
	case !snapshotsEqual(stored, replayed):
		res.Problem = fmt.Sprintf("stored v%d %s, journal folds to v%d %s",
			stored.Version, stored.Status, replayed.Version, replayed.Status)
	default:
		res.Consistent = true
	}
	return res, nil
}

func snapshotsEqual(a, b ir.Snapshot) bool {
	if a.Key != b.Key || a.Status != b.Status || a.Version != b.Version {
		return false
	}
	if (a.InitializedAt == nil) != (b.InitializedAt == nil) {
		return false
	}
	return a.InitializedAt == nil || a.InitializedAt.Equal(*b.InitializedAt)
}

// printReplay writes one block per entity followed by the verdict.
func printReplay(w io.Writer, result ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replay Summary: %d entit(ies)\n\n", result.TotalEntities)
	for _, e := range result.Entities {
		mark := "✓"
		if !e.Consistent {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s Entity: %s\n", mark, e.EntityKey)
		fmt.Fprintf(w, "  Operations: %d, version v%d %s\n", e.Operations, e.Stored.Version, e.Stored.Status)
		if verbose {
			fmt.Fprintf(w, "  Replayed: v%d %s\n", e.Replayed.Version, e.Replayed.Status)
		}
		if e.Problem != "" {
			fmt.Fprintf(w, "  Problem: %s\n", e.Problem)
		}
		fmt.Fprintln(w)
	}
	if result.AllConsistent {
		fmt.Fprintln(w, "✓ All snapshots match their journals")
	} else {
		fmt.Fprintln(w, "✗ Journal replay diverged from stored state")
	}
}
