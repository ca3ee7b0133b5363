package entity

import (
	"fmt"

	"github.com/roach88/connentity/internal/ir"
)

// Replay folds a journal through Transition, starting from the lazily
// created state of key, and returns the state the journal describes.
//
// Records must be in version order. Each record is applied at its
// CommittedAt time, so InitializedAt is reproduced exactly. A record that
// fails, changes nothing, or does not land on its own version is an error.
func Replay(key ir.EntityKey, history []ir.OperationRecord) (ir.Snapshot, error) {
	snap := ir.NewSnapshot(key)
	for _, rec := range history {
		if rec.Key != key {
			return snap, fmt.Errorf("replay %s: record v%d belongs to %s", key, rec.Version, rec.Key)
		}
		res, err := Transition(Input{
			Snapshot:  snap,
			Operation: rec.Operation,
			Args:      rec.Args,
			Now:       rec.CommittedAt,
		})
		if err != nil {
			return snap, fmt.Errorf("replay %s v%d %s: %w", key, rec.Version, rec.Operation, err)
		}
		if !res.Changed {
			return snap, fmt.Errorf("replay %s v%d %s: journaled operation changed nothing", key, rec.Version, rec.Operation)
		}
		if res.Snapshot.Version != rec.Version {
			return snap, fmt.Errorf("replay %s v%d %s: fold reached v%d", key, rec.Version, rec.Operation, res.Snapshot.Version)
		}
		snap = res.Snapshot
	}
	return snap, nil
}
