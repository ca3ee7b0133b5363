package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/provider"
)

// ExpectationError describes one unmet expectation.
type ExpectationError struct {
	Step     int
	Key      ir.EntityKey
	Field    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("steps[%d]: %s %s: expected %s, got %s", e.Step, e.Key, e.Field, e.Expected, e.Actual)
}

// check evaluates an expectation against the store and recorded hooks.
// Returns one message per mismatch.
func (h *Harness) check(ctx context.Context, index int, exp Expectation) []string {
	key := ir.EntityKey(exp.Key)
	var errs []string
	fail := func(field, expected, actual string) {
		errs = append(errs, (&ExpectationError{
			Step: index, Key: key, Field: field, Expected: expected, Actual: actual,
		}).Error())
	}

	snap, found, err := h.store.LoadSnapshot(ctx, key)
	if err != nil {
		return []string{fmt.Sprintf("steps[%d]: load %s: %v", index, key, err)}
	}
	if !found {
		snap = ir.NewSnapshot(key)
	}

	if exp.Status != "" && snap.Status.String() != exp.Status {
		fail("status", exp.Status, snap.Status.String())
	}
	if exp.Version != nil && snap.Version != *exp.Version {
		fail("version", fmt.Sprint(*exp.Version), fmt.Sprint(snap.Version))
	}
	if exp.Initialized != nil && snap.Initialized() != *exp.Initialized {
		fail("initialized", fmt.Sprint(*exp.Initialized), fmt.Sprint(snap.Initialized()))
	}

	if exp.Timers != nil {
		timers, err := h.store.ListTimers(ctx, key)
		if err != nil {
			return append(errs, fmt.Sprintf("steps[%d]: list timers %s: %v", index, key, err))
		}
		want := make([]string, 0, len(*exp.Timers))
		for _, te := range *exp.Timers {
			fireAt, _ := time.Parse(time.RFC3339, te.FireAt)
			want = append(want, formatTimer(ir.OperationName(te.Operation), fireAt))
		}
		got := make([]string, 0, len(timers))
		for _, t := range timers {
			got = append(got, formatTimer(t.Operation, t.FireAt))
		}
		if !equalStrings(want, got) {
			fail("timers", listOrNone(want), listOrNone(got))
		}
	}

	if exp.Hooks != nil {
		got := hooksFor(h.recorder.Calls(), key)
		if !equalStrings(*exp.Hooks, got) {
			fail("hooks", listOrNone(*exp.Hooks), listOrNone(got))
		}
	}
	return errs
}

func formatTimer(op ir.OperationName, fireAt time.Time) string {
	return fmt.Sprintf("%s@%s", op, fireAt.UTC().Format(time.RFC3339))
}

// hooksFor renders the recorded calls for key as "Hook" or "Hook:payload".
func hooksFor(calls []provider.Call, key ir.EntityKey) []string {
	out := []string{}
	for _, c := range calls {
		if c.Key != key {
			continue
		}
		if c.Payload != "" {
			out = append(out, c.Hook+":"+c.Payload)
		} else {
			out = append(out, c.Hook)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return "[" + strings.Join(items, ", ") + "]"
}
