package harness

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

// FormatTrace renders a trace as text, one event per line:
//
//	# k1_start_connection
//	2024-01-01T12:00:00Z call k1 Initialize committed v1 NotConnected
//	2024-01-01T12:00:00Z call k1 RequestStartConnection committed v2 AwaitingConnectionEstablish effects=RequestConnect
//	2024-01-01T12:00:10Z timer k1 HealthCheck committed v4 Connected timer=2024-01-01T12:00:20Z
//	2024-01-01T12:00:10Z restart recovered=0
//
// The output depends only on the scenario, so it is compared byte for byte
// against golden files.
func FormatTrace(name string, trace []TraceEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", name)
	for _, ev := range trace {
		buf.WriteString(ev.At.UTC().Format(time.RFC3339))
		buf.WriteByte(' ')
		buf.WriteString(ev.Kind)

		switch {
		case ev.Kind == EventRestart:
			fmt.Fprintf(&buf, " recovered=%d", ev.Recovered)
		case ev.Outcome == OutcomeRejected:
			fmt.Fprintf(&buf, " %s %s %s %s", ev.Key, ev.Operation, ev.Outcome, ev.Code)
		default:
			fmt.Fprintf(&buf, " %s %s %s v%d %s", ev.Key, ev.Operation, ev.Outcome, ev.Version, ev.Status)
			if len(ev.Effects) > 0 {
				fmt.Fprintf(&buf, " effects=%s", strings.Join(ev.Effects, ","))
			}
			if ev.Timer != nil {
				fmt.Fprintf(&buf, " timer=%s", ev.Timer.UTC().Format(time.RFC3339))
			}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario, fails t on unmet expectations, and
// compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}

	AssertGolden(t, scenario.Name, result)
	return nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result.Trace))
}
