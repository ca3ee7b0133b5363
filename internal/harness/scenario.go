package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
)

// DefaultStart is the fake clock origin of a scenario without a start time.
var DefaultStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Scenario is a scripted sequence of calls, clock advances and restarts,
// interleaved with expectations on entity state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the RFC 3339 origin of the fake clock. Default: DefaultStart.
	Start string `yaml:"start,omitempty"`

	// IntervalSeconds is the health check period. Default: 10.
	IntervalSeconds int `yaml:"interval_seconds,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Step is exactly one of call, advance, restart or expect.
type Step struct {
	Call *CallStep `yaml:"call,omitempty"`

	// Error is the RuntimeError code the call must be rejected with.
	Error string `yaml:"error,omitempty"`

	// Advance is a Go duration ("10s", "1m30s").
	Advance string `yaml:"advance,omitempty"`

	Restart bool `yaml:"restart,omitempty"`

	Expect *Expectation `yaml:"expect,omitempty"`
}

// CallStep submits one operation.
type CallStep struct {
	Key       string            `yaml:"key"`
	Operation string            `yaml:"operation"`
	Args      map[string]string `yaml:"args,omitempty"`
}

// Expectation checks one entity. Unset fields are not checked.
type Expectation struct {
	Key string `yaml:"key"`

	Status      string `yaml:"status,omitempty"`
	Version     *int64 `yaml:"version,omitempty"`
	Initialized *bool  `yaml:"initialized,omitempty"`

	// Timers, when present, must equal the pending timers targeting Key in
	// fire-time order. An empty list asserts there are none.
	Timers *[]TimerExpectation `yaml:"timers,omitempty"`

	// Hooks, when present, must equal the provider and sink calls made for
	// Key so far, as "Hook" or "Hook:payload".
	Hooks *[]string `yaml:"hooks,omitempty"`
}

// TimerExpectation describes one pending timer.
type TimerExpectation struct {
	Operation string `yaml:"operation"`
	FireAt    string `yaml:"fire_at"`
}

// StartTime returns the parsed clock origin.
func (s *Scenario) StartTime() time.Time {
	if s.Start == "" {
		return DefaultStart
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return DefaultStart
	}
	return t.UTC()
}

// Interval returns the health check period.
func (s *Scenario) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expects:" for "expect:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every .yaml and .yml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if s.IntervalSeconds < 0 {
		return fmt.Errorf("interval_seconds must be positive")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	kinds := 0
	if step.Call != nil {
		kinds++
	}
	if step.Advance != "" {
		kinds++
	}
	if step.Restart {
		kinds++
	}
	if step.Expect != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of call, advance, restart, expect is required", index)
	}

	if step.Error != "" && step.Call == nil {
		return fmt.Errorf("steps[%d]: error is only valid on a call", index)
	}

	switch {
	case step.Call != nil:
		if step.Call.Key == "" {
			return fmt.Errorf("steps[%d].call: key is required", index)
		}
		if !ir.OperationName(step.Call.Operation).Known() {
			return fmt.Errorf("steps[%d].call: unknown operation %q", index, step.Call.Operation)
		}
		switch engine.RuntimeErrorCode(step.Error) {
		case "", engine.ErrCodeInvalidOperation, engine.ErrCodeNotInitialized:
		default:
			return fmt.Errorf("steps[%d]: error must be %s or %s", index, engine.ErrCodeInvalidOperation, engine.ErrCodeNotInitialized)
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: must be positive", index)
		}
	case step.Expect != nil:
		if step.Expect.Key == "" {
			return fmt.Errorf("steps[%d].expect: key is required", index)
		}
		if step.Expect.Status != "" {
			if _, err := ir.ParseConnectionStatus(step.Expect.Status); err != nil {
				return fmt.Errorf("steps[%d].expect: %w", index, err)
			}
		}
		if step.Expect.Timers != nil {
			for j, te := range *step.Expect.Timers {
				if _, err := time.Parse(time.RFC3339, te.FireAt); err != nil {
					return fmt.Errorf("steps[%d].expect.timers[%d].fire_at: %w", index, j, err)
				}
			}
		}
	}
	return nil
}
