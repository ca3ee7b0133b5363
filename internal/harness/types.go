package harness

import (
	"time"

	"github.com/roach88/connentity/internal/ir"
)

// Trace event kinds.
const (
	EventCall    = "call"
	EventTimer   = "timer"
	EventRestart = "restart"
)

// Trace event outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// TraceEvent is one observable step of a scenario run.
type TraceEvent struct {
	At        time.Time
	Kind      string
	Key       ir.EntityKey
	Operation ir.OperationName

	// Outcome is empty for restart events.
	Outcome string

	// Code is the RuntimeError code of a rejected call.
	Code string

	Version int64
	Status  ir.ConnectionStatus

	// Timer is the fire time of the timer the operation registered.
	Timer   *time.Time
	Effects []string

	// Recovered counts inbox entries resubmitted by a restart.
	Recovered int
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation held.
	Pass bool

	// Trace lists calls, fired timers and restarts in execution order.
	Trace []TraceEvent

	// Errors holds one message per failed expectation.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
