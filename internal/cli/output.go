package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation rejected or scenarios failed
	ExitCommandError = 2 // Command error (bad config, database cannot be opened, etc.)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeStore      = "E001" // Database open, read or recovery failure
	ErrCodeConfig     = "E002" // Configuration failed to load or validate
	ErrCodeRejected   = "E003" // Operation rejected by the runtime
	ErrCodeInput      = "E004" // Malformed input line
	ErrCodeTestFailed = "E005" // One or more scenarios failed
	ErrCodeDiverged   = "E006" // Journal replay does not match a stored snapshot
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes a command's result either as text or as a single
// CLIResponse JSON document. Diagnostics never go through it; they are
// logged to stderr.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool // text errors include their details
}

// CLIResponse is the JSON envelope of every non-streaming command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command in a CLIResponse.
type CLIError struct {
	Code    string `json:"code"` // ErrCode* or a runtime error code
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

func (f *OutputFormatter) encode(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data. Text mode prints it with fmt.Println semantics, so
// data should implement fmt.Stringer or be a string.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure. Details are printed in text mode only when
// verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Report finishes a command whose result carries its own verdict. A
// non-empty failure makes the JSON response an error with code, and
// Report then returns an ExitFailure error. Text mode writes nothing; the
// caller has already printed its summary.
func (f *OutputFormatter) Report(data any, code, failure string) error {
	if f.isJSON() {
		resp := CLIResponse{Status: "ok", Data: data}
		if failure != "" {
			resp.Status = "error"
			resp.Error = &CLIError{Code: code, Message: failure}
		}
		if err := f.encode(resp); err != nil {
			return err
		}
	}
	if failure != "" {
		return NewExitError(ExitFailure, failure)
	}
	return nil
}

// OutcomeView is the printed form of an operation result.
type OutcomeView struct {
	Seq         int64            `json:"seq,omitempty"`
	EntityKey   ir.EntityKey     `json:"entityKey"`
	Operation   ir.OperationName `json:"operation"`
	OperationID string           `json:"operationId,omitempty"`
	Outcome     string           `json:"outcome"` // committed | noop | duplicate | rejected
	Version     int64            `json:"version"`
	Status      string           `json:"status,omitempty"`
	Timer       *time.Time       `json:"timer,omitempty"`
	Effects     []string         `json:"effects,omitempty"`
	Code        string           `json:"code,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// newOutcomeView renders the result of one operation. A non-nil err
// produces a rejected view.
func newOutcomeView(key ir.EntityKey, op ir.OperationName, out engine.Outcome, err error) OutcomeView {
	v := OutcomeView{
		Seq:         out.Seq,
		EntityKey:   key,
		Operation:   op,
		OperationID: out.OperationID,
	}
	if err != nil {
		v.Outcome = "rejected"
		v.Code = runtimeErrorCode(err)
		v.Error = err.Error()
		return v
	}

	v.Version = out.Snapshot.Version
	v.Status = out.Snapshot.Status.String()
	switch {
	case out.Duplicate:
		v.Outcome = "duplicate"
	case out.Committed:
		v.Outcome = "committed"
	default:
		v.Outcome = "noop"
	}
	if out.Timer != nil {
		fireAt := out.Timer.FireAt.UTC()
		v.Timer = &fireAt
	}
	for _, e := range out.Effects {
		v.Effects = append(v.Effects, string(e.Kind))
	}
	return v
}

// String renders the view as one text line:
//
//	k1 EstablishConnection committed v3 Connected effects=... timer=...
func (v OutcomeView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", v.EntityKey, v.Operation, v.Outcome)
	if v.Outcome == "rejected" {
		fmt.Fprintf(&b, " %s: %s", v.Code, v.Error)
		return b.String()
	}
	fmt.Fprintf(&b, " v%d %s", v.Version, v.Status)
	if len(v.Effects) > 0 {
		fmt.Fprintf(&b, " effects=%s", strings.Join(v.Effects, ","))
	}
	if v.Timer != nil {
		fmt.Fprintf(&b, " timer=%s", v.Timer.Format(time.RFC3339))
	}
	return b.String()
}

// runtimeErrorCode returns the RuntimeError code of err, or ErrCodeRejected.
func runtimeErrorCode(err error) string {
	var rerr *engine.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return ErrCodeRejected
}
