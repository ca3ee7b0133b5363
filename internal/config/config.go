// Package config loads connentity configuration.
//
// The schema, with its defaults and constraints, is written in CUE and
// embedded in the binary. A user file is unified with #Config, so unknown
// fields and out-of-range values are rejected with the file position of the
// offending value.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource []byte

// Error codes for configuration failures.
const (
	ErrCodeNotFound = "C001" // Config file missing or unreadable
	ErrCodeSyntax   = "C002" // Config file is not valid CUE
	ErrCodeInvalid  = "C003" // Value violates the schema
)

// Config is the effective runtime configuration.
type Config struct {
	HealthCheckIntervalSeconds int             `json:"healthCheckIntervalSeconds"`
	Database                   string          `json:"database"`
	Retry                      RetryConfig     `json:"retry"`
	Scheduler                  SchedulerConfig `json:"scheduler"`
	MetricsAddr                string          `json:"metricsAddr"`
}

// RetryConfig bounds commit retries.
type RetryConfig struct {
	MaxAttempts       int `json:"maxAttempts"`
	InitialIntervalMs int `json:"initialIntervalMs"`
	MaxIntervalMs     int `json:"maxIntervalMs"`
}

// SchedulerConfig tunes the timer scheduler.
type SchedulerConfig struct {
	PollIntervalMs int `json:"pollIntervalMs"`
	FireBatch      int `json:"fireBatch"`
}

// HealthCheckInterval returns the health check period.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// RetryInitialInterval returns the first retry delay.
func (c Config) RetryInitialInterval() time.Duration {
	return time.Duration(c.Retry.InitialIntervalMs) * time.Millisecond
}

// RetryMaxInterval returns the retry delay cap.
func (c Config) RetryMaxInterval() time.Duration {
	return time.Duration(c.Retry.MaxIntervalMs) * time.Millisecond
}

// PollInterval returns the scheduler's maximum sleep.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
}

// LoadError is a configuration failure, with the CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := LoadBytes("", nil)
	if err != nil {
		// The embedded schema is compiled into the binary.
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads a CUE config file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return LoadBytes("", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading config: %v", err)}
	}
	return LoadBytes(path, data)
}

// LoadBytes unifies data, named filename in error positions, with the schema.
func LoadBytes(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, &LoadError{Code: ErrCodeSyntax, Message: fmt.Sprintf("compiling schema: %v", err)}
	}
	value := schema.LookupPath(cue.ParsePath("#Config"))

	if len(data) > 0 {
		user := ctx.CompileBytes(data, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return Config{}, convertError(ErrCodeSyntax, err)
		}
		value = value.Unify(user)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, convertError(ErrCodeInvalid, err)
	}

	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return Config{}, convertError(ErrCodeInvalid, err)
	}
	if cfg.Retry.MaxIntervalMs < cfg.Retry.InitialIntervalMs {
		return Config{}, &LoadError{
			Code:    ErrCodeInvalid,
			Message: fmt.Sprintf("retry.maxIntervalMs (%d) is below retry.initialIntervalMs (%d)", cfg.Retry.MaxIntervalMs, cfg.Retry.InitialIntervalMs),
		}
	}
	return cfg, nil
}

// convertError keeps the first CUE error and its position.
func convertError(code string, err error) *LoadError {
	var cueErr cueerrors.Error
	if errors.As(err, &cueErr) {
		loadErr := &LoadError{Code: code, Message: cueErr.Error()}
		if positions := cueerrors.Positions(cueErr); len(positions) > 0 {
			loadErr.Pos = positions[0]
		}
		return loadErr
	}
	return &LoadError{Code: code, Message: err.Error()}
}
