package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
)

// shutdownTimeout bounds how long serve waits for in-flight commits.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath  string
	Database    string
	MetricsAddr string
}

// CallRequest is one JSON line read by serve.
type CallRequest struct {
	EntityKey ir.EntityKey     `json:"entityKey"`
	Operation ir.OperationName `json:"operation"`
	Args      ir.Args          `json:"args,omitempty"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the entity runtime and timer scheduler",
		Long: `Run the entity runtime and timer scheduler.

On start, fired timers left over from a previous run are resubmitted and
timers that came due while stopped are fired. Operation calls are then read
from stdin, one JSON object per line, and each outcome is printed in input
order. Serve runs until stdin closes or it receives SIGINT/SIGTERM.

Input format:
  {"entityKey":"Provider1","operation":"Initialize"}
  {"entityKey":"Provider1","operation":"ReceivePayload","args":{"payload":"hi"}}

Example:
  connentity serve --db ./connentity.db --metrics-addr :9090
  tail -f calls.jsonl | connentity serve --config ./connentity.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file (defaults apply when omitted)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve /metrics on (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openSession(sessionOptions{
		ConfigPath: opts.ConfigPath,
		Database:   opts.Database,
		Registry:   reg,
	}, logger)
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

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := s.catchUp(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("stopped during catch-up")
			return nil
		}
		return err
	}

	metricsAddr := opts.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = s.cfg.MetricsAddr
	}
	if metricsAddr != "" {
		srv := startMetricsServer(metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- s.scheduler.Run(ctx) }()

	logger.Info("serving", "db", s.cfg.Database, "health_check_interval", s.cfg.HealthCheckInterval())
	serveErr := serveCalls(ctx, s.runtime, cmd.InOrStdin(), newViewWriter(opts.Format, cmd.OutOrStdout()))

	cancel()
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped with error", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return WrapExitError(ExitCommandError, "reading calls", serveErr)
	}
	logger.Info("stopped")
	return nil
}

// metricsHandler exposes reg in the Prometheus text format.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// submittedCall is a call that was read and either enqueued or rejected.
type submittedCall struct {
	req    CallRequest
	ticket *engine.Ticket
	err    error
}

// serveCalls enqueues one call per input line and prints each outcome in
// input order. Calls for different keys run in parallel. Returns when in
// is exhausted and every outcome has been printed, or when ctx is done.
func serveCalls(ctx context.Context, rt *engine.Runtime, in io.Reader, out *viewWriter) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	pending := make(chan submittedCall, 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for c := range pending {
			if c.err != nil {
				out.write(rejectedView(c.req, c.err))
				continue
			}
			o, err := c.ticket.Wait(ctx)
			out.write(newOutcomeView(c.req.EntityKey, c.req.Operation, o, err))
		}
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			req, decodeErr := decodeCall(line)
			if decodeErr != nil {
				pending <- submittedCall{req: req, err: decodeErr}
				continue
			}
			ticket, enqErr := rt.Enqueue(ctx, req.EntityKey, req.Operation, req.Args)
			pending <- submittedCall{req: req, ticket: ticket, err: enqErr}
		}
	}
	close(pending)
	<-printed

	if err != nil {
		return err
	}
	select {
	case err = <-readErr:
	default:
	}
	return err
}

// inputError marks a line that could not be decoded.
type inputError struct{ err error }

func (e *inputError) Error() string { return "invalid call: " + e.err.Error() }
func (e *inputError) Unwrap() error { return e.err }

func decodeCall(line []byte) (CallRequest, error) {
	var req CallRequest
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return CallRequest{}, &inputError{err: err}
	}
	return req, nil
}

func rejectedView(req CallRequest, err error) OutcomeView {
	v := newOutcomeView(req.EntityKey, req.Operation, engine.Outcome{}, err)
	var ie *inputError
	if errors.As(err, &ie) {
		v.Code = ErrCodeInput
	}
	return v
}

// viewWriter prints OutcomeViews as text lines or JSON lines.
type viewWriter struct {
	format string
	w      io.Writer
	enc    *json.Encoder
}

func newViewWriter(format string, w io.Writer) *viewWriter {
	return &viewWriter{format: format, w: w, enc: json.NewEncoder(w)}
}

func (v *viewWriter) write(view OutcomeView) {
	if v.format == "json" {
		_ = v.enc.Encode(view)
		return
	}
	fmt.Fprintln(v.w, view.String())
}
