package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
)

func runServeWith(t *testing.T, format, db, input string, args ...string) (string, error) {
	t.Helper()
	cmd := NewServeCommand(&RootOptions{Format: format})
	cmd.SetIn(strings.NewReader(input))
	return execute(t, cmd, append([]string{"--db", db}, args...)...)
}

func TestServeProcessesCallsInInputOrder(t *testing.T) {
	db := tempDB(t)
	input := `{"entityKey":"k1","operation":"Initialize"}
{"entityKey":"k1","operation":"RequestStartConnection"}

{"entityKey":"k1","operation":"EstablishConnection"}
{"entityKey":"k1","operation":"ReceivePayload","args":{"payload":"hi"}}
{"entityKey":"k2","operation":"EstablishConnection"}
{"entityKey":"k1","operation":"Reboot"}
not json
`

	out, err := runServeWith(t, "text", db, input)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7, out)
	assert.Equal(t, "k1 Initialize committed v1 NotConnected", lines[0])
	assert.Equal(t, "k1 RequestStartConnection committed v2 AwaitingConnectionEstablish effects=RequestConnect", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "k1 EstablishConnection committed v3 Connected timer="), lines[2])
	assert.Equal(t, "k1 ReceivePayload committed v4 Connected effects=DeliverPayload", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "k2 EstablishConnection rejected NOT_INITIALIZED"), lines[4])
	assert.True(t, strings.HasPrefix(lines[5], "k1 Reboot rejected INVALID_OPERATION"), lines[5])
	assert.Contains(t, lines[6], "rejected E004: invalid call")

	st := openStore(t, db)
	snap, found, err := st.LoadSnapshot(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.Connected, snap.Status)
	assert.Equal(t, int64(4), snap.Version)

	timers, err := st.ListTimers(context.Background(), "k1")
	require.NoError(t, err)
	assert.Len(t, timers, 1)
}

func TestServeJSONLines(t *testing.T) {
	input := `{"entityKey":"k1","operation":"Initialize"}
{"entityKey":"k1","operation":"Initialize"}
`
	out, err := runServeWith(t, "json", tempDB(t), input)
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var views []OutcomeView
	for dec.More() {
		var v OutcomeView
		require.NoError(t, dec.Decode(&v))
		views = append(views, v)
	}
	require.Len(t, views, 2)
	assert.Equal(t, "committed", views[0].Outcome)
	assert.Equal(t, "noop", views[1].Outcome)
	assert.Equal(t, int64(1), views[1].Version)
	assert.NotEmpty(t, views[0].OperationID)
}

func TestServeCatchesUpDueTimers(t *testing.T) {
	db := tempDB(t)
	connected(t, db, past, "k1")

	out, err := runServeWith(t, "text", db, "")
	require.NoError(t, err)
	assert.Empty(t, out)

	st := openStore(t, db)
	history, err := st.History(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, ir.OpHealthCheck, history[3].Operation)
	assert.Equal(t, ir.SourceTimer, history[3].Source)

	timers, err := st.ListTimers(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.True(t, timers[0].FireAt.After(past), "rescheduled from the current time")
}

func TestServeInvalidConfig(t *testing.T) {
	_, err := runServeWith(t, "text", tempDB(t), "", "--config", "/nonexistent/connentity.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestServeStopsOnCancel(t *testing.T) {
	db := tempDB(t)
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetIn(in)
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, cmd, "--db", db)
		done <- err
	}()
	cancel()

	require.NoError(t, <-done)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)
	metrics.TimersFired.Inc()

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := &bytes.Buffer{}
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "connentity_timers_fired_total 1")
}

func TestDecodeCall(t *testing.T) {
	req, err := decodeCall([]byte(`{"entityKey":"k1","operation":"ReceivePayload","args":{"payload":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, ir.EntityKey("k1"), req.EntityKey)
	assert.Equal(t, ir.OpReceivePayload, req.Operation)
	assert.Equal(t, "x", req.Args[ir.ArgPayload])

	_, err = decodeCall([]byte(`{"entityKey":"k1","operation":"Initialize","extra":1}`))
	require.Error(t, err)
	var ie *inputError
	assert.ErrorAs(t, err, &ie)
}
