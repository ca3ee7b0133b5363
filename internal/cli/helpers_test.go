package cli

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/connentity/internal/engine"
	"github.com/roach88/connentity/internal/ir"
	"github.com/roach88/connentity/internal/store"
	"github.com/roach88/connentity/internal/testutil"
)

// past is far enough back that every timer seeded at it is due.
var past = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "connentity.db")
}

// seed runs ops against key in the database at path with the wall clock
// fixed at at, then closes everything.
func seed(t *testing.T, path string, at time.Time, key ir.EntityKey, ops ...ir.OperationName) {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)

	rt := engine.New(st,
		engine.WithWallClock(testutil.NewFakeClock(at)),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	ctx := context.Background()
	for _, op := range ops {
		_, err := rt.Do(ctx, key, op, nil)
		require.NoError(t, err, "seed %s %s", key, op)
	}
	require.NoError(t, rt.Close(ctx))
	require.NoError(t, st.Close())
}

// connected seeds key through the start sequence.
func connected(t *testing.T, path string, at time.Time, key ir.EntityKey) {
	t.Helper()
	seed(t, path, at, key, ir.OpInitialize, ir.OpRequestStartConnection, ir.OpEstablishConnection)
}

// openStore opens path for assertions and closes it with the test.
func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
