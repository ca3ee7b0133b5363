package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs cmd with args and returns what it wrote to stdout.
// Diagnostic logs go to a separate buffer.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubcommandFlags(t *testing.T) {
	root := NewRootCommand()

	tests := []struct {
		name  string
		flags map[string]string // flag name -> default
	}{
		{"serve", map[string]string{"config": "", "db": "", "metrics-addr": ""}},
		{"invoke", map[string]string{"config": "", "db": "", "payload": ""}},
		{"inspect", map[string]string{"config": "", "db": ""}},
		{"replay", map[string]string{"config": "", "db": "", "key": ""}},
		{"test", map[string]string{"update": "false", "filter": "", "golden": ""}},
		{"config", map[string]string{"config": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, _, err := root.Find([]string{tt.name})
			require.NoError(t, err)
			assert.Equal(t, tt.name, sub.Name())
			for name, def := range tt.flags {
				flag := sub.Flags().Lookup(name)
				require.NotNil(t, flag, "--%s", name)
				assert.Equal(t, def, flag.DefValue, "--%s", name)
			}
		})
	}
}

func TestPersistentFlags(t *testing.T) {
	root := NewRootCommand()

	verbose := root.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "text", root.PersistentFlags().Lookup("format").DefValue)
}

func TestFormatValidation(t *testing.T) {
	for _, f := range ValidFormats {
		assert.True(t, isValidFormat(f), f)
	}
	for _, f := range []string{"xml", "", "TEXT"} {
		assert.False(t, isValidFormat(f), f)
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	_, err := execute(t, NewRootCommand(), "--format", "invalid", "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootRunsSubcommand(t *testing.T) {
	out, err := execute(t, NewRootCommand(), "config")
	require.NoError(t, err)
	assert.Contains(t, out, "healthCheckIntervalSeconds: 10")
}
