package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runQuiver executes the root command against the given data dir with
// the static embedding provider, so no test reaches for a network.
func runQuiver(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("QUIVER_EMBED_PROVIDER", "static")

	rootCmd := NewRootCmd()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))

	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeSample writes a sample document and returns its path.
func writeSample(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCmd_NoArgsShowsHelp(t *testing.T) {
	// Given: the root command with no subcommand
	output, err := runQuiver(t, t.TempDir())

	// Then: help text is shown without error
	require.NoError(t, err)
	assert.Contains(t, output, "quiver")
	assert.Contains(t, output, "Available Commands")
}

func TestRootCmd_UnknownCommandFails(t *testing.T) {
	_, err := runQuiver(t, t.TempDir(), "frobnicate")
	require.Error(t, err)
}
