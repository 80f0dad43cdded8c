package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelShowCmd_ReportsActiveModel(t *testing.T) {
	// Given: a fresh data dir under the static provider
	output, err := runQuiver(t, t.TempDir(), "model", "show")

	require.NoError(t, err)
	assert.Contains(t, output, "static-256")
}

func TestModelSetCmd_RequiresName(t *testing.T) {
	_, err := runQuiver(t, t.TempDir(), "model", "set")
	require.Error(t, err)
}

func TestModelSetCmd_SameModelIsUnchanged(t *testing.T) {
	dataDir := t.TempDir()

	output, err := runQuiver(t, dataDir, "model", "set", "static-256")
	require.NoError(t, err)
	assert.Contains(t, output, "already active")
}

func TestModelSetCmd_RequiresConfirmationWithIndexedData(t *testing.T) {
	// Given: an ingested document under the active model
	dataDir := t.TempDir()
	path := writeSample(t, "doc.txt", "indexed content")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: switching models without --force
	output, err := runQuiver(t, dataDir, "model", "set", "brand-new-model")

	// Then: the switch is refused, naming the existing model
	require.NoError(t, err)
	assert.Contains(t, output, "refusing to switch")
	assert.Contains(t, output, "static-256")
	assert.Contains(t, output, "--force")

	// And: nothing was deleted
	output, err = runQuiver(t, dataDir, "sources")
	require.NoError(t, err)
	assert.Contains(t, output, path)
}

func TestModelSetCmd_ForceRunsCascade(t *testing.T) {
	// Given: an ingested document
	dataDir := t.TempDir()
	path := writeSample(t, "doc.txt", "doomed content")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: forcing the switch
	output, err := runQuiver(t, dataDir, "model", "set", "brand-new-model", "--force")
	require.NoError(t, err)
	assert.Contains(t, output, "switched to brand-new-model")

	// Then: all indexed data is gone and the new model is active
	output, err = runQuiver(t, dataDir, "sources")
	require.NoError(t, err)
	assert.Contains(t, output, "no sources ingested")

	output, err = runQuiver(t, dataDir, "model", "show")
	require.NoError(t, err)
	assert.Contains(t, output, "brand-new-model")
}
