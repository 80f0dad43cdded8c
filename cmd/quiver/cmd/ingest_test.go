package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestCmd_RequiresArgs(t *testing.T) {
	// Given: ingest without a file argument
	_, err := runQuiver(t, t.TempDir(), "ingest")

	// Then: cobra rejects the call
	require.Error(t, err)
}

func TestIngestCmd_IngestsTextFile(t *testing.T) {
	// Given: a fresh data dir and a text document
	dataDir := t.TempDir()
	path := writeSample(t, "notes.txt", "The quick brown fox jumps over the lazy dog.")

	// When: ingesting it
	output, err := runQuiver(t, dataDir, "ingest", path)

	// Then: the report names the source and its chunk count
	require.NoError(t, err)
	assert.Contains(t, output, "ingested")
	assert.Contains(t, output, path)
	assert.Contains(t, output, "1 chunks")

	// And: the source is listed afterwards
	output, err = runQuiver(t, dataDir, "sources")
	require.NoError(t, err)
	assert.Contains(t, output, path)
}

func TestIngestCmd_ReingestReports(t *testing.T) {
	dataDir := t.TempDir()
	path := writeSample(t, "notes.txt", "original content")

	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: ingesting the same file again
	output, err := runQuiver(t, dataDir, "ingest", path)

	// Then: the report marks the replacement
	require.NoError(t, err)
	assert.Contains(t, output, "re-ingested")
}

func TestIngestCmd_UnsupportedFormatFails(t *testing.T) {
	dataDir := t.TempDir()
	path := writeSample(t, "image.png", "not a document")

	_, err := runQuiver(t, dataDir, "ingest", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestDeleteCmd_RemovesSource(t *testing.T) {
	// Given: an ingested document
	dataDir := t.TempDir()
	path := writeSample(t, "notes.txt", "content to be removed")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: deleting it
	output, err := runQuiver(t, dataDir, "delete", path)
	require.NoError(t, err)
	assert.Contains(t, output, "deleted")

	// Then: no sources remain
	output, err = runQuiver(t, dataDir, "sources")
	require.NoError(t, err)
	assert.Contains(t, output, "no sources ingested")
}

func TestSourcesCmd_EmptyDataDir(t *testing.T) {
	output, err := runQuiver(t, t.TempDir(), "sources")
	require.NoError(t, err)
	assert.Contains(t, output, "no sources ingested")
}
