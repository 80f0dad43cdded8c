package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdocs/quiver/internal/search"
)

func TestSearchCmd_RequiresQuery(t *testing.T) {
	// Given: search command without a query
	_, err := runQuiver(t, t.TempDir(), "search")

	// Then: cobra rejects the call
	require.Error(t, err)
}

func TestSearchCmd_EmptyIndexReturnsNoResults(t *testing.T) {
	// Given: a fresh data dir with nothing ingested
	output, err := runQuiver(t, t.TempDir(), "search", "anything", "--mode", "fulltext")

	require.NoError(t, err)
	assert.Contains(t, output, "no results")
}

func TestSearchCmd_FindsIngestedContent(t *testing.T) {
	// Given: an ingested document
	dataDir := t.TempDir()
	path := writeSample(t, "fox.txt", "The quick brown fox jumps over the lazy dog.")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: searching by keywords
	output, err := runQuiver(t, dataDir, "search", "quick", "brown", "fox", "--mode", "fulltext", "-n", "1")

	// Then: the chunk and its source are printed
	require.NoError(t, err)
	assert.Contains(t, output, path)
	assert.Contains(t, output, "quick brown fox")
}

func TestSearchCmd_HybridIsDefaultMode(t *testing.T) {
	dataDir := t.TempDir()
	path := writeSample(t, "doc.txt", "searchable pangolin content")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	output, err := runQuiver(t, dataDir, "search", "searchable", "pangolin")
	require.NoError(t, err)
	assert.Contains(t, output, path)
}

func TestSearchCmd_JSONFormat(t *testing.T) {
	// Given: an ingested document
	dataDir := t.TempDir()
	path := writeSample(t, "doc.txt", "json output test content")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	// When: searching with --format json
	output, err := runQuiver(t, dataDir, "search", "json", "output", "test",
		"--mode", "fulltext", "--format", "json")
	require.NoError(t, err)

	// Then: the output parses as a result list
	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, path, results[0].Source)
	assert.Contains(t, results[0].Content, "json output test")
}

func TestSearchCmd_RejectsNothingSilently(t *testing.T) {
	// An unknown mode falls back to hybrid rather than failing.
	dataDir := t.TempDir()
	path := writeSample(t, "doc.txt", "fallback mode content")
	_, err := runQuiver(t, dataDir, "ingest", path)
	require.NoError(t, err)

	output, err := runQuiver(t, dataDir, "search", "fallback", "content", "--mode", "sideways")
	require.NoError(t, err)
	assert.Contains(t, output, path)
}
