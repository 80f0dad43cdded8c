package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdocs/quiver/internal/config"
	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/model"
	"github.com/quiverdocs/quiver/internal/search"
)

// newTestCore opens a core in a temp data dir with the static embedder,
// so nothing reaches for a network.
func newTestCore(t *testing.T) (*Core, *config.Config) {
	t.Helper()

	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embeddings.Provider = "static"
	cfg.Chunking.Size = 120
	cfg.Chunking.Overlap = 20

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, cfg
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCore_IngestSearchRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	path := writeDoc(t, "fox.txt", "The quick brown fox jumps over the lazy dog.")
	report, err := c.Ingest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)

	results, err := c.Search(ctx, "quick brown fox", 1, search.Options{Mode: search.ModeFulltext})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "The quick brown fox jumps over the lazy dog.")
}

func TestCore_DeleteRemovesSource(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	path := writeDoc(t, "doc.txt", "some document content for deletion")
	_, err := c.Ingest(ctx, path)
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, path))

	sources, err := c.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Documents)
	assert.Zero(t, status.ChunkVectors)
}

func TestCore_ForcedModelSwitchClearsEverything(t *testing.T) {
	c, cfg := newTestCore(t)
	ctx := context.Background()

	path := writeDoc(t, "doc.txt", "indexed content")
	_, err := c.Ingest(ctx, path)
	require.NoError(t, err)

	// Without force: confirmation required, state unchanged.
	result, err := c.SetEmbeddingModel(ctx, "brand-new-model", false)
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmationRequired, result.Outcome)
	sources, err := c.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)

	// With force: full cascade.
	result, err = c.SetEmbeddingModel(ctx, "brand-new-model", true)
	require.NoError(t, err)
	assert.Equal(t, model.Switched, result.Outcome)

	sources, err = c.ListSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)

	active, err := c.ActiveModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "brand-new-model", active)

	// The recorded name stays the forced one (the static provider's own
	// name is not a tag variant of it), and the cascade removed the index
	// directories; nothing has been saved into them since.
	assert.NoFileExists(t, filepath.Join(cfg.ChunkIndexDir(), "vectors.hnsw"))
}

func TestCore_DataDirLockRejectsSecondProcess(t *testing.T) {
	c, cfg := newTestCore(t)
	_ = c

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeDataDirBusy))
}

func TestCore_StatusReportsActiveModel(t *testing.T) {
	c, _ := newTestCore(t)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static-256", status.ActiveModel)
	assert.Equal(t, 256, status.Dimensions)
}

func TestCore_SourcesFileIsMaintained(t *testing.T) {
	c, cfg := newTestCore(t)
	ctx := context.Background()

	path := writeDoc(t, "doc.txt", "content")
	_, err := c.Ingest(ctx, path)
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.SourcesPath())
	require.NoError(t, err)
	abs, _ := filepath.Abs(path)
	assert.Contains(t, string(data), abs)
}
