// Package core wires the retrieval components together and owns the
// process-wide operation lock: ingest, delete, graph build and search
// share the read side; switching the embedding model takes the write
// side so the destructive cascade never races an in-flight operation.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/quiverdocs/quiver/internal/config"
	"github.com/quiverdocs/quiver/internal/embed"
	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/graph"
	"github.com/quiverdocs/quiver/internal/ingest"
	"github.com/quiverdocs/quiver/internal/llm"
	"github.com/quiverdocs/quiver/internal/model"
	"github.com/quiverdocs/quiver/internal/search"
	"github.com/quiverdocs/quiver/internal/store"
)

// Core is the retrieval core facade exposed to outer surfaces.
type Core struct {
	mu sync.RWMutex

	cfg      *config.Config
	store    *store.Store
	governor *model.Governor
	llm      llm.Client
	fileLock *flock.Flock

	// Rewired on every model switch.
	embedder    embed.Embedder
	chunkIndex  *store.VectorIndex
	entityIndex *store.VectorIndex
	pipeline    *ingest.Pipeline
	builder     *graph.Builder
	engine      *search.Engine
}

// Status summarizes the core's persisted state.
type Status struct {
	ActiveModel   string
	Dimensions    int
	Documents     int
	Chunks        int
	ChunkVectors  int
	Entities      int
	Relationships int
	EntityVectors int
}

// New opens the core over the configured data dir. The data dir is
// locked against concurrent quiver processes; the stores are opened,
// the active model resolved and all components wired.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, qerrors.StorageError(fmt.Sprintf("cannot create data dir %s", cfg.DataDir), err)
	}

	fileLock := flock.New(filepath.Join(cfg.DataDir, "quiver.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, qerrors.StorageError("cannot acquire data dir lock", err)
	}
	if !locked {
		return nil, qerrors.New(qerrors.ErrCodeDataDirBusy,
			fmt.Sprintf("data dir %s is in use by another quiver process", cfg.DataDir), nil)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		_ = fileLock.Unlock()
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		store:    st,
		governor: model.NewGovernor(st, cfg.ChunkIndexDir(), cfg.EntityIndexDir()),
		llm:      llm.NewOllamaClient(cfg.Embeddings.OllamaHost, cfg.Extraction.Timeout),
		fileLock: fileLock,
	}

	if err := c.rewire(ctx); err != nil {
		_ = st.Close()
		_ = fileLock.Unlock()
		return nil, err
	}
	return c, nil
}

// rewire builds the model-dependent component chain: embedder, both
// vector indices, pipeline, builder and engine. Called at startup and
// after every model switch, with the write lock held (or before the
// core is shared).
func (c *Core) rewire(ctx context.Context) error {
	active, err := c.governor.Current(ctx)
	if err != nil {
		return err
	}

	embedder, err := embed.New(ctx, c.cfg.Embeddings, active)
	if err != nil {
		return err
	}

	// First start records whatever the backend resolved; afterwards
	// the recorded name only follows tag variants of the same model
	// (e.g. "nomic-embed-text" resolving to "nomic-embed-text:v1.5").
	resolved := model.Normalize(embedder.ModelName())
	if active == "" || (resolved != active && sameBaseModel(resolved, active)) {
		if err := c.store.SetState(ctx, store.StateKeyActiveModel, resolved); err != nil {
			_ = embedder.Close()
			return err
		}
		active = resolved
	}

	indexCfg := store.VectorIndexConfig{
		Dimensions: embedder.Dimensions(),
		Model:      active,
		M:          c.cfg.Index.M,
		EfSearch:   c.cfg.Index.EfSearch,
	}

	chunkIndex, err := c.openIndex(ctx, c.cfg.ChunkIndexDir(), indexCfg)
	if err != nil {
		_ = embedder.Close()
		return err
	}
	entityIndex, err := c.openIndex(ctx, c.cfg.EntityIndexDir(), indexCfg)
	if err != nil {
		_ = embedder.Close()
		return err
	}

	if c.embedder != nil {
		_ = c.embedder.Close()
	}
	if c.chunkIndex != nil {
		_ = c.chunkIndex.Close()
	}
	if c.entityIndex != nil {
		_ = c.entityIndex.Close()
	}

	c.embedder = embedder
	c.chunkIndex = chunkIndex
	c.entityIndex = entityIndex
	c.pipeline = ingest.NewPipeline(c.store, chunkIndex, embedder,
		ingest.NewSplitter(c.cfg.Chunking.Size, c.cfg.Chunking.Overlap))
	c.builder = graph.NewBuilder(c.store, entityIndex, embedder,
		graph.NewLLMExtractorFactory(c.llm, c.cfg.Extraction.Timeout),
		graph.BuilderConfig{
			BatchSize:   c.cfg.Extraction.BatchSize,
			Concurrency: c.cfg.Extraction.Concurrency,
		})
	c.engine = search.NewEngine(c.store, chunkIndex, entityIndex, embedder, c.llm, c.cfg.Search)
	return nil
}

// sameBaseModel reports whether two model names differ only by tag.
func sameBaseModel(a, b string) bool {
	return strings.Split(a, ":")[0] == strings.Split(b, ":")[0]
}

// openIndex opens a vector index, treating a persisted dimension
// mismatch as the Governor's signal to clear all dependent state and
// start fresh.
func (c *Core) openIndex(ctx context.Context, dir string, cfg store.VectorIndexConfig) (*store.VectorIndex, error) {
	idx, err := store.OpenVectorIndex(dir, cfg)
	if err == nil {
		return idx, nil
	}
	if !store.IsDimensionMismatch(err) {
		return nil, qerrors.New(qerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("cannot open vector index at %s", dir), err)
	}

	if err := c.governor.Reset(ctx); err != nil {
		return nil, err
	}
	return store.OpenVectorIndex(dir, cfg)
}

// Ingest parses, chunks and embeds one source file.
func (c *Core) Ingest(ctx context.Context, path string) (*ingest.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report, err := c.pipeline.Ingest(ctx, path)
	if err != nil {
		return nil, err
	}
	// sources.json is purely informational; never fail ingest on it.
	_ = c.appendSource(report.Source)
	return report, nil
}

// Delete removes a source's documents, chunks, mentions and vectors,
// then prunes graph orphans so no entity or relationship survives
// without a mention.
func (c *Core) Delete(ctx context.Context, source string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	abs, err := filepath.Abs(source)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", source), err)
	}

	chunkIDs, err := c.store.DeleteDocument(ctx, abs)
	if err != nil {
		return err
	}
	if err := c.chunkIndex.Delete(ctx, chunkIDs); err != nil {
		return err
	}
	if err := c.chunkIndex.Save(); err != nil {
		return qerrors.New(qerrors.ErrCodeCorruptIndex, "failed to save chunk index", err)
	}
	if _, _, err := c.store.CleanupOrphans(ctx); err != nil {
		return err
	}
	return nil
}

// ListSources lists every ingested source with its embedding models.
func (c *Core) ListSources(ctx context.Context) ([]store.SourceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.ListSources(ctx)
}

// Search runs a retrieval query.
func (c *Core) Search(ctx context.Context, query string, k int, opts search.Options) ([]search.Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.Search(ctx, query, k, opts)
}

// BuildGraph extracts entities and relationships for a source and
// populates the graph store and entity index.
func (c *Core) BuildGraph(ctx context.Context, source, extractionModel string, onProgress graph.ProgressFunc) (*graph.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", source), err)
	}
	if extractionModel == "" {
		extractionModel = c.cfg.Extraction.Model
	}
	return c.builder.Build(ctx, abs, extractionModel, onProgress)
}

// GraphProgress reports extraction progress for a source.
func (c *Core) GraphProgress(ctx context.Context, source string) (*graph.Progress, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", source), err)
	}
	return c.builder.BuildProgress(ctx, abs)
}

// SetEmbeddingModel switches the active embedding model through the
// Governor. Exclusive: waits out all in-flight operations.
func (c *Core) SetEmbeddingModel(ctx context.Context, name string, force bool) (*model.SetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.governor.Set(ctx, name, force)
	if err != nil {
		return nil, err
	}
	if result.Outcome != model.Switched {
		return result, nil
	}

	if err := c.rewire(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// ActiveModel returns the active embedding model name.
func (c *Core) ActiveModel(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.governor.Current(ctx)
}

// Status reports the core's persisted state.
func (c *Core) Status(ctx context.Context) (*Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	active, err := c.governor.Current(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := c.store.CountDocuments(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := c.store.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := c.store.CountEntities(ctx)
	if err != nil {
		return nil, err
	}
	relationships, err := c.store.CountRelationships(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		ActiveModel:   active,
		Dimensions:    c.chunkIndex.Dimension(),
		Documents:     docs,
		Chunks:        chunks,
		ChunkVectors:  c.chunkIndex.Count(),
		Entities:      entities,
		Relationships: relationships,
		EntityVectors: c.entityIndex.Count(),
	}, nil
}

// Close releases the stores, the indices and the data dir lock.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.chunkIndex != nil {
		if err := c.chunkIndex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.entityIndex != nil {
		if err := c.entityIndex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.fileLock != nil {
		if err := c.fileLock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
