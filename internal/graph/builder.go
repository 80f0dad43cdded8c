package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdocs/quiver/internal/embed"
	"github.com/quiverdocs/quiver/internal/llm"
	"github.com/quiverdocs/quiver/internal/store"
)

// Build batching defaults.
const (
	// DefaultBatchSize is the number of chunks per extraction batch.
	DefaultBatchSize = 8
	// DefaultConcurrency bounds parallel extraction calls in a batch.
	// Unbounded parallelism will OOM a local generation backend.
	DefaultConcurrency = 8
)

// ProgressEvent is emitted after each completed batch.
type ProgressEvent struct {
	Processed    int
	Total        int
	Successful   int
	Skipped      int
	BatchIndex   int
	TotalBatches int
}

// ProgressFunc receives progress events during a build.
type ProgressFunc func(ProgressEvent)

// Report summarizes one graph build.
type Report struct {
	Source      string
	TotalChunks int
	Processed   int
	Succeeded   int
	Skipped     int
	Failed      int
	Cancelled   bool
	Duration    time.Duration
}

// Progress describes how far a document's graph build has come.
type Progress struct {
	TotalChunks     int
	ProcessedChunks int
	Percentage      float64
}

// Builder walks a document's chunks through the extractor and
// populates the graph store and the entity vector index.
type Builder struct {
	store        *store.Store
	entityIndex  *store.VectorIndex
	embedder     embed.Embedder
	newExtractor func(model string) chunkExtractor
	batchSize    int
	concurrency  int
}

// chunkExtractor abstracts the extractor for testing.
type chunkExtractor interface {
	Extract(ctx context.Context, chunkText string) (*Extraction, error)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	BatchSize   int
	Concurrency int
}

// NewBuilder creates a graph builder. The extractor factory binds the
// per-call extraction model.
func NewBuilder(st *store.Store, entityIndex *store.VectorIndex, embedder embed.Embedder,
	newExtractor func(model string) chunkExtractor, cfg BuilderConfig) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Builder{
		store:        st,
		entityIndex:  entityIndex,
		embedder:     embedder,
		newExtractor: newExtractor,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
	}
}

// chunkOutcome is the per-chunk result within a batch.
type chunkOutcome struct {
	chunk      store.Chunk
	extraction *Extraction
	skipped    bool
	failed     bool
}

// Build extracts the document's chunks in batches and persists the
// results. Chunks that already have a mention are skipped, which makes
// repeated builds idempotent. Cancellation between batches returns a
// partial report; already-persisted extractions are retained. Per-chunk
// failures are absorbed and never abort the document.
func (b *Builder) Build(ctx context.Context, source, extractionModel string, onProgress ProgressFunc) (*Report, error) {
	start := time.Now()

	doc, err := b.store.DocumentBySource(ctx, source, b.embedder.ModelName())
	if err != nil {
		return nil, err
	}

	chunks, err := b.store.GetChunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	extractor := b.newExtractor(extractionModel)
	report := &Report{Source: source, TotalChunks: len(chunks)}
	totalBatches := (len(chunks) + b.batchSize - 1) / b.batchSize

	for batchIndex := 0; batchIndex*b.batchSize < len(chunks); batchIndex++ {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		lo := batchIndex * b.batchSize
		hi := min(lo+b.batchSize, len(chunks))
		batch := chunks[lo:hi]

		outcomes, err := b.runBatch(ctx, extractor, batch)
		if err != nil {
			report.Cancelled = true
			break
		}

		// All of a batch's results are stored before the next batch starts.
		for _, outcome := range outcomes {
			report.Processed++
			switch {
			case outcome.skipped:
				report.Skipped++
			case outcome.failed:
				report.Failed++
			default:
				if err := b.persistExtraction(ctx, outcome.chunk.ID, outcome.extraction); err != nil {
					slog.Warn("graph_persist_failed",
						slog.Int64("chunk_id", outcome.chunk.ID),
						slog.String("error", err.Error()))
					report.Failed++
					continue
				}
				report.Succeeded++
			}
		}

		if onProgress != nil {
			onProgress(ProgressEvent{
				Processed:    report.Processed,
				Total:        len(chunks),
				Successful:   report.Succeeded,
				Skipped:      report.Skipped,
				BatchIndex:   batchIndex,
				TotalBatches: totalBatches,
			})
		}

		slog.Debug("graph_batch_done",
			slog.String("source", source),
			slog.Int("batch", batchIndex+1),
			slog.Int("total_batches", totalBatches),
			slog.Int("succeeded", report.Succeeded),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed))
	}

	if err := b.embedEntities(ctx); err != nil {
		// Entity vectors can be regenerated on the next build; the
		// extractions themselves are already durable.
		slog.Warn("entity_embedding_failed", slog.String("error", err.Error()))
	}

	report.Duration = time.Since(start)
	slog.Info("graph_build_complete",
		slog.String("source", source),
		slog.Int("chunks", report.TotalChunks),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Bool("cancelled", report.Cancelled),
		slog.Duration("duration", report.Duration))

	return report, nil
}

// runBatch extracts one batch with bounded concurrency. The returned
// error is non-nil only on cancellation.
func (b *Builder) runBatch(ctx context.Context, extractor chunkExtractor, batch []store.Chunk) ([]chunkOutcome, error) {
	outcomes := make([]chunkOutcome, len(batch))
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, chunk := range batch {
		g.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}

			outcome := chunkOutcome{chunk: chunk}

			hasMentions, err := b.store.ChunkHasMentions(groupCtx, chunk.ID)
			if err != nil {
				outcome.failed = true
			} else if hasMentions {
				outcome.skipped = true
			} else {
				extraction, err := extractor.Extract(groupCtx, chunk.Content)
				if err != nil {
					if groupCtx.Err() != nil {
						return groupCtx.Err()
					}
					slog.Warn("chunk_extraction_failed",
						slog.Int64("chunk_id", chunk.ID),
						slog.String("error", err.Error()))
					outcome.failed = true
				} else {
					outcome.extraction = extraction
				}
			}

			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// persistExtraction stores one chunk's entities, relationships and
// mentions. Upsert semantics deduplicate entities shared across chunks.
func (b *Builder) persistExtraction(ctx context.Context, chunkID int64, extraction *Extraction) error {
	entityIDs := make(map[string]int64, len(extraction.Entities))

	for _, ent := range extraction.Entities {
		id, err := b.store.UpsertEntity(ctx, ent.Name, ent.Type, ent.Description)
		if err != nil {
			return err
		}
		entityIDs[ent.Name] = id

		if err := b.store.InsertEntityMention(ctx, store.EntityMention{
			EntityID:   id,
			ChunkID:    chunkID,
			Text:       ent.Name,
			Confidence: ent.Confidence,
		}); err != nil {
			return err
		}
	}

	for _, rel := range extraction.Relationships {
		sourceID, sourceOK := entityIDs[rel.Source]
		targetID, targetOK := entityIDs[rel.Target]
		if !sourceOK || !targetOK {
			continue
		}

		relID, err := b.store.UpsertRelationship(ctx, sourceID, targetID, rel.Type, rel.Description, rel.Weight)
		if err != nil {
			return err
		}

		if err := b.store.InsertRelationshipMention(ctx, store.RelationshipMention{
			RelationshipID: relID,
			ChunkID:        chunkID,
			Context:        rel.Description,
			Confidence:     rel.Confidence,
		}); err != nil {
			return err
		}
	}

	return nil
}

// embedEntities generates vectors for entities lacking one under the
// active model and saves the entity index. Input is "name: description"
// when a description exists, else the name alone.
func (b *Builder) embedEntities(ctx context.Context) error {
	model := b.embedder.ModelName()

	entities, err := b.store.EntitiesNeedingEmbedding(ctx, model)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	texts := make([]string, len(entities))
	ids := make([]int64, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
		if ent.Description != "" {
			texts[i] = fmt.Sprintf("%s: %s", ent.Name, ent.Description)
		} else {
			texts[i] = ent.Name
		}
	}

	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	if err := b.entityIndex.Upsert(ctx, ids, vectors); err != nil {
		return err
	}
	if err := b.entityIndex.Save(); err != nil {
		return err
	}

	for i, ent := range entities {
		if err := b.store.RecordEntityEmbedding(ctx, ent.ID, model, len(vectors[i])); err != nil {
			return err
		}
	}
	return nil
}

// BuildProgress reports extraction progress for a source under the
// active embedding model.
func (b *Builder) BuildProgress(ctx context.Context, source string) (*Progress, error) {
	doc, err := b.store.DocumentBySource(ctx, source, b.embedder.ModelName())
	if err != nil {
		return nil, err
	}

	chunks, err := b.store.GetChunks(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	processed, err := b.store.CountChunksWithMentions(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		TotalChunks:     len(chunks),
		ProcessedChunks: processed,
	}
	if progress.TotalChunks > 0 {
		progress.Percentage = 100 * float64(processed) / float64(progress.TotalChunks)
	}
	return progress, nil
}

// NewLLMExtractorFactory adapts NewExtractor to the Builder's factory
// signature.
func NewLLMExtractorFactory(client llm.Client, timeout time.Duration) func(model string) chunkExtractor {
	return func(model string) chunkExtractor {
		return NewExtractor(client, model, timeout)
	}
}
