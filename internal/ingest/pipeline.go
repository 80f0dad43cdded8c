package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/quiverdocs/quiver/internal/embed"
	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/store"
)

// Report summarizes one ingest operation.
type Report struct {
	Source     string
	DocumentID int64
	Chunks     int
	Pages      int
	Replaced   bool
	Model      string
	Duration   time.Duration
}

// Pipeline ingests source documents: parse, split, persist chunks, and
// embed into the chunk vector index. Graph building is deliberately not
// part of ingest; it runs separately so ingest latency is not bound to
// LLM extraction.
type Pipeline struct {
	store      *store.Store
	chunkIndex *store.VectorIndex
	embedder   embed.Embedder
	splitter   *Splitter
}

// NewPipeline creates an ingest pipeline.
func NewPipeline(st *store.Store, chunkIndex *store.VectorIndex, embedder embed.Embedder, splitter *Splitter) *Pipeline {
	if splitter == nil {
		splitter = NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Pipeline{
		store:      st,
		chunkIndex: chunkIndex,
		embedder:   embedder,
		splitter:   splitter,
	}
}

// Ingest parses, splits, stores and embeds one source file. Re-ingest
// of a known source replaces its chunks and vectors. Not cancellable
// mid-flight: it either completes or errors atomically (embedding
// failures after the store commit run compensation before returning).
func (p *Pipeline) Ingest(ctx context.Context, sourcePath string) (*Report, error) {
	start := time.Now()

	// Source paths are canonicalized to absolute form at ingest;
	// basenames are never identifiers.
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidPath, fmt.Sprintf("cannot resolve %s", sourcePath), err)
	}

	pages, err := ParseSource(abs)
	if err != nil {
		return nil, err
	}

	chunks := p.splitPages(pages)
	if len(chunks) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeInvalidPath,
			fmt.Sprintf("source %s contains no extractable text", abs), nil)
	}

	model := p.embedder.ModelName()

	docID, existed, err := p.store.InsertDocument(ctx, abs, model)
	if err != nil {
		return nil, err
	}

	// Re-ingest: evict the previous generation's vectors before the
	// chunk swap so the index never serves stale ids.
	if existed {
		old, err := p.store.GetChunks(ctx, docID)
		if err != nil {
			return nil, err
		}
		oldIDs := make([]int64, len(old))
		for i, c := range old {
			oldIDs[i] = c.ID
		}
		if err := p.chunkIndex.RebuildExcluding(ctx, oldIDs); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeCorruptIndex, "failed to rebuild chunk index", err)
		}
	}

	chunkIDs, err := p.store.ReplaceChunks(ctx, docID, chunks)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, p.compensate(ctx, docID, chunkIDs, abs, err)
	}

	if err := p.chunkIndex.Upsert(ctx, chunkIDs, vectors); err != nil {
		return nil, p.compensate(ctx, docID, chunkIDs, abs, err)
	}

	if err := p.chunkIndex.Save(); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeCorruptIndex, "failed to save chunk index", err)
	}

	report := &Report{
		Source:     abs,
		DocumentID: docID,
		Chunks:     len(chunkIDs),
		Pages:      len(pages),
		Replaced:   existed,
		Model:      model,
		Duration:   time.Since(start),
	}

	slog.Info("ingest_complete",
		slog.String("source", abs),
		slog.Int("chunks", report.Chunks),
		slog.Int("pages", report.Pages),
		slog.Bool("replaced", existed),
		slog.Duration("duration", report.Duration))

	return report, nil
}

// splitPages splits each page and assigns document-wide ordinals, so
// chunk ordering follows page order and page numbers are non-decreasing
// along it.
func (p *Pipeline) splitPages(pages []Page) []store.NewChunk {
	var chunks []store.NewChunk
	ordinal := 0
	for _, page := range pages {
		for _, text := range p.splitter.Split(page.Text) {
			chunks = append(chunks, store.NewChunk{
				Index:   ordinal,
				Page:    page.Number,
				Content: text,
			})
			ordinal++
		}
	}
	return chunks
}

// compensate unwinds a failed embedding pass: the document row and its
// chunks go, and any index points added for the new chunk ids go too.
// The surfaced error identifies the likely cause.
func (p *Pipeline) compensate(ctx context.Context, docID int64, chunkIDs []int64, source string, cause error) error {
	// Compensation must run even when the caller's context is done.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := p.store.DeleteDocumentByID(cleanupCtx, docID); err != nil {
		slog.Error("ingest_compensation_failed",
			slog.String("source", source),
			slog.String("error", err.Error()))
	}
	if err := p.chunkIndex.Delete(cleanupCtx, chunkIDs); err != nil {
		slog.Error("ingest_compensation_failed",
			slog.String("source", source),
			slog.String("error", err.Error()))
	}
	if err := p.chunkIndex.Save(); err != nil {
		slog.Error("ingest_compensation_failed",
			slog.String("source", source),
			slog.String("error", err.Error()))
	}

	reason := "service_error"
	switch {
	case store.IsDimensionMismatch(cause):
		reason = "dimension_mismatch"
	case qerrors.IsCode(cause, qerrors.ErrCodeModelNotInstalled):
		reason = "model_missing"
	}

	return qerrors.New(qerrors.ErrCodeEmbeddingFailed,
		fmt.Sprintf("embedding failed for %s", source), cause).
		WithDetail("cause", reason).
		WithDetail("model", p.embedder.ModelName())
}
