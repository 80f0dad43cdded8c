package search

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdocs/quiver/internal/config"
	"github.com/quiverdocs/quiver/internal/embed"
	"github.com/quiverdocs/quiver/internal/llm"
	"github.com/quiverdocs/quiver/internal/store"
)

// Engine executes retrieval over the chunk store, both vector indices
// and the knowledge graph. Retrieval reads immutable index snapshots;
// writers never block searches.
type Engine struct {
	store       *store.Store
	chunkIndex  *store.VectorIndex
	entityIndex *store.VectorIndex
	embedder    embed.Embedder
	llm         llm.Client
	config      config.SearchConfig
}

// NewEngine creates a retrieval engine. The llm client may be nil when
// query rewriting is never requested.
func NewEngine(st *store.Store, chunkIndex, entityIndex *store.VectorIndex,
	embedder embed.Embedder, llmClient llm.Client, cfg config.SearchConfig) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.KeywordLimitMultiplier <= 0 {
		cfg.KeywordLimitMultiplier = store.DefaultKeywordLimitMultiplier
	}
	if cfg.TopEntities <= 0 {
		cfg.TopEntities = 3
	}
	if cfg.MaxRelated <= 0 {
		cfg.MaxRelated = 5
	}
	if cfg.MaxGraphChunks <= 0 {
		cfg.MaxGraphChunks = 5
	}
	return &Engine{
		store:       st,
		chunkIndex:  chunkIndex,
		entityIndex: entityIndex,
		embedder:    embedder,
		llm:         llmClient,
		config:      cfg,
	}
}

// Search runs the selected strategy and merges in graph augmentation
// when requested. A failing sub-strategy degrades the result instead of
// aborting the search.
func (e *Engine) Search(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = e.config.MaxResults
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	var (
		results []Result
		err     error
	)
	switch opts.Mode {
	case ModeEmbedding:
		results, err = e.embeddingSearch(ctx, query, k)
	case ModeFulltext:
		results, err = e.fulltextSearch(ctx, query, k, opts)
	case ModeHybrid:
		results, err = e.hybridSearch(ctx, query, k, opts)
	default:
		results, err = e.hybridSearch(ctx, query, k, opts)
	}
	if err != nil {
		if !opts.UseGraph {
			return nil, err
		}
		// Graph augmentation can still answer; degrade.
		slog.Warn("search_strategy_failed",
			slog.String("mode", string(opts.Mode)),
			slog.String("error", err.Error()))
		results = nil
	}

	if opts.UseGraph {
		graphResults := e.graphAugment(ctx, query, opts)
		results = mergeGraphResults(results, graphResults)
	}

	e.logHitDistribution(query, opts.Mode, results)
	return results, nil
}

// embeddingSearch embeds the query and retrieves the top k chunks by
// ANN search. Hits whose rows vanished under us are logged and dropped.
func (e *Engine) embeddingSearch(ctx context.Context, query string, k int) ([]Result, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := e.chunkIndex.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		row, ok := rows[h.ID]
		if !ok {
			slog.Warn("search_missing_chunk_row", slog.Int64("chunk_id", h.ID))
			continue
		}
		results = append(results, Result{
			ChunkID: row.Chunk.ID,
			Source:  row.Source,
			Page:    row.Chunk.Page,
			Index:   row.Chunk.Index,
			Content: row.Chunk.Content,
			Score:   float64(h.Score),
			Origin:  ModeEmbedding,
		})
	}
	return results, nil
}

// fulltextSearch rewrites the query when a chat model is supplied and
// runs scored keyword search.
func (e *Engine) fulltextSearch(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	searchQuery := query
	if opts.ChatModel != "" && e.llm != nil {
		searchQuery = e.rewriteQuery(ctx, query, opts)
	}

	hits, err := e.store.KeywordSearch(ctx, searchQuery, k, e.config.KeywordLimitMultiplier)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ChunkID: h.Chunk.ID,
			Source:  h.Source,
			Page:    h.Chunk.Page,
			Index:   h.Chunk.Index,
			Content: h.Chunk.Content,
			Score:   h.Score,
			Origin:  ModeFulltext,
		})
	}
	return results, nil
}

// hybridSearch runs embedding and fulltext in parallel, merges with
// embedding hits preferred, caps the merged set at 2k and returns the
// top k. Chunk id is the dedup key. One failing side degrades to the
// other; both failing fails the search.
func (e *Engine) hybridSearch(ctx context.Context, query string, k int, opts Options) ([]Result, error) {
	var embResults, ftResults []Result
	var embErr, ftErr error

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embResults, embErr = e.embeddingSearch(groupCtx, query, k)
		return nil
	})
	g.Go(func() error {
		ftResults, ftErr = e.fulltextSearch(groupCtx, query, k, opts)
		return nil
	})
	_ = g.Wait()

	if embErr != nil && ftErr != nil {
		return nil, embErr
	}
	if embErr != nil {
		slog.Warn("hybrid_embedding_failed", slog.String("error", embErr.Error()))
	}
	if ftErr != nil {
		slog.Warn("hybrid_fulltext_failed", slog.String("error", ftErr.Error()))
	}

	merged := mergeByChunkID(embResults, ftResults)
	if len(merged) > 2*k {
		merged = merged[:2*k]
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// mergeByChunkID appends extras not already present, preserving the
// insertion order of both slices.
func mergeByChunkID(primary, extra []Result) []Result {
	seen := make(map[int64]struct{}, len(primary)+len(extra))
	merged := make([]Result, 0, len(primary)+len(extra))
	for _, r := range primary {
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range extra {
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		merged = append(merged, r)
	}
	return merged
}

// mergeGraphResults merges graph hits into the base results, keyed by
// chunk id and preserving insertion order. A base hit that is also a
// graph hit picks up the graph annotations; graph-only hits append.
func mergeGraphResults(base, graph []Result) []Result {
	byChunk := make(map[int64]Result, len(graph))
	for _, g := range graph {
		byChunk[g.ChunkID] = g
	}

	merged := make([]Result, 0, len(base)+len(graph))
	seen := make(map[int64]struct{}, len(base)+len(graph))
	for _, r := range base {
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		if g, ok := byChunk[r.ChunkID]; ok {
			r.Graph = true
			r.EntityNames = g.EntityNames
			r.EntityTypes = g.EntityTypes
		}
		merged = append(merged, r)
	}
	for _, g := range graph {
		if _, dup := seen[g.ChunkID]; dup {
			continue
		}
		seen[g.ChunkID] = struct{}{}
		merged = append(merged, g)
	}
	return merged
}

// logHitDistribution logs the per-source hit counts for debugging.
func (e *Engine) logHitDistribution(query string, mode Mode, results []Result) {
	bySource := make(map[string]int, len(results))
	for _, r := range results {
		bySource[r.Source]++
	}
	slog.Debug("search_hits_by_source",
		slog.String("query", query),
		slog.String("mode", string(mode)),
		slog.Int("hits", len(results)),
		slog.Any("sources", bySource))
}
