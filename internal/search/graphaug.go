package search

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdocs/quiver/internal/store"
)

// graphAugment expands a query into chunks via the entity graph:
// seed entities from keyword and embedding entity search, neighbor
// expansion over relationships, then chunk recall grouped by matched
// entity count. Failures degrade to no graph results.
func (e *Engine) graphAugment(ctx context.Context, query string, opts Options) []Result {
	topEntities := opts.TopEntities
	if topEntities <= 0 {
		topEntities = e.config.TopEntities
	}
	maxRelated := opts.MaxRelated
	if maxRelated <= 0 {
		maxRelated = e.config.MaxRelated
	}
	maxChunks := opts.MaxGraphChunks
	if maxChunks <= 0 {
		maxChunks = e.config.MaxGraphChunks
	}

	seeds := e.seedEntities(ctx, query, topEntities)
	if len(seeds) == 0 {
		return nil
	}

	neighbors, err := e.store.RelatedEntities(ctx, seeds, maxRelated)
	if err != nil {
		slog.Warn("graph_expansion_failed", slog.String("error", err.Error()))
		neighbors = nil
	}

	entityIDs := make([]int64, 0, len(seeds)+len(neighbors))
	entityIDs = append(entityIDs, seeds...)
	for _, n := range neighbors {
		entityIDs = append(entityIDs, n.Entity.ID)
	}

	chunks, err := e.store.ChunksOfEntities(ctx, entityIDs, maxChunks)
	if err != nil {
		slog.Warn("graph_chunk_recall_failed", slog.String("error", err.Error()))
		return nil
	}

	results := make([]Result, 0, len(chunks))
	for _, gc := range chunks {
		results = append(results, Result{
			ChunkID:     gc.Chunk.ID,
			Source:      gc.Source,
			Page:        gc.Chunk.Page,
			Index:       gc.Chunk.Index,
			Content:     gc.Chunk.Content,
			Score:       float64(gc.EntityCount),
			Graph:       true,
			EntityNames: gc.EntityNames,
			EntityTypes: gc.EntityTypes,
		})
	}
	return results
}

// seedEntities merges keyword and embedding entity search with additive
// scores and returns the top ids.
func (e *Engine) seedEntities(ctx context.Context, query string, top int) []int64 {
	var keywordHits []store.EntityHit
	var vectorHits []store.VectorResult

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.store.KeywordEntitySearch(groupCtx, query, top*2)
		if err != nil {
			slog.Warn("entity_keyword_search_failed", slog.String("error", err.Error()))
			return nil
		}
		keywordHits = hits
		return nil
	})
	g.Go(func() error {
		if e.entityIndex.Count() == 0 {
			return nil
		}
		vec, err := e.embedder.Embed(groupCtx, query)
		if err != nil {
			slog.Warn("entity_embedding_search_failed", slog.String("error", err.Error()))
			return nil
		}
		hits, err := e.entityIndex.Search(groupCtx, vec, top*2)
		if err != nil {
			slog.Warn("entity_embedding_search_failed", slog.String("error", err.Error()))
			return nil
		}
		vectorHits = hits
		return nil
	})
	_ = g.Wait()

	scores := make(map[int64]float64, len(keywordHits)+len(vectorHits))
	for _, h := range keywordHits {
		scores[h.Entity.ID] += h.Score
	}
	for _, h := range vectorHits {
		scores[h.ID] += float64(h.Score)
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > top {
		ids = ids[:top]
	}
	return ids
}
