package store

import (
	"context"
	"sort"
	"strings"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// DefaultKeywordLimitMultiplier caps the keyword candidate set at
// k * multiplier rows to bound scan cost.
const DefaultKeywordLimitMultiplier = 3

// KeywordSearch performs scored substring search over persisted chunk
// text. The query is lowercased and split on whitespace; candidate
// chunks contain at least one token, and each candidate is scored by
// the total number of non-overlapping case-insensitive occurrences
// across all tokens. Returns the top k by descending score, ties broken
// by ascending chunk id.
func (s *Store) KeywordSearch(ctx context.Context, query string, k, limitMultiplier int) ([]ChunkHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}
	if k <= 0 {
		return []ChunkHit{}, nil
	}
	if limitMultiplier <= 0 {
		limitMultiplier = DefaultKeywordLimitMultiplier
	}

	keywords := tokenizeQuery(query)
	if len(keywords) == 0 {
		return []ChunkHit{}, nil
	}

	// Candidate recall: chunks whose lowercased content contains any token.
	conds := make([]string, len(keywords))
	args := make([]any, 0, len(keywords)+1)
	for i, kw := range keywords {
		conds[i] = `lower(c.content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(kw)+"%")
	}
	args = append(args, k*limitMultiplier)

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE `+strings.Join(conds, " OR ")+`
		 LIMIT ?`, args...)
	if err != nil {
		return nil, qerrors.StorageError("keyword search failed", err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var hit ChunkHit
		if err := rows.Scan(&hit.Chunk.ID, &hit.Chunk.DocumentID, &hit.Chunk.Index,
			&hit.Chunk.Page, &hit.Chunk.Content, &hit.Source); err != nil {
			return nil, qerrors.StorageError("failed to scan keyword hit", err)
		}
		hit.Score = scoreOccurrences(hit.Chunk.Content, keywords)
		if hit.Score > 0 {
			hits = append(hits, hit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.StorageError("keyword search failed", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// tokenizeQuery lowercases and splits on whitespace, dropping empties.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// scoreOccurrences counts non-overlapping case-insensitive occurrences
// of every keyword in content.
func scoreOccurrences(content string, keywords []string) float64 {
	lowered := strings.ToLower(content)
	var total int
	for _, kw := range keywords {
		total += strings.Count(lowered, kw)
	}
	return float64(total)
}

// escapeLike escapes LIKE wildcards in a keyword.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
