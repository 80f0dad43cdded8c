package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// UpsertEntity inserts or finds the entity (name, type) and returns its
// id. A non-empty description replaces the stored one.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, qerrors.StorageError("store is closed", nil)
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM entities WHERE name = ? AND type = ?`, name, entityType)
		switch scanErr := row.Scan(&id); scanErr {
		case nil:
			if description != "" {
				_, err := tx.ExecContext(ctx,
					`UPDATE entities SET description = ? WHERE id = ?`, description, id)
				return err
			}
			return nil
		case sql.ErrNoRows:
		default:
			return scanErr
		}

		var desc any
		if description != "" {
			desc = description
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entities (name, type, description) VALUES (?, ?, ?)`, name, entityType, desc)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpsertRelationship inserts or finds the relationship (src, tgt, type)
// and returns its id. Description and weight update when provided.
func (s *Store) UpsertRelationship(ctx context.Context, src, tgt int64, relType, description string, weight float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, qerrors.StorageError("store is closed", nil)
	}
	if weight < 0 {
		weight = 0
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM relationships
			 WHERE source_entity_id = ? AND target_entity_id = ? AND type = ?`, src, tgt, relType)
		switch scanErr := row.Scan(&id); scanErr {
		case nil:
			if description != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE relationships SET description = ? WHERE id = ?`, description, id); err != nil {
					return err
				}
			}
			if weight > 0 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE relationships SET weight = ? WHERE id = ?`, weight, id); err != nil {
					return err
				}
			}
			return nil
		case sql.ErrNoRows:
		default:
			return scanErr
		}

		var desc any
		if description != "" {
			desc = description
		}
		if weight == 0 {
			weight = 1.0
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO relationships (source_entity_id, target_entity_id, type, description, weight)
			 VALUES (?, ?, ?, ?, ?)`, src, tgt, relType, desc, weight)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// InsertEntityMention records that an entity occurs in a chunk.
// Duplicate (entity, chunk) pairs are ignored.
func (s *Store) InsertEntityMention(ctx context.Context, m EntityMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entity_mentions (entity_id, chunk_id, mention_text, confidence)
		 VALUES (?, ?, ?, ?)`, m.EntityID, m.ChunkID, m.Text, m.Confidence)
	if err != nil {
		return qerrors.StorageError("failed to insert entity mention", err)
	}
	return nil
}

// InsertRelationshipMention records that a relationship occurs in a chunk.
// Duplicate (relationship, chunk) pairs are ignored.
func (s *Store) InsertRelationshipMention(ctx context.Context, m RelationshipMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO relationship_mentions (relationship_id, chunk_id, context, confidence)
		 VALUES (?, ?, ?, ?)`, m.RelationshipID, m.ChunkID, m.Context, m.Confidence)
	if err != nil {
		return qerrors.StorageError("failed to insert relationship mention", err)
	}
	return nil
}

// EntitiesOfChunk returns the entities mentioned in a chunk.
func (s *Store) EntitiesOfChunk(ctx context.Context, chunkID int64) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at
		 FROM entities e JOIN entity_mentions m ON m.entity_id = e.id
		 WHERE m.chunk_id = ? ORDER BY e.id`, chunkID)
	if err != nil {
		return nil, qerrors.StorageError("failed to query chunk entities", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// ChunkHasMentions reports whether a chunk already has at least one
// entity mention. The graph builder uses this to skip extracted chunks.
func (s *Store) ChunkHasMentions(ctx context.Context, chunkID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, qerrors.StorageError("store is closed", nil)
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_mentions WHERE chunk_id = ?`, chunkID).Scan(&n)
	if err != nil {
		return false, qerrors.StorageError("failed to count mentions", err)
	}
	return n > 0, nil
}

// CountChunksWithMentions returns how many of a document's chunks have
// at least one entity mention. Drives graph-build progress reporting.
func (s *Store) CountChunksWithMentions(ctx context.Context, docID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, qerrors.StorageError("store is closed", nil)
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT c.id) FROM chunks c
		 JOIN entity_mentions m ON m.chunk_id = c.id
		 WHERE c.document_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, qerrors.StorageError("failed to count extracted chunks", err)
	}
	return n, nil
}

// ChunksOfEntities returns chunks mentioning any of the entities,
// annotated with the distinct entity names and types matched, ordered
// by descending distinct-entity count then ordinal index.
func (s *Store) ChunksOfEntities(ctx context.Context, entityIDs []int64, max int) ([]GraphChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}
	if len(entityIDs) == 0 || max <= 0 {
		return []GraphChunk{}, nil
	}

	query := fmt.Sprintf(
		`SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source,
		        GROUP_CONCAT(DISTINCT e.name), GROUP_CONCAT(DISTINCT e.type),
		        COUNT(DISTINCT e.id) AS entity_count
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 JOIN entity_mentions m ON m.chunk_id = c.id
		 JOIN entities e ON e.id = m.entity_id
		 WHERE m.entity_id IN (%s)
		 GROUP BY c.id
		 ORDER BY entity_count DESC, c.chunk_index ASC
		 LIMIT ?`, placeholders(len(entityIDs)))

	args := append(int64Args(entityIDs), max)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerrors.StorageError("failed to query graph chunks", err)
	}
	defer rows.Close()

	var out []GraphChunk
	for rows.Next() {
		var gc GraphChunk
		var names, types string
		if err := rows.Scan(&gc.Chunk.ID, &gc.Chunk.DocumentID, &gc.Chunk.Index,
			&gc.Chunk.Page, &gc.Chunk.Content, &gc.Source, &names, &types, &gc.EntityCount); err != nil {
			return nil, qerrors.StorageError("failed to scan graph chunk", err)
		}
		gc.EntityNames = strings.Split(names, ",")
		gc.EntityTypes = strings.Split(types, ",")
		out = append(out, gc)
	}
	return out, rows.Err()
}

// RelatedEntities returns entities connected to any seed by a
// relationship in either direction, excluding the seeds themselves.
// Each neighbor is scored by stored weight times the relationship-type
// weight; the best-scoring edge wins when several connect the same
// neighbor. Returns the top max by descending score.
func (s *Store) RelatedEntities(ctx context.Context, seedIDs []int64, max int) ([]RelatedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}
	if len(seedIDs) == 0 || max <= 0 {
		return []RelatedEntity{}, nil
	}

	ph := placeholders(len(seedIDs))
	query := fmt.Sprintf(
		`SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at, r.type, r.weight
		 FROM relationships r
		 JOIN entities e ON e.id = CASE
		     WHEN r.source_entity_id IN (%s) THEN r.target_entity_id
		     ELSE r.source_entity_id END
		 WHERE (r.source_entity_id IN (%s) OR r.target_entity_id IN (%s))
		   AND e.id NOT IN (%s)`, ph, ph, ph, ph)

	args := make([]any, 0, 4*len(seedIDs))
	for i := 0; i < 4; i++ {
		args = append(args, int64Args(seedIDs)...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerrors.StorageError("failed to query related entities", err)
	}
	defer rows.Close()

	best := make(map[int64]RelatedEntity)
	for rows.Next() {
		var re RelatedEntity
		var weight float64
		if err := rows.Scan(&re.Entity.ID, &re.Entity.Name, &re.Entity.Type,
			&re.Entity.Description, &re.Entity.CreatedAt, &re.RelationshipType, &weight); err != nil {
			return nil, qerrors.StorageError("failed to scan related entity", err)
		}
		re.Score = weight * RelationshipTypeWeight(re.RelationshipType)
		if prev, ok := best[re.Entity.ID]; !ok || re.Score > prev.Score {
			best[re.Entity.ID] = re
		}
	}
	if err := rows.Err(); err != nil {
		return nil, qerrors.StorageError("failed to read related entities", err)
	}

	out := make([]RelatedEntity, 0, len(best))
	for _, re := range best {
		out = append(out, re)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// KeywordEntitySearch finds entities whose name contains the query
// (case-insensitive), ranked by mention count plus a log-scaled
// popularity bonus.
func (s *Store) KeywordEntitySearch(ctx context.Context, query string, limit int) ([]EntityHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" || limit <= 0 {
		return []EntityHit{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at,
		        COUNT(m.id) AS mention_count
		 FROM entities e
		 LEFT JOIN entity_mentions m ON m.entity_id = e.id
		 WHERE lower(e.name) LIKE ? ESCAPE '\'
		 GROUP BY e.id
		 ORDER BY mention_count DESC, e.id ASC
		 LIMIT ?`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, qerrors.StorageError("keyword entity search failed", err)
	}
	defer rows.Close()

	var out []EntityHit
	for rows.Next() {
		var hit EntityHit
		var mentions int
		if err := rows.Scan(&hit.Entity.ID, &hit.Entity.Name, &hit.Entity.Type,
			&hit.Entity.Description, &hit.Entity.CreatedAt, &mentions); err != nil {
			return nil, qerrors.StorageError("failed to scan entity hit", err)
		}
		hit.Score = float64(mentions) + math.Log1p(float64(mentions))
		out = append(out, hit)
	}
	return out, rows.Err()
}

// EntitiesNeedingEmbedding returns entities without an embedding row
// for the given model.
func (s *Store) EntitiesNeedingEmbedding(ctx context.Context, model string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at
		 FROM entities e
		 WHERE NOT EXISTS (
		     SELECT 1 FROM entity_embeddings ee
		     WHERE ee.entity_id = e.id AND ee.embedding_model = ?)
		 ORDER BY e.id`, model)
	if err != nil {
		return nil, qerrors.StorageError("failed to query unembedded entities", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// RecordEntityEmbedding marks that an entity has a vector under the
// given model in the entity index.
func (s *Store) RecordEntityEmbedding(ctx context.Context, entityID int64, model string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_embeddings (entity_id, embedding_model, dimension) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id, embedding_model) DO UPDATE SET dimension = excluded.dimension`,
		entityID, model, dimension)
	if err != nil {
		return qerrors.StorageError("failed to record entity embedding", err)
	}
	return nil
}

// EntityModels returns the distinct embedding-model names present on
// entity embedding rows.
func (s *Store) EntityModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT embedding_model FROM entity_embeddings ORDER BY embedding_model`)
	if err != nil {
		return nil, qerrors.StorageError("failed to query entity models", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, qerrors.StorageError("failed to scan entity model", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// DeleteAllEntityEmbeddings clears every entity embedding row. Part of
// the Governor's model-switch cascade.
func (s *Store) DeleteAllEntityEmbeddings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entity_embeddings`); err != nil {
		return qerrors.StorageError("failed to delete entity embeddings", err)
	}
	return nil
}

// CleanupOrphans deletes entities with no mentions, then relationships
// with no mentions. Orphan pruning is the authoritative graph cleanup;
// entities are shared and never cascade from chunk deletion.
func (s *Store) CleanupOrphans(ctx context.Context) (entitiesDeleted, relationshipsDeleted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, qerrors.StorageError("store is closed", nil)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE id NOT IN (SELECT DISTINCT entity_id FROM entity_mentions)`)
		if err != nil {
			return err
		}
		entitiesDeleted, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE id NOT IN (SELECT DISTINCT relationship_id FROM relationship_mentions)`)
		if err != nil {
			return err
		}
		relationshipsDeleted, _ = res.RowsAffected()
		return nil
	})
	return entitiesDeleted, relationshipsDeleted, err
}

// CountEntities returns the number of entity rows.
func (s *Store) CountEntities(ctx context.Context) (int, error) {
	return s.countRows(ctx, "entities")
}

// CountRelationships returns the number of relationship rows.
func (s *Store) CountRelationships(ctx context.Context) (int, error) {
	return s.countRows(ctx, "relationships")
}

// CountEntityMentions returns the number of entity mention rows.
func (s *Store) CountEntityMentions(ctx context.Context) (int, error) {
	return s.countRows(ctx, "entity_mentions")
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.CreatedAt); err != nil {
			return nil, qerrors.StorageError("failed to scan entity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
