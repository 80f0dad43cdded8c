package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// InsertDocument inserts a document row for (source, model), or returns
// the existing row's id with existed=true. Idempotent on (source, model);
// on re-ingest the caller is expected to replace the chunks.
func (s *Store) InsertDocument(ctx context.Context, source, model string) (docID int64, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, qerrors.StorageError("store is closed", nil)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE source = ? AND embedding_model = ?`, source, model)
		switch scanErr := row.Scan(&docID); scanErr {
		case nil:
			existed = true
			return nil
		case sql.ErrNoRows:
		default:
			return scanErr
		}

		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO documents (source, embedding_model) VALUES (?, ?)`, source, model)
		if insErr != nil {
			return insErr
		}
		docID, insErr = res.LastInsertId()
		return insErr
	})
	return docID, existed, err
}

// ReplaceChunks atomically replaces all chunks of a document with the
// given ordered set and returns the new chunk ids in ordinal order.
// Mentions of the old chunks cascade away with them.
func (s *Store) ReplaceChunks(ctx context.Context, docID int64, chunks []NewChunk) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	ids := make([]int64, 0, len(chunks))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (document_id, chunk_index, page, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			var page any
			if c.Page > 0 {
				page = c.Page
			}
			res, err := stmt.ExecContext(ctx, docID, c.Index, page, c.Content)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetChunks returns a document's chunks ordered by ordinal index.
func (s *Store) GetChunks(ctx context.Context, docID int64) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, COALESCE(page, 0), content
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, qerrors.StorageError("failed to query chunks", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// GetChunk returns a single chunk by id.
func (s *Store) GetChunk(ctx context.Context, chunkID int64) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	var c Chunk
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, chunk_index, COALESCE(page, 0), content
		 FROM chunks WHERE id = ?`, chunkID).
		Scan(&c.ID, &c.DocumentID, &c.Index, &c.Page, &c.Content)
	if err == sql.ErrNoRows {
		return nil, qerrors.New(qerrors.ErrCodeNotFound, fmt.Sprintf("chunk %d not found", chunkID), nil)
	}
	if err != nil {
		return nil, qerrors.StorageError("failed to query chunk", err)
	}
	return &c, nil
}

// GetChunksByIDs returns chunks with their source paths, in no
// particular order. Missing ids are silently absent from the result.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]ChunkHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}
	if len(ids) == 0 {
		return map[int64]ChunkHit{}, nil
	}

	query := fmt.Sprintf(
		`SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.id IN (%s)`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, qerrors.StorageError("failed to query chunks", err)
	}
	defer rows.Close()

	result := make(map[int64]ChunkHit, len(ids))
	for rows.Next() {
		var hit ChunkHit
		if err := rows.Scan(&hit.Chunk.ID, &hit.Chunk.DocumentID, &hit.Chunk.Index,
			&hit.Chunk.Page, &hit.Chunk.Content, &hit.Source); err != nil {
			return nil, qerrors.StorageError("failed to scan chunk", err)
		}
		result[hit.Chunk.ID] = hit
	}
	return result, rows.Err()
}

// DocumentBySource returns the document for a source under the given
// model, or a NotFound error.
func (s *Store) DocumentBySource(ctx context.Context, source, model string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	var d Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, embedding_model, uploaded_at FROM documents
		 WHERE source = ? AND embedding_model = ?`, source, model).
		Scan(&d.ID, &d.Source, &d.EmbeddingModel, &d.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, qerrors.New(qerrors.ErrCodeNotFound, fmt.Sprintf("no document for source %s", source), nil)
	}
	if err != nil {
		return nil, qerrors.StorageError("failed to query document", err)
	}
	return &d, nil
}

// ChunkIDsBySource returns the chunk ids of every document matching the
// source path, across all embedding models.
func (s *Store) ChunkIDsBySource(ctx context.Context, source string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE d.source = ? ORDER BY c.id`, source)
	if err != nil {
		return nil, qerrors.StorageError("failed to query chunk ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, qerrors.StorageError("failed to scan chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteDocument deletes every document matching the source path,
// cascading chunks and mentions, and returns the deleted chunk ids so
// callers can evict their vectors.
func (s *Store) DeleteDocument(ctx context.Context, source string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT c.id FROM chunks c JOIN documents d ON d.id = c.document_id
			 WHERE d.source = ?`, source)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE source = ?`, source)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteDocumentByID deletes one document row, cascading its chunks.
// Used by ingest compensation after a failed embedding pass.
func (s *Store) DeleteDocumentByID(ctx context.Context, docID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return qerrors.StorageError("failed to delete document", err)
	}
	return nil
}

// DeleteAllDocuments removes every document, cascading all chunks and
// mentions. Part of the Governor's model-switch cascade.
func (s *Store) DeleteAllDocuments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM documents`)
	if err != nil {
		return qerrors.StorageError("failed to delete documents", err)
	}
	return nil
}

// ListSources returns every ingested source with the embedding models
// it was ingested under, ordered by source path.
func (s *Store) ListSources(ctx context.Context) ([]SourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, embedding_model FROM documents ORDER BY source, embedding_model`)
	if err != nil {
		return nil, qerrors.StorageError("failed to query sources", err)
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var source, model string
		if err := rows.Scan(&source, &model); err != nil {
			return nil, qerrors.StorageError("failed to scan source", err)
		}
		if n := len(out); n > 0 && out[n-1].Source == source {
			out[n-1].Models = append(out[n-1].Models, model)
			continue
		}
		out = append(out, SourceInfo{Source: source, Models: []string{model}})
	}
	return out, rows.Err()
}

// DocumentModels returns the distinct embedding-model names present on
// document rows. The Governor uses this for the switch confirmation.
func (s *Store) DocumentModels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, qerrors.StorageError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT embedding_model FROM documents ORDER BY embedding_model`)
	if err != nil {
		return nil, qerrors.StorageError("failed to query models", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, qerrors.StorageError("failed to scan model", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// CountDocuments returns the number of document rows.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	return s.countRows(ctx, "documents")
}

// CountChunks returns the number of chunk rows.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	return s.countRows(ctx, "chunks")
}

func (s *Store) countRows(ctx context.Context, table string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, qerrors.StorageError("store is closed", nil)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, qerrors.StorageError("failed to count "+table, err)
	}
	return n, nil
}

// scanChunks collects chunk rows from a query over the chunk columns.
func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Page, &c.Content); err != nil {
			return nil, qerrors.StorageError("failed to scan chunk", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// placeholders builds "?, ?, ..." for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// int64Args converts ids to driver args.
func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
