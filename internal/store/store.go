package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// Store is the transactional structured store backing documents, chunks
// and the knowledge graph. One writer at a time: writes hold the store's
// lock exclusively, so reads wait for an in-flight write, and the pool
// keeps a single database connection.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// State keys persisted in the state table.
const (
	// StateKeyActiveModel stores the active embedding model name.
	StateKeyActiveModel = "active_embedding_model"
	// StateKeySchemaVersion stores the schema version.
	StateKeySchemaVersion = "schema_version"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// Open opens (or creates) the store at path. An empty path opens an
// in-memory store for testing. On open the schema is verified and
// missing tables and indexes are created.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, qerrors.StorageError(fmt.Sprintf("failed to create store directory %s", filepath.Dir(path)), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, qerrors.StorageError("failed to open database", err)
	}

	// Single writer prevents lock contention; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN pragmas may be ignored by modernc.org/sqlite; set them explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, qerrors.StorageError("failed to set pragma", err)
		}
	}

	s := &Store{db: db, path: path}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, qerrors.StorageError("failed to initialize schema", err)
	}

	return s, nil
}

// initSchema creates missing tables and indexes.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		source          TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		uploaded_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source, embedding_model)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		page        INTEGER,
		content     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL,
		description TEXT,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, type)
	);

	CREATE TABLE IF NOT EXISTS relationships (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		source_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		target_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		type             TEXT NOT NULL,
		description      TEXT,
		weight           REAL NOT NULL DEFAULT 1.0,
		UNIQUE(source_entity_id, target_entity_id, type)
	);

	CREATE TABLE IF NOT EXISTS entity_mentions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id    INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		chunk_id     INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		mention_text TEXT,
		confidence   REAL NOT NULL DEFAULT 1.0,
		UNIQUE(entity_id, chunk_id)
	);

	CREATE TABLE IF NOT EXISTS relationship_mentions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		relationship_id INTEGER NOT NULL REFERENCES relationships(id) ON DELETE CASCADE,
		chunk_id        INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		context         TEXT,
		confidence      REAL NOT NULL DEFAULT 1.0,
		UNIQUE(relationship_id, chunk_id)
	);

	CREATE TABLE IF NOT EXISTS entity_embeddings (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id       INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		embedding_model TEXT NOT NULL,
		dimension       INTEGER NOT NULL,
		UNIQUE(entity_id, embedding_model)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_entity_mentions_chunk ON entity_mentions(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_entity_mentions_entity ON entity_mentions(entity_id);
	CREATE INDEX IF NOT EXISTS idx_rel_mentions_chunk ON relationship_mentions(chunk_id);
	CREATE INDEX IF NOT EXISTS idx_rel_mentions_rel ON relationship_mentions(relationship_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);

	INSERT OR IGNORE INTO state (key, value) VALUES ('` + StateKeySchemaVersion + `', '1');
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction. Transient lock failures are
// retried once; persistent failures roll back and fail the caller.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempt := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	}

	err := attempt()
	if err != nil && isTransient(err) {
		err = attempt()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return qerrors.StorageError("transaction failed", err)
	}
	return nil
}

// isTransient reports whether err looks like a transient SQLite failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// State reads a value from the state table. Missing keys return "".
func (s *Store) State(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", qerrors.StorageError("store is closed", nil)
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", qerrors.StorageError("failed to read state", err)
	}
	return value, nil
}

// SetState writes a value into the state table.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return qerrors.StorageError("store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return qerrors.StorageError("failed to write state", err)
	}
	return nil
}

// Checkpoint forces a WAL checkpoint to ensure durability.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the store. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
