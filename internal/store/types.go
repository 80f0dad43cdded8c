// Package store provides the persistence layer for Quiver: the SQLite
// structured store (documents, chunks, knowledge graph) and the HNSW
// vector indices for chunk and entity embeddings.
package store

import (
	"fmt"
	"time"
)

// Document represents an ingested source file.
type Document struct {
	ID             int64
	Source         string // absolute path of the source file
	EmbeddingModel string
	UploadedAt     time.Time
}

// Chunk represents a retrievable unit of document text.
type Chunk struct {
	ID         int64
	DocumentID int64
	Index      int // ordinal within the document
	Page       int // 1-based page number, 0 when unknown
	Content    string
}

// NewChunk is a chunk pending insertion, before an id is assigned.
type NewChunk struct {
	Index   int
	Page    int
	Content string
}

// Entity is a node of the knowledge graph, deduplicated by (name, type).
type Entity struct {
	ID          int64
	Name        string
	Type        string
	Description string
	CreatedAt   time.Time
}

// Relationship is a typed edge between two entities, deduplicated by
// (source, target, type).
type Relationship struct {
	ID          int64
	SourceID    int64
	TargetID    int64
	Type        string
	Description string
	Weight      float64
}

// EntityMention links an entity to the chunk it occurs in.
type EntityMention struct {
	EntityID   int64
	ChunkID    int64
	Text       string
	Confidence float64
}

// RelationshipMention links a relationship to the chunk it occurs in.
type RelationshipMention struct {
	RelationshipID int64
	ChunkID        int64
	Context        string
	Confidence     float64
}

// ChunkHit is a scored chunk returned by keyword search.
type ChunkHit struct {
	Chunk  Chunk
	Source string // owning document's source path
	Score  float64
}

// EntityHit is a scored entity returned by keyword entity search.
type EntityHit struct {
	Entity Entity
	Score  float64
}

// RelatedEntity is a neighbor entity scored by relationship strength.
type RelatedEntity struct {
	Entity           Entity
	RelationshipType string
	Score            float64
}

// GraphChunk is a chunk recalled through the entity graph, annotated
// with the matched entities.
type GraphChunk struct {
	Chunk       Chunk
	Source      string
	EntityNames []string
	EntityTypes []string
	EntityCount int
}

// SourceInfo summarizes one ingested source for listing.
type SourceInfo struct {
	Source string
	Models []string
}

// relationshipTypeWeights rank graph neighbors during expansion.
// Unknown types default to 1.0.
var relationshipTypeWeights = map[string]float64{
	"CITES":           2.0,
	"AUTHORED":        1.8,
	"PROPOSES":        1.5,
	"EXTENDS":         1.3,
	"BASED_ON":        1.3,
	"USES_METHOD":     1.2,
	"USES_DATASET":    1.2,
	"STUDIES":         1.1,
	"ABOUT":           1.1,
	"CONTRADICTS":     1.0,
	"RELATED_TO":      0.8,
	"AFFILIATED_WITH": 0.7,
}

// RelationshipTypeWeight returns the ranking weight for a relationship type.
func RelationshipTypeWeight(relType string) float64 {
	if w, ok := relationshipTypeWeights[relType]; ok {
		return w
	}
	return 1.0
}

// VectorResult is a single ANN search hit.
type VectorResult struct {
	ID    int64
	Score float32 // normalized similarity in [0, 1], higher is closer
}

// VectorIndexConfig configures an HNSW vector index.
type VectorIndexConfig struct {
	// Dimensions is the vector dimension D. Recorded at creation.
	Dimensions int

	// Model is the embedding model that produced the vectors.
	Model string

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 64).
	EfSearch int
}

// ErrDimensionMismatch indicates a vector's dimension disagrees with the
// index's recorded dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: index has %d, got %d", e.Expected, e.Got)
}
