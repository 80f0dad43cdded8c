// Package search executes the retrieval strategies (embedding, fulltext,
// hybrid) and the orthogonal graph augmentation, and merges their results.
package search

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeEmbedding retrieves by ANN search over chunk vectors.
	ModeEmbedding Mode = "embedding"
	// ModeFulltext retrieves by scored keyword search over chunk text.
	ModeFulltext Mode = "fulltext"
	// ModeHybrid runs both and merges, preferring embedding hits.
	ModeHybrid Mode = "hybrid"
)

// ChatMessage is one turn of conversational context for query rewriting.
type ChatMessage struct {
	Role    string // "user", "assistant" or "system"
	Content string
}

// Options configure one search call. Graph augmentation is orthogonal
// to the mode.
type Options struct {
	Mode Mode

	// ChatModel enables query rewriting for fulltext search when set.
	ChatModel string
	// ChatHistory supplies conversational context for the rewrite.
	ChatHistory []ChatMessage

	// UseGraph enables graph augmentation of the results.
	UseGraph bool
	// TopEntities overrides the number of seed entities (default 3).
	TopEntities int
	// MaxRelated overrides the number of expanded neighbors (default 5).
	MaxRelated int
	// MaxGraphChunks overrides the number of graph-recalled chunks (default 5).
	MaxGraphChunks int
}

// Result is one retrieved chunk.
type Result struct {
	ChunkID int64
	Source  string
	Page    int
	Index   int
	Content string
	Score   float64

	// Origin records which strategy produced the hit.
	Origin Mode

	// Graph marks results recalled or annotated through the entity graph.
	Graph bool
	// EntityNames and EntityTypes annotate graph results with the
	// matched entities.
	EntityNames []string
	EntityTypes []string
}
