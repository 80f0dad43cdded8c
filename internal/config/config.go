// Package config loads and validates Quiver configuration.
//
// Configuration is resolved in three layers, later layers winning:
//  1. Built-in defaults (NewConfig)
//  2. YAML file (quiver.yaml in the data dir, or an explicit path)
//  3. Environment variables (QUIVER_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Quiver configuration.
type Config struct {
	Version    int              `yaml:"version"`
	DataDir    string           `yaml:"data_dir"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Search     SearchConfig     `yaml:"search"`
	Index      IndexConfig      `yaml:"index"`
	Logging    LoggingConfig    `yaml:"logging"`
	Watch      WatchConfig      `yaml:"watch"`
}

// ChunkingConfig configures the recursive text splitter.
type ChunkingConfig struct {
	// Size is the target chunk size in characters.
	Size int `yaml:"size"`
	// Overlap is the number of trailing characters repeated at the start
	// of the next chunk.
	Overlap int `yaml:"overlap"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the backend: "ollama" (default) or "static"
	// (deterministic hash embeddings, no network).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// OllamaHost is the Ollama API endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `yaml:"timeout"`
	// CacheSize is the LRU query-embedding cache size (0 disables).
	CacheSize int `yaml:"cache_size"`
}

// ExtractionConfig configures entity/relationship extraction.
type ExtractionConfig struct {
	// Model is the generation model used for extraction.
	Model string `yaml:"model"`
	// BatchSize is the number of chunks processed per batch.
	BatchSize int `yaml:"batch_size"`
	// Concurrency bounds parallel extraction calls within a batch.
	Concurrency int `yaml:"concurrency"`
	// Timeout is the per-chunk extraction timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// SearchConfig configures the retrieval engine.
type SearchConfig struct {
	// MaxResults caps k when the caller passes zero.
	MaxResults int `yaml:"max_results"`
	// KeywordLimitMultiplier caps the keyword candidate set at k*multiplier.
	KeywordLimitMultiplier int `yaml:"keyword_limit_multiplier"`
	// TopEntities is the number of seed entities for graph augmentation.
	TopEntities int `yaml:"top_entities"`
	// MaxRelated is the number of expanded neighbor entities.
	MaxRelated int `yaml:"max_related"`
	// MaxGraphChunks is the number of chunks recalled through the graph.
	MaxGraphChunks int `yaml:"max_graph_chunks"`
	// RewriteTimeout is the query-rewrite call timeout.
	RewriteTimeout time.Duration `yaml:"rewrite_timeout"`
}

// IndexConfig configures the HNSW vector indices.
type IndexConfig struct {
	// M is HNSW max connections per layer.
	M int `yaml:"m"`
	// EfSearch is HNSW query-time search width.
	EfSearch int `yaml:"ef_search"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// WatchConfig configures the auto-ingest watcher.
type WatchConfig struct {
	// Debounce is the window for coalescing file events.
	Debounce time.Duration `yaml:"debounce"`
}

// ConfigFileName is the YAML file probed inside the data dir.
const ConfigFileName = "quiver.yaml"

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: DefaultDataDir(),
		Chunking: ChunkingConfig{
			Size:    500,
			Overlap: 100,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaHost: "http://localhost:11434",
			BatchSize:  32,
			Timeout:    120 * time.Second,
			CacheSize:  1000,
		},
		Extraction: ExtractionConfig{
			Model:       "llama3.2",
			BatchSize:   8,
			Concurrency: 8,
			Timeout:     90 * time.Second,
		},
		Search: SearchConfig{
			MaxResults:             10,
			KeywordLimitMultiplier: 3,
			TopEntities:            3,
			MaxRelated:             5,
			MaxGraphChunks:         5,
			RewriteTimeout:         30 * time.Second,
		},
		Index: IndexConfig{
			M:        16,
			EfSearch: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}

// DefaultDataDir returns the default data directory (~/.quiver).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".quiver")
	}
	return filepath.Join(home, ".quiver")
}

// Load resolves configuration from defaults, the YAML file inside dir
// (if present) and environment overrides. An empty dir uses the default
// data dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()
	if dir != "" {
		cfg.DataDir = dir
	}

	path := filepath.Join(cfg.DataDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML merges the YAML file at path into the config.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies QUIVER_* environment variables, the highest
// priority layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUIVER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("QUIVER_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("QUIVER_EMBED_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("QUIVER_EMBED_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("QUIVER_EXTRACTION_MODEL"); v != "" {
		c.Extraction.Model = v
	}
	if v := os.Getenv("QUIVER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUIVER_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunking.Size = n
		}
	}
	if v := os.Getenv("QUIVER_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chunking.Overlap = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}
	if c.Extraction.BatchSize <= 0 {
		return fmt.Errorf("extraction.batch_size must be positive, got %d", c.Extraction.BatchSize)
	}
	if c.Extraction.Concurrency <= 0 {
		return fmt.Errorf("extraction.concurrency must be positive, got %d", c.Extraction.Concurrency)
	}
	switch c.Embeddings.Provider {
	case "ollama", "static":
	default:
		return fmt.Errorf("embeddings.provider must be ollama or static, got %q", c.Embeddings.Provider)
	}
	return nil
}

// StorePath returns the structured store path inside the data dir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store.db")
}

// ChunkIndexDir returns the chunk vector index directory.
func (c *Config) ChunkIndexDir() string {
	return filepath.Join(c.DataDir, "chunk_index")
}

// EntityIndexDir returns the entity vector index directory.
func (c *Config) EntityIndexDir() string {
	return filepath.Join(c.DataDir, "entity_index")
}

// SourcesPath returns the informational sources listing path.
func (c *Config) SourcesPath() string {
	return filepath.Join(c.DataDir, "sources.json")
}

// WriteYAML writes the configuration to the given path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
