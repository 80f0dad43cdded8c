package embed

import (
	"context"
	"fmt"

	"github.com/quiverdocs/quiver/internal/config"
)

// New constructs the embedder selected by the configuration and wraps
// it with the LRU cache when enabled. The model argument overrides the
// configured model name when non-empty (the Model Governor passes the
// active model explicitly at operation boundaries).
func New(ctx context.Context, cfg config.EmbeddingsConfig, model string) (Embedder, error) {
	if model == "" {
		model = cfg.Model
	}

	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case "static":
		inner = NewStaticEmbedder()
	case "ollama", "":
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:      cfg.OllamaHost,
			Model:     model,
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}
