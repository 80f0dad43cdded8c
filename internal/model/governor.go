// Package model implements the Model Governor: the single source of
// truth for the active embedding model and the only component permitted
// to authorize the destructive cross-index reset a model switch entails.
//
// Vectors from different models are dimensionally incompatible and
// semantically non-comparable; partial coexistence is forbidden.
package model

import (
	"context"
	"log/slog"
	"os"
	"strings"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
	"github.com/quiverdocs/quiver/internal/store"
)

// Outcome classifies the result of a Set call.
type Outcome string

const (
	// Unchanged means the requested model is already active.
	Unchanged Outcome = "unchanged"
	// ConfirmationRequired means existing vectors belong to other
	// models and the caller must confirm the destructive switch.
	ConfirmationRequired Outcome = "confirmation_required"
	// Switched means the cascade ran and the new model is active.
	Switched Outcome = "switched"
)

// SetResult reports the outcome of a Set call.
type SetResult struct {
	Outcome        Outcome
	ExistingModels []string
	NewModel       string
}

// Governor tracks the active embedding model and enforces cross-index
// dimensional consistency.
type Governor struct {
	store          *store.Store
	chunkIndexDir  string
	entityIndexDir string
}

// NewGovernor creates a governor over the store and the two vector
// index directories.
func NewGovernor(st *store.Store, chunkIndexDir, entityIndexDir string) *Governor {
	return &Governor{
		store:          st,
		chunkIndexDir:  chunkIndexDir,
		entityIndexDir: entityIndexDir,
	}
}

// Normalize strips a trailing ":latest" tag from a model name.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ":latest")
}

// Current returns the active embedding model name, or "" when none has
// been recorded yet.
func (g *Governor) Current(ctx context.Context) (string, error) {
	return g.store.State(ctx, store.StateKeyActiveModel)
}

// EnsureActive records name as the active model if none is recorded,
// and returns the effective active model.
func (g *Governor) EnsureActive(ctx context.Context, name string) (string, error) {
	current, err := g.Current(ctx)
	if err != nil {
		return "", err
	}
	if current != "" {
		return current, nil
	}
	normalized := Normalize(name)
	if err := g.store.SetState(ctx, store.StateKeyActiveModel, normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// Set switches the active embedding model. Without force, the switch is
// refused with ConfirmationRequired while vectors from other models
// exist; no state changes in that case. The destructive cascade deletes
// both vector index directories, all documents and chunks (cascading
// mentions), clears entity embeddings, prunes graph orphans and records
// the new model. Idempotent on retry.
//
// Callers must hold exclusive access: no ingest, graph build or
// retrieval may be in flight.
func (g *Governor) Set(ctx context.Context, name string, force bool) (*SetResult, error) {
	normalized := Normalize(name)
	if normalized == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidPath, "model name is empty", nil)
	}

	current, err := g.Current(ctx)
	if err != nil {
		return nil, err
	}
	if Normalize(current) == normalized {
		return &SetResult{Outcome: Unchanged, NewModel: normalized}, nil
	}

	if !force {
		existing, err := g.vectorModels(ctx)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 && !containsNormalized(existing, normalized) {
			return &SetResult{
				Outcome:        ConfirmationRequired,
				ExistingModels: existing,
				NewModel:       normalized,
			}, nil
		}
	}

	if err := g.cascade(ctx); err != nil {
		return nil, err
	}
	if err := g.store.SetState(ctx, store.StateKeyActiveModel, normalized); err != nil {
		return nil, err
	}

	slog.Info("embedding_model_switched",
		slog.String("previous", current),
		slog.String("active", normalized))

	return &SetResult{Outcome: Switched, NewModel: normalized}, nil
}

// Reset runs the destructive cascade without changing the active
// model. Invoked when an index surfaces a dimension mismatch on load,
// meaning stored vectors disagree with the active model's dimension.
func (g *Governor) Reset(ctx context.Context) error {
	slog.Warn("model_governor_reset", slog.String("reason", "dimension mismatch"))
	return g.cascade(ctx)
}

// vectorModels enumerates the embedding-model names present on stored
// vectors: chunk vectors via document rows, entity vectors via the
// entity embedding rows.
func (g *Governor) vectorModels(ctx context.Context) ([]string, error) {
	docModels, err := g.store.DocumentModels(ctx)
	if err != nil {
		return nil, err
	}
	entityModels, err := g.store.EntityModels(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(docModels)+len(entityModels))
	var models []string
	for _, m := range append(docModels, entityModels...) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		models = append(models, m)
	}
	return models, nil
}

// cascade clears every piece of model-dependent state. Chunk and entity
// vectors are kept in lockstep: both index directories go, and the
// entity embedding rows go with them.
func (g *Governor) cascade(ctx context.Context) error {
	if err := os.RemoveAll(g.chunkIndexDir); err != nil {
		return qerrors.New(qerrors.ErrCodeCorruptIndex, "failed to delete chunk index", err)
	}
	if err := os.RemoveAll(g.entityIndexDir); err != nil {
		return qerrors.New(qerrors.ErrCodeCorruptIndex, "failed to delete entity index", err)
	}
	if err := g.store.DeleteAllDocuments(ctx); err != nil {
		return err
	}
	if err := g.store.DeleteAllEntityEmbeddings(ctx); err != nil {
		return err
	}
	if _, _, err := g.store.CleanupOrphans(ctx); err != nil {
		return err
	}
	return nil
}

// containsNormalized reports whether the normalized form of want
// appears among the normalized names.
func containsNormalized(names []string, want string) bool {
	for _, n := range names {
		if Normalize(n) == want {
			return true
		}
	}
	return false
}
