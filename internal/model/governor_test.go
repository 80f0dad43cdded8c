package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdocs/quiver/internal/store"
)

type governorFixture struct {
	store          *store.Store
	governor       *Governor
	chunkIndexDir  string
	entityIndexDir string
}

func newGovernorFixture(t *testing.T) *governorFixture {
	t.Helper()

	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	base := t.TempDir()
	chunkDir := filepath.Join(base, "chunk_index")
	entityDir := filepath.Join(base, "entity_index")
	require.NoError(t, os.MkdirAll(chunkDir, 0o755))
	require.NoError(t, os.MkdirAll(entityDir, 0o755))

	return &governorFixture{
		store:          st,
		governor:       NewGovernor(st, chunkDir, entityDir),
		chunkIndexDir:  chunkDir,
		entityIndexDir: entityDir,
	}
}

// seedIndexedState ingests a document row with chunks and an entity
// with a mention and embedding, under the given model.
func (f *governorFixture) seedIndexedState(t *testing.T, model string) {
	t.Helper()
	ctx := context.Background()

	docID, _, err := f.store.InsertDocument(ctx, "/docs/a.txt", model)
	require.NoError(t, err)
	chunkIDs, err := f.store.ReplaceChunks(ctx, docID, []store.NewChunk{{Index: 0, Content: "kant"}})
	require.NoError(t, err)

	entID, err := f.store.UpsertEntity(ctx, "Kant", "PERSON", "")
	require.NoError(t, err)
	require.NoError(t, f.store.InsertEntityMention(ctx, store.EntityMention{
		EntityID: entID, ChunkID: chunkIDs[0], Confidence: 1,
	}))
	require.NoError(t, f.store.RecordEntityEmbedding(ctx, entID, model, 256))
}

func TestNormalize_StripsLatestTag(t *testing.T) {
	assert.Equal(t, "nomic-embed-text", Normalize("nomic-embed-text:latest"))
	assert.Equal(t, "nomic-embed-text:v1.5", Normalize("nomic-embed-text:v1.5"))
	assert.Equal(t, "plain", Normalize("  plain  "))
}

func TestGovernor_EnsureActive(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	active, err := f.governor.EnsureActive(ctx, "model-a:latest")
	require.NoError(t, err)
	assert.Equal(t, "model-a", active)

	// A second call keeps the recorded model.
	active, err = f.governor.EnsureActive(ctx, "model-b")
	require.NoError(t, err)
	assert.Equal(t, "model-a", active)
}

func TestGovernor_Set_UnchangedForSameModel(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)
	f.seedIndexedState(t, "model-a")

	// Tag variants normalize to the same model; nothing is touched.
	result, err := f.governor.Set(ctx, "model-a:latest", false)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, result.Outcome)

	docs, err := f.store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
}

func TestGovernor_Set_RequiresConfirmationWithForeignVectors(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)
	f.seedIndexedState(t, "model-a")

	result, err := f.governor.Set(ctx, "model-x", false)
	require.NoError(t, err)
	assert.Equal(t, ConfirmationRequired, result.Outcome)
	assert.Equal(t, []string{"model-a"}, result.ExistingModels)
	assert.Equal(t, "model-x", result.NewModel)

	// Nothing changed: store intact, model untouched.
	active, err := f.governor.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model-a", active)
	docs, err := f.store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.DirExists(t, f.chunkIndexDir)
}

func TestGovernor_Set_ForceRunsCascade(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)
	f.seedIndexedState(t, "model-a")

	result, err := f.governor.Set(ctx, "model-x", true)
	require.NoError(t, err)
	assert.Equal(t, Switched, result.Outcome)

	// Index directories are gone.
	assert.NoDirExists(t, f.chunkIndexDir)
	assert.NoDirExists(t, f.entityIndexDir)

	// Documents, chunks, mentions, entity embeddings: all gone.
	docs, err := f.store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)
	chunks, err := f.store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, chunks)
	models, err := f.store.EntityModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, models)

	// Orphan pruning ran: no mentionless entities survive.
	entities, err := f.store.CountEntities(ctx)
	require.NoError(t, err)
	assert.Zero(t, entities)

	active, err := f.governor.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model-x", active)
}

func TestGovernor_Set_NoVectorsSwitchesWithoutForce(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)

	result, err := f.governor.Set(ctx, "model-b", false)
	require.NoError(t, err)
	assert.Equal(t, Switched, result.Outcome)
}

func TestGovernor_Set_IdempotentOnRetry(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)
	f.seedIndexedState(t, "model-a")

	_, err = f.governor.Set(ctx, "model-x", true)
	require.NoError(t, err)

	// Retrying the same switch is harmless.
	result, err := f.governor.Set(ctx, "model-x", true)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, result.Outcome)
}

func TestGovernor_Reset_KeepsActiveModel(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	_, err := f.governor.EnsureActive(ctx, "model-a")
	require.NoError(t, err)
	f.seedIndexedState(t, "model-a")

	require.NoError(t, f.governor.Reset(ctx))

	docs, err := f.store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)

	active, err := f.governor.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model-a", active)
}

func TestGovernor_Set_EmptyNameFails(t *testing.T) {
	f := newGovernorFixture(t)

	_, err := f.governor.Set(context.Background(), "   ", false)
	require.Error(t, err)
}
