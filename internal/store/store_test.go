package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// newTestStore opens an in-memory store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertChunks(t *testing.T, s *Store, docID int64, contents ...string) []int64 {
	t.Helper()
	chunks := make([]NewChunk, len(contents))
	for i, c := range contents {
		chunks[i] = NewChunk{Index: i, Content: c}
	}
	ids, err := s.ReplaceChunks(context.Background(), docID, chunks)
	require.NoError(t, err)
	return ids
}

func TestStore_InsertDocument_IdempotentOnSourceAndModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, existed, err := s.InsertDocument(ctx, "/docs/a.txt", "model-a")
	require.NoError(t, err)
	assert.False(t, existed)

	id2, existed, err := s.InsertDocument(ctx, "/docs/a.txt", "model-a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, id1, id2)

	// A different model gets its own document row.
	id3, existed, err := s.InsertDocument(ctx, "/docs/a.txt", "model-b")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotEqual(t, id1, id3)
}

func TestStore_ReplaceChunks_SwapsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.InsertDocument(ctx, "/docs/a.txt", "m")
	require.NoError(t, err)

	first := insertChunks(t, s, docID, "one", "two", "three")
	assert.Len(t, first, 3)

	second := insertChunks(t, s, docID, "four", "five")
	assert.Len(t, second, 2)

	chunks, err := s.GetChunks(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "four", chunks[0].Content)
	assert.Equal(t, "five", chunks[1].Content)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)

	// Old chunk ids are gone.
	_, err = s.GetChunk(ctx, first[0])
	assert.True(t, qerrors.IsCode(err, qerrors.ErrCodeNotFound))
}

func TestStore_GetChunks_OrderedByOrdinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.InsertDocument(ctx, "/docs/a.txt", "m")
	require.NoError(t, err)
	insertChunks(t, s, docID, "c0", "c1", "c2", "c3")

	chunks, err := s.GetChunks(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestStore_DeleteDocument_CascadesChunksAndMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.InsertDocument(ctx, "/docs/a.txt", "m")
	require.NoError(t, err)
	chunkIDs := insertChunks(t, s, docID, "about kant", "about hume")

	entID, err := s.UpsertEntity(ctx, "Kant", "PERSON", "")
	require.NoError(t, err)
	require.NoError(t, s.InsertEntityMention(ctx, EntityMention{
		EntityID: entID, ChunkID: chunkIDs[0], Text: "Kant", Confidence: 1,
	}))

	deleted, err := s.DeleteDocument(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, chunkIDs, deleted)

	n, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mentions, err := s.CountEntityMentions(ctx)
	require.NoError(t, err)
	assert.Zero(t, mentions)

	// The shared entity survives until orphan cleanup.
	entities, err := s.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, entities)

	entDeleted, _, err := s.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, entDeleted)
}

func TestStore_ListSources_GroupsModels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertDocument(ctx, "/docs/a.txt", "model-a")
	require.NoError(t, err)
	_, _, err = s.InsertDocument(ctx, "/docs/a.txt", "model-b")
	require.NoError(t, err)
	_, _, err = s.InsertDocument(ctx, "/docs/b.txt", "model-a")
	require.NoError(t, err)

	sources, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "/docs/a.txt", sources[0].Source)
	assert.Equal(t, []string{"model-a", "model-b"}, sources[0].Models)
	assert.Equal(t, "/docs/b.txt", sources[1].Source)
}

func TestStore_State_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, err := s.State(ctx, StateKeyActiveModel)
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetState(ctx, StateKeyActiveModel, "nomic-embed-text"))
	require.NoError(t, s.SetState(ctx, StateKeyActiveModel, "mxbai-embed-large"))

	val, err = s.State(ctx, StateKeyActiveModel)
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", val)
}

func TestStore_DocumentModels_Distinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertDocument(ctx, "/a.txt", "m1")
	require.NoError(t, err)
	_, _, err = s.InsertDocument(ctx, "/b.txt", "m1")
	require.NoError(t, err)
	_, _, err = s.InsertDocument(ctx, "/c.txt", "m2")
	require.NoError(t, err)

	models, err := s.DocumentModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, models)
}

func TestStore_Close_Idempotent(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
