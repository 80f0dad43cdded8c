package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder counts calls into the inner embedder.
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls atomic.Int64
	batchTexts atomic.Int64
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchTexts.Add(int64(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_HitsSkipInner(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	v1, err := cached.Embed(ctx, "repeated query")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "repeated query")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, inner.embedCalls.Load())
}

func TestCachedEmbedder_BatchOnlyComputesMisses(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "warm")
	require.NoError(t, err)

	batch, err := cached.EmbedBatch(ctx, []string{"warm", "cold one", "cold two"})
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// Only the two misses reached the inner embedder.
	assert.EqualValues(t, 2, inner.batchTexts.Load())
}

func TestCachedEmbedder_DelegatesMetadata(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 0)

	assert.Equal(t, StaticDimensions, cached.Dimensions())
	assert.Equal(t, StaticModelName, cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
}

func TestCachedEmbedder_EmptyBatch(t *testing.T) {
	cached := NewCachedEmbedder(newCountingEmbedder(), 10)

	out, err := cached.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
