package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// Index file names inside a vector index directory.
const (
	vectorGraphFile = "vectors.hnsw"
	vectorMetaFile  = "vectors.meta"
)

// VectorIndex is a persistent ANN index over int64-keyed vectors,
// backed by coder/hnsw (pure Go, cosine metric, normalized vectors).
//
// The vectors map is the source of truth; the HNSW graph accelerates
// search and is rebuilt from the map on RebuildExcluding. Deletion is
// lazy (the graph may retain orphan nodes that are filtered from
// results) because in-place HNSW deletion is unreliable.
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig
	dir    string

	vectors map[int64][]float32
	idMap   map[int64]uint64 // external id -> internal graph key
	keyMap  map[uint64]int64 // internal graph key -> external id
	nextKey uint64

	closed bool
}

// vectorMetadata is the gob-persisted index state.
type vectorMetadata struct {
	Vectors map[int64][]float32
	IDMap   map[int64]uint64
	NextKey uint64
	Config  VectorIndexConfig
}

// NewVectorIndex creates an empty index rooted at dir. The dimension
// and embedding model are recorded at creation.
func NewVectorIndex(dir string, cfg VectorIndexConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector index dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	idx := &VectorIndex{
		config:  cfg,
		dir:     dir,
		vectors: make(map[int64][]float32),
		idMap:   make(map[int64]uint64),
		keyMap:  make(map[uint64]int64),
	}
	idx.graph = idx.newGraph()
	return idx, nil
}

// OpenVectorIndex loads the index at dir if it exists, otherwise
// creates a fresh one. A persisted dimension that disagrees with
// cfg.Dimensions surfaces ErrDimensionMismatch; the Model Governor
// interprets that as a signal to clear all dependent state.
func OpenVectorIndex(dir string, cfg VectorIndexConfig) (*VectorIndex, error) {
	metaPath := filepath.Join(dir, vectorMetaFile)
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return NewVectorIndex(dir, cfg)
	}

	idx, err := NewVectorIndex(dir, cfg)
	if err != nil {
		return nil, err
	}
	if err := idx.Load(); err != nil {
		return nil, err
	}
	if cfg.Dimensions > 0 && idx.config.Dimensions != cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: idx.config.Dimensions, Got: cfg.Dimensions}
	}
	return idx, nil
}

// newGraph constructs an HNSW graph with the configured parameters.
func (x *VectorIndex) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = x.config.M
	g.EfSearch = x.config.EfSearch
	g.Ml = 0.25
	return g
}

// Upsert inserts or replaces vectors for the given ids.
func (x *VectorIndex) Upsert(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New("vector index is closed")
	}

	for _, v := range vectors {
		if len(v) != x.config.Dimensions {
			return ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		// Replacing an id orphans the old graph node (lazy deletion).
		if oldKey, exists := x.idMap[id]; exists {
			delete(x.keyMap, oldKey)
			delete(x.idMap, id)
		}

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		key := x.nextKey
		x.nextKey++

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.vectors[id] = vec
		x.idMap[id] = key
		x.keyMap[key] = id
	}

	return nil
}

// Search finds the k nearest neighbors to query. Results are in
// descending similarity order; ties break toward the smaller id.
func (x *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]VectorResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, errors.New("vector index is closed")
	}
	if len(query) != x.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(query)}
	}
	if k <= 0 || x.graph.Len() == 0 {
		return []VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for lazily deleted nodes still in the graph.
	fetch := k + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(normalized, fetch)

	results := make([]VectorResult, 0, k)
	for _, node := range nodes {
		id, live := x.keyMap[node.Key]
		if !live {
			continue
		}
		distance := x.graph.Distance(normalized, node.Value)
		results = append(results, VectorResult{
			ID:    id,
			Score: 1.0 - distance/2.0,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes vectors by id. Lazy: graph nodes remain until the next
// rebuild but never appear in results.
func (x *VectorIndex) Delete(ctx context.Context, ids []int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New("vector index is closed")
	}

	for _, id := range ids {
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
			delete(x.vectors, id)
		}
	}
	return nil
}

// RebuildExcluding rebuilds the graph from the live vector set minus
// the excluded ids. The new graph replaces the old atomically under the
// write lock; durability follows at the next Save.
func (x *VectorIndex) RebuildExcluding(ctx context.Context, exclude []int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New("vector index is closed")
	}

	excluded := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	graph := x.newGraph()
	vectors := make(map[int64][]float32, len(x.vectors))
	idMap := make(map[int64]uint64, len(x.vectors))
	keyMap := make(map[uint64]int64, len(x.vectors))
	var nextKey uint64

	// Deterministic insertion order keeps rebuilds reproducible.
	ids := make([]int64, 0, len(x.vectors))
	for id := range x.vectors {
		if _, skip := excluded[id]; !skip {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		vec := x.vectors[id]
		key := nextKey
		nextKey++
		graph.Add(hnsw.MakeNode(key, vec))
		vectors[id] = vec
		idMap[id] = key
		keyMap[key] = id
	}

	x.graph = graph
	x.vectors = vectors
	x.idMap = idMap
	x.keyMap = keyMap
	x.nextKey = nextKey
	return nil
}

// Save persists the index to its directory. Both files are written to
// temp siblings and renamed on success.
func (x *VectorIndex) Save() error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return errors.New("vector index is closed")
	}

	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	graphPath := filepath.Join(x.dir, vectorGraphFile)
	tmpGraph := graphPath + ".tmp"
	file, err := os.Create(tmpGraph)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := x.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpGraph, graphPath); err != nil {
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return x.saveMetadata()
}

// saveMetadata writes the gob metadata file atomically.
func (x *VectorIndex) saveMetadata() error {
	metaPath := filepath.Join(x.dir, vectorMetaFile)
	tmpPath := metaPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}

	meta := vectorMetadata{
		Vectors: x.vectors,
		IDMap:   x.idMap,
		NextKey: x.nextKey,
		Config:  x.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close metadata file: %w", err)
	}
	return os.Rename(tmpPath, metaPath)
}

// Load loads the index from its directory.
func (x *VectorIndex) Load() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return errors.New("vector index is closed")
	}

	metaPath := filepath.Join(x.dir, vectorMetaFile)
	file, err := os.Open(metaPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata file: %w", err)
	}
	var meta vectorMetadata
	decodeErr := gob.NewDecoder(file).Decode(&meta)
	_ = file.Close()
	if decodeErr != nil {
		return fmt.Errorf("failed to decode metadata: %w", decodeErr)
	}

	x.vectors = meta.Vectors
	x.idMap = meta.IDMap
	x.nextKey = meta.NextKey
	x.config = meta.Config
	x.keyMap = make(map[uint64]int64, len(meta.IDMap))
	for id, key := range meta.IDMap {
		x.keyMap[key] = id
	}

	graphPath := filepath.Join(x.dir, vectorGraphFile)
	gf, err := os.Open(graphPath)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer gf.Close()

	x.graph = x.newGraph()
	// coder/hnsw Import requires an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(gf)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

// Dimension returns the recorded vector dimension.
func (x *VectorIndex) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.config.Dimensions
}

// Model returns the recorded embedding model name.
func (x *VectorIndex) Model() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.config.Model
}

// Count returns the number of live vectors.
func (x *VectorIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0
	}
	return len(x.idMap)
}

// Contains reports whether id has a live vector.
func (x *VectorIndex) Contains(id int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return false
	}
	_, ok := x.idMap[id]
	return ok
}

// IDs returns the live vector ids in ascending order.
func (x *VectorIndex) IDs() []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil
	}
	ids := make([]int64, 0, len(x.idMap))
	for id := range x.idMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases resources. Idempotent.
func (x *VectorIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	x.vectors = nil
	return nil
}

// ReadIndexDimension reads the recorded dimension of the index at dir.
// Returns 0 when no index exists yet.
func ReadIndexDimension(dir string) (int, error) {
	file, err := os.Open(filepath.Join(dir, vectorMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open index metadata: %w", err)
	}
	defer file.Close()

	var meta vectorMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, fmt.Errorf("failed to decode index metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

// IsDimensionMismatch reports whether err is a dimension mismatch.
func IsDimensionMismatch(err error) bool {
	var dm ErrDimensionMismatch
	return errors.As(err, &dm)
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
