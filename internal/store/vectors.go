package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/coder/hnsw"

	dmerrors "github.com/semfold/semfold/internal/errors"
)

// vectorIndex wraps a coder/hnsw graph keyed by string chunk keys. The graph
// itself is keyed by uint64; idMap/keyMap translate between the two. Deletes
// are lazy: the mapping entry is dropped and the graph node is orphaned,
// which sidesteps coder/hnsw's trouble with removing the last node.
type vectorIndex struct {
	mu        sync.RWMutex
	path      string
	dimension int
	graph     *hnsw.Graph[uint64]

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

type vectorMatch struct {
	key   string
	score float32
}

// vectorIndexMeta is the gob-persisted companion of the exported graph.
type vectorIndexMeta struct {
	IDMap     map[string]uint64
	NextKey   uint64
	Dimension int
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// openVectorIndex loads the index at path if one was saved, otherwise
// starts empty.
func openVectorIndex(path string, dimension int) (*vectorIndex, error) {
	v := &vectorIndex{
		path:      path,
		dimension: dimension,
		graph:     newGraph(),
		idMap:     make(map[string]uint64),
		keyMap:    make(map[uint64]string),
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.load(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("stat vector index: %w", err))
	}
	return v, nil
}

func (v *vectorIndex) add(keys []string, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return dmerrors.New(dmerrors.ErrCodeStorageFailed, "key/vector length mismatch", nil)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return dmerrors.New(dmerrors.ErrCodeStorageFailed, "vector index is closed", nil)
	}

	for _, vec := range vectors {
		if len(vec) != v.dimension {
			return dmerrors.Newf(dmerrors.ErrCodeStorageFailed,
				"vector dimension mismatch: expected %d, got %d", v.dimension, len(vec))
		}
	}

	for i, key := range keys {
		if oldKey, exists := v.idMap[key]; exists {
			delete(v.keyMap, oldKey)
			delete(v.idMap, key)
		}

		gk := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		v.graph.Add(hnsw.MakeNode(gk, vec))
		v.idMap[key] = gk
		v.keyMap[gk] = key
	}
	return nil
}

func (v *vectorIndex) delete(keys []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	for _, key := range keys {
		if gk, exists := v.idMap[key]; exists {
			delete(v.keyMap, gk)
			delete(v.idMap, key)
		}
	}
}

func (v *vectorIndex) search(query []float32, k int) ([]vectorMatch, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, dmerrors.New(dmerrors.ErrCodeStorageFailed, "vector index is closed", nil)
	}
	if len(query) != v.dimension {
		return nil, dmerrors.Newf(dmerrors.ErrCodeSearchFailed,
			"query dimension mismatch: expected %d, got %d", v.dimension, len(query))
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Over-fetch to compensate for orphaned nodes left by lazy deletes.
	nodes := v.graph.Search(q, k+len(v.keyMap)/4+1)

	matches := make([]vectorMatch, 0, k)
	for _, node := range nodes {
		key, exists := v.keyMap[node.Key]
		if !exists {
			continue
		}
		dist := v.graph.Distance(q, node.Value)
		matches = append(matches, vectorMatch{key: key, score: 1 - dist})
		if len(matches) == k {
			break
		}
	}
	return matches, nil
}

func (v *vectorIndex) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// save writes the graph and ID mappings to disk via temp-file rename.
func (v *vectorIndex) save() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return dmerrors.New(dmerrors.ErrCodeStorageFailed, "vector index is closed", nil)
	}

	tmp := v.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("create vector index file: %w", err))
	}
	if err := v.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("export vector graph: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("close vector index file: %w", err))
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("rename vector index file: %w", err))
	}

	return v.saveMeta()
}

func (v *vectorIndex) saveMeta() error {
	metaPath := v.path + ".meta"
	tmp := metaPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("create vector meta file: %w", err))
	}
	meta := vectorIndexMeta{
		IDMap:     v.idMap,
		NextKey:   v.nextKey,
		Dimension: v.dimension,
	}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("encode vector meta: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("close vector meta file: %w", err))
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		os.Remove(tmp)
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("rename vector meta file: %w", err))
	}
	return nil
}

func (v *vectorIndex) load() error {
	metaPath := v.path + ".meta"
	mf, err := os.Open(metaPath)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("open vector meta file: %w", err))
	}
	defer mf.Close()

	var meta vectorIndexMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("decode vector meta: %w", err))
	}

	f, err := os.Open(v.path)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("open vector index file: %w", err))
	}
	defer f.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(f)); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("import vector graph: %w", err))
	}

	v.idMap = meta.IDMap
	v.nextKey = meta.NextKey
	v.dimension = meta.Dimension
	v.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, gk := range meta.IDMap {
		v.keyMap[gk] = id
	}
	return nil
}

func (v *vectorIndex) close() error {
	if err := v.save(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.graph = nil
	return nil
}

func normalizeInPlace(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
