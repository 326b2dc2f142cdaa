package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// VectorIndex is a flat cosine-similarity index over record embeddings.
// When backed by a directory it persists to <dir>/index.json on every
// mutation; with an empty dir it is memory-only.
type VectorIndex struct {
	mu   sync.RWMutex
	dir  string
	vecs map[string][]float64
	sess map[string]string // record id -> session id
}

type vectorFile struct {
	Vectors  map[string][]float64 `json:"vectors"`
	Sessions map[string]string    `json:"sessions"`
}

// OpenVectorIndex loads (or creates) a vector index under dir.
func OpenVectorIndex(dir string) (*VectorIndex, error) {
	idx := &VectorIndex{
		dir:  dir,
		vecs: make(map[string][]float64),
		sess: make(map[string]string),
	}
	if dir == "" {
		return idx, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(idx.path())
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vector index: %w", err)
	}
	var file vectorFile
	if err := json.Unmarshal(raw, &file); err != nil {
		// A corrupt index is rebuilt as records are re-added.
		return idx, nil
	}
	if file.Vectors != nil {
		idx.vecs = file.Vectors
	}
	if file.Sessions != nil {
		idx.sess = file.Sessions
	}
	return idx, nil
}

func (v *VectorIndex) path() string { return filepath.Join(v.dir, "index.json") }

// Add indexes an embedding under a record id.
func (v *VectorIndex) Add(id, sessionID string, vec []float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vecs[id] = vec
	v.sess[id] = sessionID
	return v.flushLocked()
}

// Remove drops a record from the index.
func (v *VectorIndex) Remove(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vecs, id)
	delete(v.sess, id)
	return v.flushLocked()
}

// Has reports whether a record id is indexed.
func (v *VectorIndex) Has(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.vecs[id]
	return ok
}

// Len returns the number of indexed records.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vecs)
}

// VectorHit is one nearest-neighbor result.
type VectorHit struct {
	ID    string
	Score float64
}

// Search returns the top-k ids in a session by cosine similarity to the
// query vector, best first.
func (v *VectorIndex) Search(sessionID string, query []float64, k int) []VectorHit {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	hits := make([]VectorHit, 0, len(v.vecs))
	for id, vec := range v.vecs {
		if sessionID != "" && v.sess[id] != sessionID {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: Cosine(query, vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func (v *VectorIndex) flushLocked() error {
	if v.dir == "" {
		return nil
	}
	raw, err := json.MarshalIndent(vectorFile{Vectors: v.vecs, Sessions: v.sess}, "", " ")
	if err != nil {
		return err
	}
	tmp := v.path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, v.path())
}

// Cosine computes cosine similarity between two vectors; mismatched or
// zero-length vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
