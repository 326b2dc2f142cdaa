// Package memory implements the hybrid long-term memory engine: episodic,
// knowledge-graph, and layered stores over pluggable backends, reciprocal
// rank fusion across retrievers, rescoring, rerank, compression, and
// background decay.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/pkg/models"
)

// EpisodicStore persists memory records for a session.
type EpisodicStore interface {
	Add(ctx context.Context, rec *models.MemoryRecord) error
	Get(ctx context.Context, id string) (*models.MemoryRecord, error)
	Update(ctx context.Context, rec *models.MemoryRecord) error
	Delete(ctx context.Context, id string) error
	// Count returns the number of live records in a session.
	Count(ctx context.Context, sessionID string) (int, error)
	// Recent returns up to limit records for a session, newest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error)
	// Oldest returns up to limit records for a session, oldest first.
	Oldest(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error)
	// Search returns records matching the query ranked best-first.
	Search(ctx context.Context, sessionID, query string, limit int) ([]*models.MemoryRecord, error)
	// Sessions lists the distinct session ids present in the store.
	Sessions(ctx context.Context) ([]string, error)
	// DeleteExpired removes records whose TTL elapsed, returning how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// KGStore persists knowledge-graph triples.
type KGStore interface {
	AddTriple(ctx context.Context, t *models.Triple) error
	// Search returns triples whose subject, predicate, or object matches the
	// query, best-first.
	Search(ctx context.Context, sessionID, query string, limit int) ([]*models.Triple, error)
	// Neighbors returns triples touching the given entity as subject or
	// object.
	Neighbors(ctx context.Context, sessionID, entity string, limit int) ([]*models.Triple, error)
	// DeleteByMemory removes triples extracted from a memory record.
	DeleteByMemory(ctx context.Context, memoryID string) error
	Close() error
}

// memoryStore is the in-memory episodic backend, used in tests and when no
// persistence is configured.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.MemoryRecord
	order   []string // insertion order of ids
}

// NewMemoryStore creates an in-memory episodic store.
func NewMemoryStore() EpisodicStore {
	return &memoryStore{records: make(map[string]*models.MemoryRecord)}
}

func (s *memoryStore) Add(ctx context.Context, rec *models.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, cerr.NotFound("memory record %q", id)
	}
	clone := *rec
	return &clone, nil
}

func (s *memoryStore) Update(ctx context.Context, rec *models.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return cerr.NotFound("memory record %q", rec.ID)
	}
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memoryStore) Count(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

// session returns a session's records in insertion order.
func (s *memoryStore) session(sessionID string) []*models.MemoryRecord {
	out := make([]*models.MemoryRecord, 0)
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || rec.SessionID != sessionID {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

func (s *memoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.session(sessionID)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return truncateRecords(recs, limit), nil
}

func (s *memoryStore) Oldest(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.session(sessionID)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return truncateRecords(recs, limit), nil
}

func (s *memoryStore) Search(ctx context.Context, sessionID, query string, limit int) ([]*models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return substringSearch(s.session(sessionID), query, limit), nil
}

func (s *memoryStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || seen[rec.SessionID] {
			continue
		}
		seen[rec.SessionID] = true
		out = append(out, rec.SessionID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error { return nil }

// substringSearch ranks records by case-insensitive term overlap with the
// query, the fallback contract shared with the FTS-less sqlite path.
func substringSearch(recs []*models.MemoryRecord, query string, limit int) []*models.MemoryRecord {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	type hit struct {
		rec   *models.MemoryRecord
		score int
	}
	var hits []hit
	for _, rec := range recs {
		content := strings.ToLower(rec.Content)
		score := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{rec, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]*models.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return truncateRecords(out, limit)
}

func truncateRecords(recs []*models.MemoryRecord, limit int) []*models.MemoryRecord {
	if limit >= 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

// memoryKG is the in-memory knowledge-graph backend.
type memoryKG struct {
	mu      sync.RWMutex
	triples []*models.Triple
}

// NewMemoryKG creates an in-memory knowledge-graph store.
func NewMemoryKG() KGStore {
	return &memoryKG{}
}

func (g *memoryKG) AddTriple(ctx context.Context, t *models.Triple) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	clone := *t
	g.triples = append(g.triples, &clone)
	return nil
}

func (g *memoryKG) Search(ctx context.Context, sessionID, query string, limit int) ([]*models.Triple, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q := strings.ToLower(query)
	var out []*models.Triple
	for _, t := range g.triples {
		if t.SessionID != sessionID {
			continue
		}
		if strings.Contains(strings.ToLower(t.Subject), q) ||
			strings.Contains(strings.ToLower(t.Predicate), q) ||
			strings.Contains(strings.ToLower(t.Object), q) {
			clone := *t
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (g *memoryKG) Neighbors(ctx context.Context, sessionID, entity string, limit int) ([]*models.Triple, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e := strings.ToLower(entity)
	var out []*models.Triple
	for _, t := range g.triples {
		if t.SessionID != sessionID {
			continue
		}
		if strings.ToLower(t.Subject) == e || strings.ToLower(t.Object) == e {
			clone := *t
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (g *memoryKG) DeleteByMemory(ctx context.Context, memoryID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.triples[:0]
	for _, t := range g.triples {
		if t.MemoryID != memoryID {
			kept = append(kept, t)
		}
	}
	g.triples = kept
	return nil
}

func (g *memoryKG) Close() error { return nil }
