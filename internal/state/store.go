// Package state implements the namespaced persistent key-value store backing
// agents, proactive scheduling, and the state-file memory backend. The whole
// store is a single JSON document with dot-path addressing; every mutation is
// flushed to disk synchronously.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cerise-ai/cerise/internal/cerr"
)

// Store is a dot-path addressable JSON document guarded by a single lock.
// A Store with an empty path is memory-only.
type Store struct {
	mu     sync.RWMutex
	path   string
	data   map[string]any
	logger *slog.Logger
}

// Open loads the store from path. A missing file starts empty; corrupt JSON
// recovers to an empty document with a warning. An empty path creates a
// memory-only store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		data:   make(map[string]any),
		logger: logger.With("component", "state"),
	}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Warn("state file is corrupt, starting empty",
			"path", path, "error", cerr.Wrap(cerr.ErrCorruption, "%v", err))
		s.data = make(map[string]any)
	}
	if s.data == nil {
		s.data = make(map[string]any)
	}
	return s, nil
}

// splitPath splits a dot path into components. Empty segments are rejected
// by lookup, not here.
func splitPath(key string) []string {
	return strings.Split(key, ".")
}

// lookup walks the document to the parent of the final path component.
// When create is true, intermediate maps are allocated.
func lookup(root map[string]any, parts []string, create bool) (map[string]any, string, bool) {
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			if !create {
				return nil, "", false
			}
			m := make(map[string]any)
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			if !create {
				return nil, "", false
			}
			m = make(map[string]any)
			cur[p] = m
		}
		cur = m
	}
	return cur, parts[len(parts)-1], true
}

// Get returns the value at the dot path.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, leaf, ok := lookup(s.data, splitPath(key), false)
	if !ok {
		return nil, false
	}
	v, ok := parent[leaf]
	return v, ok
}

// Set writes the value at the dot path and flushes to disk.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, leaf, _ := lookup(s.data, splitPath(key), true)
	parent[leaf] = value
	return s.flushLocked()
}

// Delete removes the value at the dot path and flushes. Deleting a missing
// key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, leaf, ok := lookup(s.data, splitPath(key), false)
	if !ok {
		return nil
	}
	if _, present := parent[leaf]; !present {
		return nil
	}
	delete(parent, leaf)
	return s.flushLocked()
}

// Exists reports whether a value is present at the dot path.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys lists the child key names of the map at the dot-path prefix, sorted.
// An empty prefix lists the top level.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node := any(s.data)
	if prefix != "" {
		for _, p := range splitPath(prefix) {
			m, ok := node.(map[string]any)
			if !ok {
				return nil
			}
			node, ok = m[p]
			if !ok {
				return nil
			}
		}
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Update applies a batch of dot-path writes under a single lock and flush.
func (s *Store) Update(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range values {
		parent, leaf, _ := lookup(s.data, splitPath(key), true)
		parent[leaf] = value
	}
	return s.flushLocked()
}

// Mutate performs an atomic read-modify-write of a single dot path. The
// callback receives the current value (nil when absent) and returns the
// replacement.
func (s *Store) Mutate(key string, fn func(current any) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, leaf, _ := lookup(s.data, splitPath(key), true)
	next, err := fn(parent[leaf])
	if err != nil {
		return err
	}
	parent[leaf] = next
	return s.flushLocked()
}

// Clear drops the whole document and flushes.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
	return s.flushLocked()
}

// flushLocked persists the document. Callers hold the write lock.
func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Namespace returns a view that transparently prefixes every key.
func (s *Store) Namespace(prefix string) *Namespace {
	return &Namespace{store: s, prefix: prefix}
}

// Namespace is a prefixed view over a Store. All operations delegate to the
// underlying store with the namespace prepended, so they share its lock.
type Namespace struct {
	store  *Store
	prefix string
}

func (n *Namespace) key(k string) string {
	if k == "" {
		return n.prefix
	}
	return n.prefix + "." + k
}

func (n *Namespace) Get(key string) (any, bool)  { return n.store.Get(n.key(key)) }
func (n *Namespace) Set(key string, v any) error { return n.store.Set(n.key(key), v) }
func (n *Namespace) Delete(key string) error     { return n.store.Delete(n.key(key)) }
func (n *Namespace) Exists(key string) bool      { return n.store.Exists(n.key(key)) }
func (n *Namespace) Keys(prefix string) []string { return n.store.Keys(n.key(prefix)) }

// Mutate performs an atomic read-modify-write within the namespace.
func (n *Namespace) Mutate(key string, fn func(current any) (any, error)) error {
	return n.store.Mutate(n.key(key), fn)
}

// Update applies a batch of writes within the namespace.
func (n *Namespace) Update(values map[string]any) error {
	prefixed := make(map[string]any, len(values))
	for k, v := range values {
		prefixed[n.key(k)] = v
	}
	return n.store.Update(prefixed)
}
