package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/state"
	"github.com/cerise-ai/cerise/pkg/models"
)

// stateFileStore keeps episodic records inside a StateStore namespace,
// for deployments that want one JSON file instead of sqlite. Search is the
// substring scan shared with the in-memory backend.
type stateFileStore struct {
	ns *state.Namespace
}

// NewStateFileStore creates an episodic store persisting into the given
// state namespace. Records live under "records.<id>".
func NewStateFileStore(ns *state.Namespace) EpisodicStore {
	return &stateFileStore{ns: ns}
}

func (s *stateFileStore) encode(rec *models.MemoryRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *stateFileStore) decode(v any) (*models.MemoryRecord, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec models.MemoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, cerr.Wrap(cerr.ErrCorruption, "state-file memory record: %v", err)
	}
	return &rec, nil
}

func (s *stateFileStore) Add(ctx context.Context, rec *models.MemoryRecord) error {
	doc, err := s.encode(rec)
	if err != nil {
		return err
	}
	return s.ns.Set("records."+rec.ID, doc)
}

func (s *stateFileStore) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	v, ok := s.ns.Get("records." + id)
	if !ok {
		return nil, cerr.NotFound("memory record %q", id)
	}
	return s.decode(v)
}

func (s *stateFileStore) Update(ctx context.Context, rec *models.MemoryRecord) error {
	if !s.ns.Exists("records." + rec.ID) {
		return cerr.NotFound("memory record %q", rec.ID)
	}
	return s.Add(ctx, rec)
}

func (s *stateFileStore) Delete(ctx context.Context, id string) error {
	return s.ns.Delete("records." + id)
}

// all returns every record in a session ordered oldest first.
func (s *stateFileStore) all(sessionID string) ([]*models.MemoryRecord, error) {
	var out []*models.MemoryRecord
	for _, id := range s.ns.Keys("records") {
		v, ok := s.ns.Get("records." + id)
		if !ok {
			continue
		}
		rec, err := s.decode(v)
		if err != nil {
			return nil, err
		}
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sortByCreatedAsc(out)
	return out, nil
}

func (s *stateFileStore) Count(ctx context.Context, sessionID string) (int, error) {
	recs, err := s.all(sessionID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *stateFileStore) Recent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	recs, err := s.all(sessionID)
	if err != nil {
		return nil, err
	}
	reverse(recs)
	return truncateRecords(recs, limit), nil
}

func (s *stateFileStore) Oldest(ctx context.Context, sessionID string, limit int) ([]*models.MemoryRecord, error) {
	recs, err := s.all(sessionID)
	if err != nil {
		return nil, err
	}
	return truncateRecords(recs, limit), nil
}

func (s *stateFileStore) Search(ctx context.Context, sessionID, query string, limit int) ([]*models.MemoryRecord, error) {
	recs, err := s.all(sessionID)
	if err != nil {
		return nil, err
	}
	return substringSearch(recs, query, limit), nil
}

func (s *stateFileStore) Sessions(ctx context.Context) ([]string, error) {
	recs, err := s.all("")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, rec := range recs {
		if !seen[rec.SessionID] {
			seen[rec.SessionID] = true
			out = append(out, rec.SessionID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *stateFileStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.all("")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Expired(now) {
			if err := s.ns.Delete("records." + rec.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *stateFileStore) Close() error { return nil }

func sortByCreatedAsc(recs []*models.MemoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func reverse(recs []*models.MemoryRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
