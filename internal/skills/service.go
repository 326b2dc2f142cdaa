// Package skills implements the skill library (token or embedding search,
// prompt injection) and the per-session tool-run audit log.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/memory"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/pkg/models"
)

// toolRunCap is the per-session ring size of the tool-run audit log.
const toolRunCap = 200

// Service is the skill library plus the tool-run audit log.
type Service struct {
	registry       *providers.Registry
	embeddingModel string
	logger         *slog.Logger

	mu       sync.RWMutex
	skills   map[string]*models.Skill
	toolRuns map[string][]*models.ToolRun

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithProviders enables embedding-based search through the registry.
func WithProviders(r *providers.Registry, embeddingModel string) Option {
	return func(s *Service) {
		s.registry = r
		s.embeddingModel = embeddingModel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a skill service.
func NewService(opts ...Option) *Service {
	s := &Service{
		skills:   make(map[string]*models.Skill),
		toolRuns: make(map[string][]*models.ToolRun),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "skills")
	return s
}

// Upsert inserts or updates a skill by id (or by name when the id is empty).
// Updates preserve created_at and bump updated_at.
func (s *Service) Upsert(skill *models.Skill) (*models.Skill, error) {
	if strings.TrimSpace(skill.Name) == "" {
		return nil, cerr.InvalidArgument("skill name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id := skill.ID
	if id == "" {
		for _, existing := range s.skills {
			if existing.Name == skill.Name {
				id = existing.ID
				break
			}
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	stored := *skill
	stored.ID = id
	stored.UpdatedAt = now
	if existing, ok := s.skills[id]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.skills[id] = &stored

	out := stored
	return &out, nil
}

// Get returns a skill by id.
func (s *Service) Get(id string) (*models.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[id]
	if !ok {
		return nil, cerr.NotFound("skill %q", id)
	}
	out := *skill
	return &out, nil
}

// List returns all skills sorted by name.
func (s *Service) List() []*models.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		clone := *skill
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a skill, reporting whether it existed.
func (s *Service) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.skills[id]
	delete(s.skills, id)
	return ok
}

// ScoredSkill pairs a skill with its search relevance.
type ScoredSkill struct {
	Skill *models.Skill
	Score float64
}

// Search returns the top-k skills relevant to a query: embedding cosine
// similarity when an embedding provider is configured, Jaccard token
// overlap otherwise.
func (s *Service) Search(ctx context.Context, query string, topK int) []ScoredSkill {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	all := s.List()
	if len(all) == 0 {
		return nil
	}

	scores := s.embeddingScores(ctx, query, all)
	if scores == nil {
		scores = make([]float64, len(all))
		queryTokens := tokenSet(query)
		for i, skill := range all {
			scores[i] = jaccard(queryTokens, tokenSet(skill.Name+" "+skill.Description+" "+skill.Code))
		}
	}

	scored := make([]ScoredSkill, len(all))
	for i := range all {
		scored[i] = ScoredSkill{Skill: all[i], Score: scores[i]}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	out := scored[:0]
	for _, sc := range scored {
		if sc.Score <= 0 {
			continue
		}
		out = append(out, sc)
		if len(out) >= topK {
			break
		}
	}
	return out
}

// embeddingScores returns per-skill cosine similarities, or nil when no
// embedding provider is available.
func (s *Service) embeddingScores(ctx context.Context, query string, all []*models.Skill) []float64 {
	if s.registry == nil {
		return nil
	}
	p, err := s.registry.WithCapability("embeddings")
	if err != nil {
		return nil
	}
	texts := make([]string, 0, len(all)+1)
	texts = append(texts, query)
	for _, skill := range all {
		texts = append(texts, skill.Name+"\n"+skill.Description)
	}
	vecs, err := p.Embed(ctx, texts, s.embeddingModel)
	if err != nil || len(vecs) != len(all)+1 {
		s.logger.Warn("embedding search failed, using token overlap", "error", err)
		return nil
	}
	scores := make([]float64, len(all))
	for i := range all {
		scores[i] = memory.Cosine(vecs[0], vecs[i+1])
	}
	return scores
}

// BuildInjectionBlock formats the top-k skills for a query into the
// dialogue system prompt's skill section. Empty when nothing matches.
func (s *Service) BuildInjectionBlock(ctx context.Context, query string, topK int) string {
	hits := s.Search(ctx, query, topK)
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Skill Library]\n")
	for _, hit := range hits {
		fmt.Fprintf(&sb, "- %s: %s\n", hit.Skill.Name, hit.Skill.Description)
		if code := strings.TrimSpace(hit.Skill.Code); code != "" {
			fmt.Fprintf(&sb, "```\n%s\n```\n", code)
		}
	}
	sb.WriteString("[/Skill Library]")
	return sb.String()
}

// RecordToolRun appends to the session's audit ring, evicting the oldest
// entry past the cap.
func (s *Service) RecordToolRun(run *models.ToolRun) *models.ToolRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *run
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	ring := append(s.toolRuns[stored.SessionID], &stored)
	if len(ring) > toolRunCap {
		ring = ring[len(ring)-toolRunCap:]
	}
	s.toolRuns[stored.SessionID] = ring
	out := stored
	return &out
}

// ListToolRuns returns a session's audit entries, oldest first.
func (s *Service) ListToolRuns(sessionID string) []*models.ToolRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.toolRuns[sessionID]
	out := make([]*models.ToolRun, len(ring))
	for i, run := range ring {
		clone := *run
		out[i] = &clone
	}
	return out
}

// ClearToolRuns drops a session's audit log.
func (s *Service) ClearToolRuns(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.toolRuns, sessionID)
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,:;?!\"'()[]{}")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
