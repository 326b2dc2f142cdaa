package memory

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/pkg/models"
)

// RetrieverConfig enables one retriever and bounds its candidate count.
type RetrieverConfig struct {
	Enabled bool `yaml:"enabled"`
	TopK    int  `yaml:"top_k"`
}

// AssociativeConfig tunes graph-walking recall expansion.
type AssociativeConfig struct {
	Enabled  bool    `yaml:"enabled"`
	MaxHops  int     `yaml:"max_hops"`
	TopK     int     `yaml:"top_k"`
	MinScore float64 `yaml:"min_score"`
}

// RandomRecallConfig tunes spontaneous recall injection.
type RandomRecallConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Probability     float64  `yaml:"probability"`
	TriggerKeywords []string `yaml:"trigger_keywords"`
	K               int      `yaml:"k"`
}

// RerankConfig tunes the rerank pass over the top candidates.
type RerankConfig struct {
	Enabled bool    `yaml:"enabled"`
	TopN    int     `yaml:"top_n"`
	Weight  float64 `yaml:"weight"`
}

// CompressionConfig tunes summary compression of old records.
type CompressionConfig struct {
	Enabled   bool `yaml:"enabled"`
	Threshold int  `yaml:"threshold"`
	Window    int  `yaml:"window"`
}

// EmotionFilterConfig drops low-intensity emotional records from recall.
type EmotionFilterConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MinIntensity float64 `yaml:"min_intensity"`
}

// Config is the memory engine configuration.
type Config struct {
	TTL                  time.Duration       `yaml:"ttl"`
	MaxRecordsPerSession int                 `yaml:"max_records_per_session"`
	MinScore             float64             `yaml:"min_score"`
	RRFK                 int                 `yaml:"rrf_k"`
	TouchOnRecall        bool                `yaml:"touch_on_recall"`
	AutoExtract          bool                `yaml:"auto_extract"`
	Sparse               RetrieverConfig     `yaml:"sparse"`
	Vector               RetrieverConfig     `yaml:"vector"`
	Graph                RetrieverConfig     `yaml:"graph"`
	Associative          AssociativeConfig   `yaml:"associative"`
	EmotionFilter        EmotionFilterConfig `yaml:"emotion_filter"`
	Scorers              ScorerConfig        `yaml:"scorers"`
	Rerank               RerankConfig        `yaml:"rerank"`
	Random               RandomRecallConfig  `yaml:"random"`
	Compression          CompressionConfig   `yaml:"compression"`
	EmbeddingModel       string              `yaml:"embedding_model"`
}

// DefaultConfig returns a usable engine configuration: sparse retrieval on,
// the standard scorers, RRF k=60, touch on recall.
func DefaultConfig() Config {
	return Config{
		TTL:                  0,
		MaxRecordsPerSession: 500,
		MinScore:             0,
		RRFK:                 DefaultRRFK,
		TouchOnRecall:        true,
		AutoExtract:          true,
		Sparse:               RetrieverConfig{Enabled: true, TopK: 20},
		Vector:               RetrieverConfig{Enabled: false, TopK: 20},
		Graph:                RetrieverConfig{Enabled: false, TopK: 10},
		Associative:          AssociativeConfig{Enabled: false, MaxHops: 2, TopK: 10},
		Scorers:              DefaultScorerConfig(),
		Rerank:               RerankConfig{Enabled: false, TopN: 10, Weight: 0.5},
		Random:               RandomRecallConfig{Enabled: false, Probability: 0.05, K: 2},
		Compression:          CompressionConfig{Enabled: false, Threshold: 100, Window: 20},
	}
}

var errNoEmbedder = cerr.Wrap(cerr.ErrFailedPrecondition, "no embedding provider configured")

// Engine is the hybrid memory engine: ingestion, fused recall, compression.
type Engine struct {
	cfg       Config
	store     EpisodicStore
	kg        KGStore
	vectors   *VectorIndex
	extractor TripleExtractor
	scorers   []Scorer
	registry  *providers.Registry
	bus       *events.Bus
	logger    *slog.Logger

	now  func() time.Time
	rand func() float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithKG attaches a knowledge-graph store.
func WithKG(kg KGStore) EngineOption {
	return func(e *Engine) { e.kg = kg }
}

// WithVectors attaches a vector index.
func WithVectors(idx *VectorIndex) EngineOption {
	return func(e *Engine) { e.vectors = idx }
}

// WithProviders attaches the provider registry used for embeddings, rerank,
// and summary compression.
func WithProviders(r *providers.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithBus attaches the event bus for memory.recorded emission.
func WithBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithRand injects the randomness source used by random recall, for tests.
func WithRand(fn func() float64) EngineOption {
	return func(e *Engine) { e.rand = fn }
}

// NewEngine creates a memory engine over an episodic store.
func NewEngine(cfg Config, store EpisodicStore, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		extractor: RuleTripleExtractor{},
		scorers:   BuildScorers(cfg.Scorers),
		now:       time.Now,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "memory")
	if e.cfg.RRFK <= 0 {
		e.cfg.RRFK = DefaultRRFK
	}
	return e
}

// Store exposes the underlying episodic store (used by the pipeline and
// decay sweeps).
func (e *Engine) Store() EpisodicStore { return e.store }

// IngestMessage records one dialogue turn as an episodic memory.
func (e *Engine) IngestMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.MemoryRecord, error) {
	rec := &models.MemoryRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: e.now().UTC(),
	}
	if err := e.AddRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AddRecord runs the full write path: TTL stamping, episodic persist,
// vector indexing, triple extraction, cap enforcement, compression, and the
// memory.recorded event. The event is emitted only after store, index, and
// graph writes completed.
func (e *Engine) AddRecord(ctx context.Context, rec *models.MemoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now().UTC()
	}
	if e.cfg.TTL > 0 && rec.ExpiresAt == nil {
		expires := rec.CreatedAt.Add(e.cfg.TTL)
		rec.ExpiresAt = &expires
	}

	if err := e.store.Add(ctx, rec); err != nil {
		return err
	}

	if e.cfg.Vector.Enabled && e.vectors != nil {
		if vec, err := e.embed(ctx, rec.Content); err != nil {
			e.logger.Warn("embedding failed, record not vector-indexed", "id", rec.ID, "error", err)
		} else if err := e.vectors.Add(rec.ID, rec.SessionID, vec); err != nil {
			e.logger.Warn("vector index write failed", "id", rec.ID, "error", err)
		}
	}

	if e.cfg.Graph.Enabled && e.cfg.AutoExtract && e.kg != nil {
		for _, t := range e.extractor.ExtractTriples(rec) {
			if err := e.kg.AddTriple(ctx, t); err != nil {
				e.logger.Warn("triple persist failed", "memory", rec.ID, "error", err)
			}
		}
	}

	if err := e.enforceCap(ctx, rec.SessionID); err != nil {
		e.logger.Warn("session cap enforcement failed", "session", rec.SessionID, "error", err)
	}
	if err := e.maybeCompress(ctx, rec.SessionID); err != nil {
		e.logger.Warn("compression failed", "session", rec.SessionID, "error", err)
	}

	if e.bus != nil {
		e.bus.PublishSync(events.NewMemoryRecorded(rec.ID, rec.SessionID, string(rec.Role), "memory"))
	}
	return nil
}

// Get fetches a record by id.
func (e *Engine) Get(ctx context.Context, id string) (*models.MemoryRecord, error) {
	return e.store.Get(ctx, id)
}

// Delete removes a record, its vectors, and its extracted triples.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if e.vectors != nil {
		e.vectors.Remove(id)
	}
	if e.kg != nil {
		e.kg.DeleteByMemory(ctx, id)
	}
	return e.store.Delete(ctx, id)
}

// enforceCap deletes the oldest overflow records past the per-session cap.
func (e *Engine) enforceCap(ctx context.Context, sessionID string) error {
	if e.cfg.MaxRecordsPerSession <= 0 {
		return nil
	}
	count, err := e.store.Count(ctx, sessionID)
	if err != nil {
		return err
	}
	overflow := count - e.cfg.MaxRecordsPerSession
	if overflow <= 0 {
		return nil
	}
	oldest, err := e.store.Oldest(ctx, sessionID, overflow)
	if err != nil {
		return err
	}
	for _, rec := range oldest {
		if err := e.Delete(ctx, rec.ID); err != nil {
			return err
		}
	}
	e.logger.Debug("evicted overflow records", "session", sessionID, "count", overflow)
	return nil
}

// Recall runs the fused read path and returns up to limit scored results.
// Retrieval failures degrade to whatever the other retrievers produced; an
// empty result set falls back to recency backfill.
func (e *Engine) Recall(ctx context.Context, query string, limit int, sessionID string) ([]*models.MemoryResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := e.now().UTC()
	fusion := newFusion(e.cfg.RRFK)
	byID := map[string]*models.MemoryRecord{}

	collect := func(recs []*models.MemoryRecord) []string {
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			byID[rec.ID] = rec
			ids = append(ids, rec.ID)
		}
		return ids
	}

	if e.cfg.Sparse.Enabled && query != "" {
		recs, err := e.store.Search(ctx, sessionID, query, e.topK(e.cfg.Sparse.TopK))
		if err != nil {
			e.logger.Warn("sparse retrieval failed", "error", err)
		} else {
			fusion.AddList(collect(recs))
		}
	}

	if e.cfg.Vector.Enabled && e.vectors != nil && query != "" {
		if vec, err := e.embed(ctx, query); err != nil {
			e.logger.Warn("query embedding failed", "error", err)
		} else {
			var ids []string
			for _, hit := range e.vectors.Search(sessionID, vec, e.topK(e.cfg.Vector.TopK)) {
				if rec, err := e.store.Get(ctx, hit.ID); err == nil {
					byID[rec.ID] = rec
					ids = append(ids, rec.ID)
				}
			}
			fusion.AddList(ids)
		}
	}

	if e.cfg.Graph.Enabled && e.kg != nil && query != "" {
		triples, err := e.kg.Search(ctx, sessionID, query, e.topK(e.cfg.Graph.TopK))
		if err != nil {
			e.logger.Warn("graph retrieval failed", "error", err)
		} else {
			fusion.AddList(e.tripleIDs(ctx, sessionID, triples, byID))
		}
	}

	if e.cfg.Associative.Enabled && e.kg != nil && query != "" {
		fusion.AddList(e.associative(ctx, sessionID, query, byID))
	}

	// Score filter, relaxed to the lower of the recall and association
	// thresholds so associative hits are not cut off prematurely.
	minScore := e.cfg.MinScore
	if e.cfg.Associative.Enabled && e.cfg.Associative.MinScore < minScore {
		minScore = e.cfg.Associative.MinScore
	}

	seenContent := map[string]bool{}
	var results []*models.MemoryResult
	for _, id := range fusion.Ranked() {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		if fusion.Score(id) < minScore {
			continue
		}
		norm := strings.Join(strings.Fields(strings.ToLower(rec.Content)), " ")
		if seenContent[norm] {
			continue
		}
		seenContent[norm] = true
		if e.cfg.EmotionFilter.Enabled {
			if intensity, ok := rec.EmotionIntensity(); ok && intensity < e.cfg.EmotionFilter.MinIntensity {
				continue
			}
		}
		results = append(results, &models.MemoryResult{Record: rec, Score: fusion.Score(id)})
	}

	applyScorers(e.scorers, query, results, now)
	e.rerank(ctx, query, results)
	sortResults(results)

	results = e.maybeRandomRecall(ctx, query, sessionID, results)
	results = e.backfill(ctx, sessionID, results, limit)

	if len(results) > limit {
		results = results[:limit]
	}

	if e.cfg.TouchOnRecall {
		for _, res := range results {
			res.Record.Touch(now)
			if err := e.store.Update(ctx, res.Record); err != nil {
				e.logger.Warn("touch failed", "id", res.Record.ID, "error", err)
			}
		}
	}
	return results, nil
}

func (e *Engine) topK(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}

// tripleIDs converts triples to record ids, materializing synthetic fact
// records for triples without a backing memory.
func (e *Engine) tripleIDs(ctx context.Context, sessionID string, triples []*models.Triple, byID map[string]*models.MemoryRecord) []string {
	var ids []string
	for _, t := range triples {
		if t.MemoryID != "" {
			if rec, err := e.store.Get(ctx, t.MemoryID); err == nil {
				byID[rec.ID] = rec
				ids = append(ids, rec.ID)
				continue
			}
		}
		synthetic := &models.MemoryRecord{
			ID:        "triple:" + t.TripleID,
			SessionID: sessionID,
			Role:      models.RoleSystem,
			Content:   "Fact: " + t.Subject + " " + t.Predicate + " " + t.Object,
			CreatedAt: t.CreatedAt,
		}
		byID[synthetic.ID] = synthetic
		ids = append(ids, synthetic.ID)
	}
	return ids
}

// associative walks the knowledge graph outward from query entities up to
// max_hops, collecting the memories behind the visited triples.
func (e *Engine) associative(ctx context.Context, sessionID, query string, byID map[string]*models.MemoryRecord) []string {
	maxHops := e.cfg.Associative.MaxHops
	if maxHops <= 0 {
		maxHops = 1
	}
	frontier := ExtractEntities(query)
	visited := map[string]bool{}
	var collected []*models.Triple

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			if visited[entity] {
				continue
			}
			visited[entity] = true
			triples, err := e.kg.Neighbors(ctx, sessionID, entity, e.topK(e.cfg.Associative.TopK))
			if err != nil {
				e.logger.Warn("associative walk failed", "entity", entity, "error", err)
				continue
			}
			for _, t := range triples {
				collected = append(collected, t)
				for _, other := range []string{t.Subject, t.Object} {
					lower := strings.ToLower(other)
					if !visited[lower] {
						next = append(next, lower)
					}
				}
			}
		}
		frontier = next
	}
	return e.tripleIDs(ctx, sessionID, collected, byID)
}

// rerank blends a rerank pass over the top-n candidates into the score:
// new = (1-w)*old + w*rerank.
func (e *Engine) rerank(ctx context.Context, query string, results []*models.MemoryResult) {
	if !e.cfg.Rerank.Enabled || query == "" || len(results) == 0 {
		return
	}
	n := e.cfg.Rerank.TopN
	if n <= 0 || n > len(results) {
		n = len(results)
	}
	top := results[:n]
	docs := make([]string, len(top))
	for i, res := range top {
		docs[i] = res.Record.Content
	}

	scores := e.rerankScores(ctx, query, docs)
	if scores == nil {
		return
	}
	w := e.cfg.Rerank.Weight
	for i, res := range top {
		res.Score = (1-w)*res.Score + w*scores[i]
	}
}

// rerankScores obtains per-document scores from a rerank-capable provider,
// falling back to embedding cosine similarity.
func (e *Engine) rerankScores(ctx context.Context, query string, docs []string) []float64 {
	if e.registry == nil {
		return nil
	}
	if p, err := e.registry.WithCapability("rerank"); err == nil {
		ranked, err := p.Rerank(ctx, query, docs, "", len(docs))
		if err == nil {
			scores := make([]float64, len(docs))
			for _, r := range ranked {
				if r.Index >= 0 && r.Index < len(scores) {
					scores[r.Index] = r.Score
				}
			}
			return scores
		}
		e.logger.Warn("rerank provider failed, trying embeddings", "error", err)
	}

	p, err := e.registry.WithCapability("embeddings")
	if err != nil {
		return nil
	}
	vecs, err := p.Embed(ctx, append([]string{query}, docs...), e.cfg.EmbeddingModel)
	if err != nil || len(vecs) != len(docs)+1 {
		e.logger.Warn("embedding rerank failed", "error", err)
		return nil
	}
	scores := make([]float64, len(docs))
	for i := range docs {
		scores[i] = Cosine(vecs[0], vecs[i+1])
	}
	return scores
}

// maybeRandomRecall injects sampled session records when a trigger keyword
// matches or the probability fires.
func (e *Engine) maybeRandomRecall(ctx context.Context, query, sessionID string, results []*models.MemoryResult) []*models.MemoryResult {
	if !e.cfg.Random.Enabled {
		return results
	}
	triggered := false
	lower := strings.ToLower(query)
	for _, kw := range e.cfg.Random.TriggerKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			triggered = true
			break
		}
	}
	if !triggered && e.rand() >= e.cfg.Random.Probability {
		return results
	}

	k := e.cfg.Random.K
	if k <= 0 {
		k = 2
	}
	recs, err := e.store.Recent(ctx, sessionID, -1)
	if err != nil || len(recs) == 0 {
		return results
	}

	fusion := newFusion(e.cfg.RRFK)
	for _, res := range results {
		fusion.AddScored(res.Record.ID, res.Score)
	}
	byID := map[string]*models.MemoryRecord{}
	for _, res := range results {
		byID[res.Record.ID] = res.Record
	}

	var sampled []string
	for _, i := range e.samplePerm(len(recs)) {
		if len(sampled) >= k {
			break
		}
		rec := recs[i]
		byID[rec.ID] = rec
		sampled = append(sampled, rec.ID)
	}
	fusion.AddList(sampled)

	out := make([]*models.MemoryResult, 0, len(fusion.Ranked()))
	for _, id := range fusion.Ranked() {
		out = append(out, &models.MemoryResult{Record: byID[id], Score: fusion.Score(id)})
	}
	return out
}

// samplePerm returns a random permutation of [0, n) using the injected
// randomness source.
func (e *Engine) samplePerm(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(e.rand() * float64(i+1))
		if j > i {
			j = i
		}
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// backfill pads results to the limit with the most recent session records,
// each scored 0.01.
func (e *Engine) backfill(ctx context.Context, sessionID string, results []*models.MemoryResult, limit int) []*models.MemoryResult {
	if len(results) >= limit {
		return results
	}
	have := map[string]bool{}
	for _, res := range results {
		have[res.Record.ID] = true
	}
	recent, err := e.store.Recent(ctx, sessionID, limit+len(results))
	if err != nil {
		e.logger.Warn("backfill failed", "error", err)
		return results
	}
	for _, rec := range recent {
		if len(results) >= limit {
			break
		}
		if have[rec.ID] {
			continue
		}
		have[rec.ID] = true
		results = append(results, &models.MemoryResult{Record: rec, Score: 0.01})
	}
	return results
}

func (e *Engine) embed(ctx context.Context, text string) ([]float64, error) {
	if e.registry == nil {
		return nil, errNoEmbedder
	}
	p, err := e.registry.WithCapability("embeddings")
	if err != nil {
		return nil, err
	}
	vecs, err := p.Embed(ctx, []string{text}, e.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errNoEmbedder
	}
	return vecs[0], nil
}

func sortResults(results []*models.MemoryResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
