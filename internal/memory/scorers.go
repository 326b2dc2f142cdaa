package memory

import (
	"math"
	"strings"
	"time"

	"github.com/cerise-ai/cerise/pkg/models"
)

// Scorer adjusts a recall candidate's score. Implementations return a value
// in [0, 1]; the engine adds the mean of all weighted scorer outputs.
type Scorer interface {
	Name() string
	Score(query string, rec *models.MemoryRecord, now time.Time) float64
	Weight() float64
}

// ScorerConfig holds the weights of the default scorer set. A zero weight
// disables that scorer.
type ScorerConfig struct {
	KeywordWeight       float64       `yaml:"keyword_weight"`
	RecencyWeight       float64       `yaml:"recency_weight"`
	RecencyHalfLife     time.Duration `yaml:"recency_half_life"`
	ImportanceWeight    float64       `yaml:"importance_weight"`
	EmotionWeight       float64       `yaml:"emotion_weight"`
	ReinforcementWeight float64       `yaml:"reinforcement_weight"`
	ReinforcementCap    int           `yaml:"reinforcement_cap"`
}

// DefaultScorerConfig returns the standard weights.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		KeywordWeight:       1.0,
		RecencyWeight:       0.5,
		RecencyHalfLife:     24 * time.Hour,
		ImportanceWeight:    0.5,
		EmotionWeight:       0.3,
		ReinforcementWeight: 0.2,
		ReinforcementCap:    10,
	}
}

// BuildScorers instantiates the default scorer set from config, skipping
// zero-weight entries.
func BuildScorers(cfg ScorerConfig) []Scorer {
	var out []Scorer
	if cfg.KeywordWeight > 0 {
		out = append(out, keywordScorer{weight: cfg.KeywordWeight})
	}
	if cfg.RecencyWeight > 0 {
		half := cfg.RecencyHalfLife
		if half <= 0 {
			half = 24 * time.Hour
		}
		out = append(out, recencyScorer{weight: cfg.RecencyWeight, halfLife: half})
	}
	if cfg.ImportanceWeight > 0 {
		out = append(out, importanceScorer{weight: cfg.ImportanceWeight})
	}
	if cfg.EmotionWeight > 0 {
		out = append(out, emotionScorer{weight: cfg.EmotionWeight})
	}
	if cfg.ReinforcementWeight > 0 {
		cap := cfg.ReinforcementCap
		if cap <= 0 {
			cap = 10
		}
		out = append(out, reinforcementScorer{weight: cfg.ReinforcementWeight, cap: cap})
	}
	return out
}

// keywordScorer scores by the fraction of query terms present in the
// record content.
type keywordScorer struct{ weight float64 }

func (keywordScorer) Name() string      { return "keyword" }
func (s keywordScorer) Weight() float64 { return s.weight }

func (keywordScorer) Score(query string, rec *models.MemoryRecord, now time.Time) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	content := strings.ToLower(rec.Content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// recencyScorer decays exponentially with the record age.
type recencyScorer struct {
	weight   float64
	halfLife time.Duration
}

func (recencyScorer) Name() string      { return "recency" }
func (s recencyScorer) Weight() float64 { return s.weight }

func (s recencyScorer) Score(query string, rec *models.MemoryRecord, now time.Time) float64 {
	age := now.Sub(rec.CreatedAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/s.halfLife.Hours())
}

// importanceScorer maps metadata importance [0,100] to [0,1].
type importanceScorer struct{ weight float64 }

func (importanceScorer) Name() string      { return "importance" }
func (s importanceScorer) Weight() float64 { return s.weight }

func (importanceScorer) Score(query string, rec *models.MemoryRecord, now time.Time) float64 {
	return rec.Importance() / 100
}

// emotionScorer maps emotional impact [0,100] to [0,1].
type emotionScorer struct{ weight float64 }

func (emotionScorer) Name() string      { return "emotion" }
func (s emotionScorer) Weight() float64 { return s.weight }

func (emotionScorer) Score(query string, rec *models.MemoryRecord, now time.Time) float64 {
	return rec.EmotionalImpact() / 100
}

// reinforcementScorer rewards records that keep getting recalled, capped so
// one hot record cannot dominate.
type reinforcementScorer struct {
	weight float64
	cap    int
}

func (reinforcementScorer) Name() string      { return "reinforcement" }
func (s reinforcementScorer) Weight() float64 { return s.weight }

func (s reinforcementScorer) Score(query string, rec *models.MemoryRecord, now time.Time) float64 {
	count := rec.AccessCount()
	if count > s.cap {
		count = s.cap
	}
	return float64(count) / float64(s.cap)
}

// applyScorers adds the mean weighted scorer output to each result score.
func applyScorers(scorers []Scorer, query string, results []*models.MemoryResult, now time.Time) {
	if len(scorers) == 0 {
		return
	}
	for _, res := range results {
		sum := 0.0
		for _, sc := range scorers {
			sum += sc.Weight() * sc.Score(query, res.Record, now)
		}
		res.Score += sum / float64(len(scorers))
	}
}
