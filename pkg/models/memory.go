package models

import (
	"time"
)

// Metadata keys used on MemoryRecord. Consumers should go through the typed
// accessors below rather than reading the map directly.
const (
	MetaEmotion         = "emotion"
	MetaImportance      = "importance"
	MetaEmotionalImpact = "emotional_impact"
	MetaAccessCount     = "access_count"
	MetaLastAccessed    = "last_accessed"
	MetaCompressed      = "compressed"
	MetaSummary         = "summary"
	MetaSourceIDs       = "source_ids"
)

// MemoryRecord is a single episodic memory.
//
// Invariants: ID is unique, ExpiresAt (when set) equals CreatedAt plus the
// configured TTL, AccessCount never goes negative, and importance /
// emotional_impact live in [0, 100].
type MemoryRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// meta returns the metadata map, allocating it on first use.
func (r *MemoryRecord) meta() map[string]any {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	return r.Metadata
}

func (r *MemoryRecord) metaFloat(key string) (float64, bool) {
	if r.Metadata == nil {
		return 0, false
	}
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// AccessCount returns how many times the record has been surfaced by recall.
func (r *MemoryRecord) AccessCount() int {
	v, _ := r.metaFloat(MetaAccessCount)
	if v < 0 {
		return 0
	}
	return int(v)
}

// LastAccessed returns the last recall time, if the record was ever touched.
func (r *MemoryRecord) LastAccessed() (time.Time, bool) {
	if r.Metadata == nil {
		return time.Time{}, false
	}
	switch v := r.Metadata[MetaLastAccessed].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Touch records a recall hit: increments access_count and stamps
// last_accessed.
func (r *MemoryRecord) Touch(now time.Time) {
	m := r.meta()
	m[MetaAccessCount] = float64(r.AccessCount() + 1)
	m[MetaLastAccessed] = now.UTC().Format(time.RFC3339Nano)
}

// Importance returns the importance score in [0, 100].
func (r *MemoryRecord) Importance() float64 {
	v, ok := r.metaFloat(MetaImportance)
	if !ok {
		return 0
	}
	return clamp01h(v)
}

// EmotionalImpact returns the emotional impact score in [0, 100].
func (r *MemoryRecord) EmotionalImpact() float64 {
	v, ok := r.metaFloat(MetaEmotionalImpact)
	if !ok {
		return 0
	}
	return clamp01h(v)
}

// EmotionIntensity reads metadata.emotion.intensity when an emotion block is
// attached, returning false otherwise.
func (r *MemoryRecord) EmotionIntensity() (float64, bool) {
	if r.Metadata == nil {
		return 0, false
	}
	block, ok := r.Metadata[MetaEmotion].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := block["intensity"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// IsSummary reports whether the record was produced by memory compression.
func (r *MemoryRecord) IsSummary() bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata[MetaSummary].(bool)
	return ok && v
}

// SourceIDs returns the ids of the records a summary was compressed from.
func (r *MemoryRecord) SourceIDs() []string {
	if r.Metadata == nil {
		return nil
	}
	switch v := r.Metadata[MetaSourceIDs].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func clamp01h(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MemoryResult pairs a record with its fused recall score.
type MemoryResult struct {
	Record *MemoryRecord `json:"record"`
	Score  float64       `json:"score"`
}

// Triple is a knowledge-graph edge extracted from a memory record.
type Triple struct {
	TripleID  string    `json:"triple_id"`
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    string    `json:"object"`
	MemoryID  string    `json:"memory_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score"`
}

// CoreProfile is the L1 memory layer: a rolling summary of who the user is.
type CoreProfile struct {
	ProfileID string    `json:"profile_id"`
	Summary   string    `json:"summary"`
	SessionID string    `json:"session_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SemanticFact is the L2 memory layer: a subject/predicate/object fact
// unique per (session_id, subject, predicate).
type SemanticFact struct {
	FactID    string    `json:"fact_id"`
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    string    `json:"object"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProceduralHabit is the L4 memory layer: a learned instruction for a task
// type, unique per (session_id, task_type, instruction).
type ProceduralHabit struct {
	HabitID     string    `json:"habit_id"`
	SessionID   string    `json:"session_id"`
	TaskType    string    `json:"task_type"`
	Instruction string    `json:"instruction"`
	UpdatedAt   time.Time `json:"updated_at"`
}
