package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/pkg/models"
)

// LayerUpdates is the output of a layer extractor for one record.
type LayerUpdates struct {
	CoreUpdates []string                 `json:"core_updates,omitempty"`
	Facts       []models.SemanticFact    `json:"facts,omitempty"`
	Habits      []models.ProceduralHabit `json:"habits,omitempty"`
}

// Empty reports whether the extractor found nothing.
func (u *LayerUpdates) Empty() bool {
	return len(u.CoreUpdates) == 0 && len(u.Facts) == 0 && len(u.Habits) == 0
}

// LayerExtractor turns a memory record into layered updates.
type LayerExtractor interface {
	Extract(ctx context.Context, rec *models.MemoryRecord) (*LayerUpdates, error)
}

// RuleExtractor reads structured metadata (core_updates, facts, habits) and
// inline hints in content ("core: …", "fact: S | P | O",
// "habit: type | instruction").
type RuleExtractor struct{}

// Extract implements LayerExtractor.
func (RuleExtractor) Extract(ctx context.Context, rec *models.MemoryRecord) (*LayerUpdates, error) {
	updates := &LayerUpdates{}

	if rec.Metadata != nil {
		if raw, ok := rec.Metadata["core_updates"].([]any); ok {
			for _, e := range raw {
				if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
					updates.CoreUpdates = append(updates.CoreUpdates, strings.TrimSpace(s))
				}
			}
		}
		if raw, ok := rec.Metadata["facts"].([]any); ok {
			for _, e := range raw {
				m, ok := e.(map[string]any)
				if !ok {
					continue
				}
				s, _ := m["subject"].(string)
				p, _ := m["predicate"].(string)
				o, _ := m["object"].(string)
				appendFact(updates, rec.SessionID, s, p, o)
			}
		}
		if raw, ok := rec.Metadata["habits"].([]any); ok {
			for _, e := range raw {
				m, ok := e.(map[string]any)
				if !ok {
					continue
				}
				taskType, _ := m["task_type"].(string)
				instruction, _ := m["instruction"].(string)
				appendHabit(updates, rec.SessionID, taskType, instruction)
			}
		}
	}

	for _, line := range strings.Split(rec.Content, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "core:"):
			if s := strings.TrimSpace(line[len("core:"):]); s != "" {
				updates.CoreUpdates = append(updates.CoreUpdates, s)
			}
		case strings.HasPrefix(lower, "fact:"):
			parts := strings.Split(line[len("fact:"):], "|")
			if len(parts) == 3 {
				appendFact(updates, rec.SessionID, parts[0], parts[1], parts[2])
			}
		case strings.HasPrefix(lower, "habit:"):
			parts := strings.Split(line[len("habit:"):], "|")
			if len(parts) == 2 {
				appendHabit(updates, rec.SessionID, parts[0], parts[1])
			}
		}
	}
	return updates, nil
}

func appendFact(u *LayerUpdates, sessionID, subject, predicate, object string) {
	subject, predicate, object = strings.TrimSpace(subject), strings.TrimSpace(predicate), strings.TrimSpace(object)
	if subject == "" || predicate == "" || object == "" {
		return
	}
	u.Facts = append(u.Facts, models.SemanticFact{
		SessionID: sessionID, Subject: subject, Predicate: predicate, Object: object,
	})
}

func appendHabit(u *LayerUpdates, sessionID, taskType, instruction string) {
	taskType, instruction = strings.TrimSpace(taskType), strings.TrimSpace(instruction)
	if taskType == "" || instruction == "" {
		return
	}
	u.Habits = append(u.Habits, models.ProceduralHabit{
		SessionID: sessionID, TaskType: taskType, Instruction: instruction,
	})
}

const extractPrompt = `Extract long-term memory updates from the message.
Respond with JSON only: {"core_updates": ["..."], "facts": [{"subject": "",
"predicate": "", "object": ""}], "habits": [{"task_type": "", "instruction":
""}]}. Use empty arrays when nothing applies.`

// LLMExtractor asks a chat provider for structured layer updates.
type LLMExtractor struct {
	Registry *providers.Registry
	Model    string
}

// Extract implements LayerExtractor.
func (x *LLMExtractor) Extract(ctx context.Context, rec *models.MemoryRecord) (*LayerUpdates, error) {
	p, err := x.Registry.WithCapability("chat")
	if err != nil {
		return nil, err
	}
	resp, err := p.Chat(ctx, []*models.Message{
		{Role: models.RoleSystem, Content: extractPrompt},
		{Role: models.RoleUser, Content: rec.Content},
	}, &providers.ChatOptions{Model: x.Model})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Content)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var updates LayerUpdates
	if err := json.Unmarshal([]byte(text), &updates); err != nil {
		return nil, err
	}
	for i := range updates.Facts {
		updates.Facts[i].SessionID = rec.SessionID
	}
	for i := range updates.Habits {
		updates.Habits[i].SessionID = rec.SessionID
	}
	return &updates, nil
}

// CompositeExtractor runs the rule extractor and falls through to the LLM
// extractor when rules found nothing.
type CompositeExtractor struct {
	Rule RuleExtractor
	LLM  *LLMExtractor
}

// Extract implements LayerExtractor.
func (x *CompositeExtractor) Extract(ctx context.Context, rec *models.MemoryRecord) (*LayerUpdates, error) {
	updates, err := x.Rule.Extract(ctx, rec)
	if err == nil && !updates.Empty() {
		return updates, nil
	}
	if x.LLM == nil {
		return updates, err
	}
	return x.LLM.Extract(ctx, rec)
}

// Pipeline subscribes to memory.recorded, extracts layered updates, persists
// them into the layer stores, and emits the layer events.
type Pipeline struct {
	engine    *Engine
	layers    *LayerStores
	extractor LayerExtractor
	bus       *events.Bus
	logger    *slog.Logger
	subID     int
}

// NewPipeline creates a pipeline over an engine and its layer stores.
func NewPipeline(engine *Engine, layers *LayerStores, extractor LayerExtractor, bus *events.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = RuleExtractor{}
	}
	return &Pipeline{
		engine:    engine,
		layers:    layers,
		extractor: extractor,
		bus:       bus,
		logger:    logger.With("component", "memory-pipeline"),
	}
}

// Start subscribes to memory.recorded.
func (p *Pipeline) Start() {
	p.subID = p.bus.Subscribe(events.TypeMemoryRecorded, p.onRecorded)
}

// Stop unsubscribes.
func (p *Pipeline) Stop() {
	p.bus.Unsubscribe(p.subID)
}

func (p *Pipeline) onRecorded(ctx context.Context, ev *events.Event) error {
	recordID, _ := ev.Data["record_id"].(string)
	if recordID == "" {
		return nil
	}
	rec, err := p.engine.Get(ctx, recordID)
	if err != nil {
		return err
	}
	return p.Process(ctx, rec)
}

// Process extracts and persists layered updates for one record.
func (p *Pipeline) Process(ctx context.Context, rec *models.MemoryRecord) error {
	updates, err := p.extractor.Extract(ctx, rec)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, summary := range updates.CoreUpdates {
		profile := &models.CoreProfile{
			ProfileID: "profile-" + uuid.NewString(),
			Summary:   summary,
			SessionID: rec.SessionID,
			UpdatedAt: now,
		}
		if err := p.layers.Core.Upsert(ctx, profile); err != nil {
			p.logger.Warn("core upsert failed", "error", err)
			continue
		}
		p.bus.PublishSync(events.NewMemoryCoreUpdated(
			profile.ProfileID, profile.Summary, profile.SessionID, "memory-pipeline"))
	}

	for i := range updates.Facts {
		fact := updates.Facts[i]
		if fact.SessionID == "" {
			continue
		}
		if fact.FactID == "" {
			fact.FactID = uuid.NewString()
		}
		fact.UpdatedAt = now
		if err := p.layers.Semantic.Upsert(ctx, &fact); err != nil {
			p.logger.Warn("fact upsert failed", "error", err)
			continue
		}
		p.bus.PublishSync(events.NewMemoryFactUpserted(
			fact.FactID, fact.SessionID, fact.Subject, fact.Predicate, fact.Object, "memory-pipeline"))
	}

	for i := range updates.Habits {
		habit := updates.Habits[i]
		if habit.SessionID == "" {
			continue
		}
		if habit.HabitID == "" {
			habit.HabitID = uuid.NewString()
		}
		habit.UpdatedAt = now
		if err := p.layers.Procedural.Record(ctx, &habit); err != nil {
			p.logger.Warn("habit record failed", "error", err)
			continue
		}
		p.bus.PublishSync(events.NewMemoryHabitRecorded(
			habit.HabitID, habit.SessionID, habit.TaskType, habit.Instruction, "memory-pipeline"))
	}

	if rec.Metadata != nil {
		if emotion, ok := rec.Metadata[models.MetaEmotion].(map[string]any); ok {
			p.bus.PublishSync(events.NewEmotionalSnapshotAttached(
				rec.ID, rec.SessionID, emotion, "memory-pipeline"))
		}
	}
	return nil
}
