// Package dialogue implements the dialogue engine: session management,
// system-prompt composition from persona, layered memory, and skills, and
// the bounded tool-calling loop.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cerise-ai/cerise/internal/memory"
)

// LayerWeights drives the quota split of the memory context across layers.
type LayerWeights struct {
	Core     float64 `yaml:"core"`
	Facts    float64 `yaml:"facts"`
	Habits   float64 `yaml:"habits"`
	Episodic float64 `yaml:"episodic"`
}

// ContextConfig tunes the memory context builder.
type ContextConfig struct {
	// MaxItems is the total item budget across all layers.
	MaxItems int `yaml:"max_items"`
	// Weights split MaxItems proportionally.
	Weights LayerWeights `yaml:"weights"`
	// Caps clamp each layer after the proportional split; zero means no cap.
	Caps LayerWeights `yaml:"caps"`
}

// DefaultContextConfig returns the standard quota split.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxItems: 12,
		Weights:  LayerWeights{Core: 1, Facts: 2, Habits: 1, Episodic: 4},
	}
}

// ContextBuilder assembles the layered memory section of the system prompt.
type ContextBuilder struct {
	cfg    ContextConfig
	engine *memory.Engine
	layers *memory.LayerStores
	logger *slog.Logger
}

// NewContextBuilder creates a builder over the memory engine and layer
// stores. Either may be nil; missing layers render as empty sections.
func NewContextBuilder(cfg ContextConfig, engine *memory.Engine, layers *memory.LayerStores, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultContextConfig().MaxItems
	}
	if cfg.Weights == (LayerWeights{}) {
		cfg.Weights = DefaultContextConfig().Weights
	}
	return &ContextBuilder{
		cfg:    cfg,
		engine: engine,
		layers: layers,
		logger: logger.With("component", "context-builder"),
	}
}

// layer order is fixed so quota remainders land deterministically.
var layerNames = []string{"core", "facts", "habits", "episodic"}

// quotas allocates max_items across layers proportional to weights,
// distributing the remainder to the highest-weighted layers, then applying
// per-layer caps.
func (b *ContextBuilder) quotas() map[string]int {
	weights := map[string]float64{
		"core":     b.cfg.Weights.Core,
		"facts":    b.cfg.Weights.Facts,
		"habits":   b.cfg.Weights.Habits,
		"episodic": b.cfg.Weights.Episodic,
	}
	caps := map[string]float64{
		"core":     b.cfg.Caps.Core,
		"facts":    b.cfg.Caps.Facts,
		"habits":   b.cfg.Caps.Habits,
		"episodic": b.cfg.Caps.Episodic,
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}
	out := map[string]int{}
	if total <= 0 {
		return out
	}

	assigned := 0
	for _, name := range layerNames {
		q := int(float64(b.cfg.MaxItems) * weights[name] / total)
		out[name] = q
		assigned += q
	}

	// Remainder goes to the highest-weighted layers, ties in fixed order.
	order := append([]string(nil), layerNames...)
	sort.SliceStable(order, func(i, j int) bool {
		return weights[order[i]] > weights[order[j]]
	})
	for i := 0; assigned < b.cfg.MaxItems; i = (i + 1) % len(order) {
		if weights[order[i]] <= 0 {
			continue
		}
		out[order[i]]++
		assigned++
	}

	for name, c := range caps {
		if c > 0 && out[name] > int(c) {
			out[name] = int(c)
		}
	}
	return out
}

// Build renders the four labeled memory sections for a session and query.
// Layers that yield nothing render with an empty body; retrieval failures
// degrade to empty sections so dialogue continues with what is available.
func (b *ContextBuilder) Build(ctx context.Context, sessionID, query string) string {
	quota := b.quotas()
	var sb strings.Builder

	sb.WriteString("[Core Profile]\n")
	if b.layers != nil && quota["core"] > 0 {
		profiles, err := b.layers.Core.Latest(ctx, sessionID, quota["core"])
		if err != nil {
			b.logger.Warn("core layer unavailable", "error", err)
		}
		for _, p := range profiles {
			fmt.Fprintf(&sb, "- %s\n", p.Summary)
		}
	}

	sb.WriteString("[Facts]\n")
	if b.layers != nil && quota["facts"] > 0 {
		facts, err := b.layers.Semantic.List(ctx, sessionID, quota["facts"])
		if err != nil {
			b.logger.Warn("facts layer unavailable", "error", err)
		}
		for _, f := range facts {
			fmt.Fprintf(&sb, "- %s %s %s\n", f.Subject, f.Predicate, f.Object)
		}
	}

	sb.WriteString("[Habits]\n")
	if b.layers != nil && quota["habits"] > 0 {
		habits, err := b.layers.Procedural.List(ctx, sessionID, quota["habits"])
		if err != nil {
			b.logger.Warn("habits layer unavailable", "error", err)
		}
		for _, h := range habits {
			fmt.Fprintf(&sb, "- [%s] %s\n", h.TaskType, h.Instruction)
		}
	}

	sb.WriteString("[Episodic Recall]\n")
	if b.engine != nil && quota["episodic"] > 0 {
		results, err := b.engine.Recall(ctx, query, quota["episodic"], sessionID)
		if err != nil {
			b.logger.Warn("episodic recall unavailable", "error", err)
		}
		for _, res := range results {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(res.Record.Content))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
