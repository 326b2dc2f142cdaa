// Package capability resolves the effective policy for each ability by
// merging the global default, per-ability overrides, and per-plugin "star"
// entries, and gates tool exposure and execution accordingly.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cerise-ai/cerise/internal/abilities"
)

// Decision is the resolved policy for one ability.
type Decision struct {
	Enabled    bool `json:"enabled"`
	AllowTools bool `json:"allow_tools"`
	Priority   int  `json:"priority"`
}

// Override is a per-ability policy override in the global config. Nil
// fields inherit from the level below.
type Override struct {
	Enabled    *bool `json:"enabled,omitempty" yaml:"enabled"`
	AllowTools *bool `json:"allow_tools,omitempty" yaml:"allow_tools"`
	Priority   *int  `json:"priority,omitempty" yaml:"priority"`
}

// Toggle is a per-ability switch inside a star entry.
type Toggle struct {
	Enabled    *bool `json:"enabled,omitempty" yaml:"enabled"`
	AllowTools *bool `json:"allow_tools,omitempty" yaml:"allow_tools"`
}

// StarEntry is the per-plugin policy: a plugin-wide (enabled, allow_tools)
// pair plus optional per-ability toggles.
type StarEntry struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	AllowTools bool              `json:"allow_tools" yaml:"allow_tools"`
	Abilities  map[string]Toggle `json:"abilities,omitempty" yaml:"abilities"`
}

// Config is the global capability policy.
type Config struct {
	DefaultEnabled      bool                `yaml:"default_enabled"`
	AllowToolsByDefault bool                `yaml:"allow_tools_by_default"`
	Abilities           map[string]Override `yaml:"abilities"`
}

// DefaultConfig enables everything with priority 0.
func DefaultConfig() Config {
	return Config{DefaultEnabled: true, AllowToolsByDefault: true}
}

// OwnerResolver maps an ability to its owning plugin, when it has one.
type OwnerResolver interface {
	Owner(ability string) (plugin string, ok bool)
}

// StarRegistry provides per-plugin star entries.
type StarRegistry interface {
	Star(plugin string) (*StarEntry, bool)
}

// Scheduler resolves capability decisions and gates ability execution.
type Scheduler struct {
	cfg      Config
	registry *abilities.Registry
	owners   OwnerResolver
	stars    StarRegistry
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. owners and stars may be nil when no
// plugin layer exists.
func NewScheduler(cfg Config, registry *abilities.Registry, owners OwnerResolver, stars StarRegistry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		owners:   owners,
		stars:    stars,
		logger:   logger.With("component", "capability"),
	}
}

// Resolve computes the effective decision for an ability name. Enabled and
// AllowTools are AND-folded across every level that speaks: a single false
// anywhere wins.
func (s *Scheduler) Resolve(name string) Decision {
	base := Decision{
		Enabled:    s.cfg.DefaultEnabled,
		AllowTools: s.cfg.AllowToolsByDefault,
	}

	if ov, ok := s.cfg.Abilities[name]; ok {
		if ov.Enabled != nil {
			base.Enabled = *ov.Enabled
		}
		if ov.AllowTools != nil {
			base.AllowTools = *ov.AllowTools
		}
		if ov.Priority != nil {
			base.Priority = *ov.Priority
		}
	}

	if s.owners == nil || s.stars == nil {
		return base
	}
	plugin, ok := s.owners.Owner(name)
	if !ok {
		return base
	}
	star, ok := s.stars.Star(plugin)
	if !ok {
		return base
	}

	base.Enabled = base.Enabled && star.Enabled
	base.AllowTools = base.AllowTools && star.AllowTools

	if toggle, ok := star.Abilities[name]; ok {
		if toggle.Enabled != nil {
			base.Enabled = base.Enabled && *toggle.Enabled
		}
		if toggle.AllowTools != nil {
			base.AllowTools = base.AllowTools && *toggle.AllowTools
		}
	}
	return base
}

// ToolSchemas returns the tool schemas of abilities that are both enabled
// and tool-allowed, sorted by priority descending. The sort is stable over
// the registry's name ordering.
func (s *Scheduler) ToolSchemas() []abilities.ToolSchema {
	type ranked struct {
		schema   abilities.ToolSchema
		priority int
	}
	list := s.registry.List()
	kept := make([]ranked, 0, len(list))
	for _, a := range list {
		d := s.Resolve(a.Name())
		if !d.Enabled || !d.AllowTools {
			continue
		}
		kept = append(kept, ranked{schema: abilities.ToToolSchema(a), priority: d.Priority})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].priority > kept[j].priority })

	out := make([]abilities.ToolSchema, len(kept))
	for i, r := range kept {
		out[i] = r.schema
	}
	return out
}

// Execute runs an ability through the registry after the capability gate.
// A disabled ability short-circuits with a failed result.
func (s *Scheduler) Execute(ctx context.Context, name string, params map[string]any, actx *abilities.Context) *abilities.Result {
	d := s.Resolve(name)
	if !d.Enabled {
		toolExecutions.WithLabelValues(name, "denied").Inc()
		return &abilities.Result{Success: false, Error: fmt.Sprintf("Ability '%s' disabled", name)}
	}
	result := s.registry.Execute(ctx, name, params, actx)
	outcome := "ok"
	if result == nil || !result.Success {
		outcome = "error"
	}
	toolExecutions.WithLabelValues(name, outcome).Inc()
	return result
}
