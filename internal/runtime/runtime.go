// Package runtime assembles the full agent stack from configuration: event
// bus, providers, abilities and plugins, capability scheduler, layered
// memory, dialogue, skills, proactive scheduler, and sub-agents. A Runtime
// is a value, not a global; a narrow default accessor exists for embedders
// that need process-wide access.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cerise-ai/cerise/internal/abilities"
	"github.com/cerise-ai/cerise/internal/agents"
	"github.com/cerise-ai/cerise/internal/capability"
	"github.com/cerise-ai/cerise/internal/config"
	"github.com/cerise-ai/cerise/internal/dialogue"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/mcp"
	"github.com/cerise-ai/cerise/internal/memory"
	"github.com/cerise-ai/cerise/internal/plugins"
	"github.com/cerise-ai/cerise/internal/proactive"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/internal/skills"
	"github.com/cerise-ai/cerise/internal/state"
)

// Runtime is the assembled agent stack.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Bus       *events.Bus
	State     *state.Store
	Providers *providers.Registry
	Abilities *abilities.Registry
	Scheduler *capability.Scheduler

	Plugins   *plugins.Manager
	Installer *plugins.Installer
	Deps      *plugins.DepInstaller
	Watcher   *plugins.Watcher
	MCP       *mcp.Manager

	Memory   *memory.Engine
	Layers   *memory.LayerStores
	Pipeline *memory.Pipeline
	Decay    *memory.Decay

	Skills    *skills.Service
	Dialogue  *dialogue.Engine
	Proactive *proactive.Service
	Agents    *agents.Service

	proactiveState *state.Store
	cancel         context.CancelFunc
}

// New builds a runtime from configuration. Nothing starts until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}
	layout := cfg.Layout()
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger}
	rt.Bus = events.NewBus()

	var err error
	if rt.State, err = state.Open(layout.StateFile(), logger); err != nil {
		return nil, err
	}
	if rt.proactiveState, err = state.Open(layout.ProactiveState(), logger); err != nil {
		return nil, err
	}

	providerCfg, err := config.LoadProviders(layout.ProvidersFile())
	if err != nil {
		return nil, err
	}
	rt.Providers = providers.NewRegistry(providerCfg, logger)

	rt.Abilities = abilities.NewRegistry(logger)
	rt.Deps = plugins.NewDepInstaller(cfg.Plugins.Dir, logger)
	rt.Plugins = plugins.NewManager(cfg.Plugins, rt.Abilities, rt.Deps, logger)
	rt.Installer = plugins.NewInstaller(cfg.Plugins.Dir, plugins.NewInstallRegistry(layout.PluginRegistry()), rt.Deps, logger)
	if cfg.Plugins.Watch {
		rt.Watcher = plugins.NewWatcher(cfg.Plugins.Dir, rt.Plugins, logger)
	}
	rt.MCP = mcp.NewManager(cfg.MCP, rt.Abilities, logger)
	rt.Scheduler = capability.NewScheduler(cfg.Capability, rt.Abilities, rt.Plugins, cfg.Stars, logger)

	if err := rt.buildMemory(layout); err != nil {
		return nil, err
	}

	rt.Skills = skills.NewService(
		skills.WithProviders(rt.Providers, cfg.Skills.EmbeddingModel),
		skills.WithLogger(logger))

	dialogueCfg := cfg.Dialogue
	proactivePrompt := ""
	if cfg.Character != "" {
		ch, err := config.LoadCharacter(layout.CharacterFile(cfg.Character))
		if err != nil {
			return nil, fmt.Errorf("load character %q: %w", cfg.Character, err)
		}
		if dialogueCfg.Persona == "" {
			dialogueCfg.Persona = ch.Persona
		}
		proactivePrompt = ch.ProactivePrompt
	}

	contexts := dialogue.NewContextBuilder(dialogueCfg.Context, rt.Memory, rt.Layers, logger)
	rt.Dialogue = dialogue.NewEngine(dialogueCfg, rt.Providers, rt.Scheduler,
		dialogue.WithMemory(rt.Memory, contexts),
		dialogue.WithSkills(rt.Skills),
		dialogue.WithBus(rt.Bus),
		dialogue.WithLogger(logger))

	proactiveCfg := cfg.Proactive
	if proactivePrompt != "" && proactiveCfg.PromptTemplate == "" {
		proactiveCfg.PromptTemplate = proactivePrompt
	}
	rt.Proactive = proactive.NewService(proactiveCfg, rt.Dialogue, rt.Bus,
		rt.proactiveState.Namespace("proactive"), proactive.WithLogger(logger))

	rt.Agents = agents.NewService(rt.Dialogue, rt.State.Namespace("agents"), rt.Bus,
		agents.WithLogger(logger))

	rt.registerBuiltinAbilities()
	return rt, nil
}

func (rt *Runtime) buildMemory(layout config.Layout) error {
	store, err := memory.OpenSQLiteStore(layout.MemoryDB(), rt.Logger)
	if err != nil {
		return err
	}
	kg, err := memory.OpenSQLiteKG(layout.MemoryDB(), rt.Logger)
	if err != nil {
		return err
	}
	vectors, err := memory.OpenVectorIndex(layout.VectorsDir())
	if err != nil {
		return err
	}
	if rt.Layers, err = memory.OpenLayerStores(
		layout.CoreDB(), layout.SemanticDB(), layout.ProceduralDB()); err != nil {
		return err
	}

	rt.Memory = memory.NewEngine(rt.Config.Memory, store,
		memory.WithKG(kg),
		memory.WithVectors(vectors),
		memory.WithProviders(rt.Providers),
		memory.WithBus(rt.Bus),
		memory.WithEngineLogger(rt.Logger))

	extractor := &memory.CompositeExtractor{
		LLM: &memory.LLMExtractor{Registry: rt.Providers},
	}
	rt.Pipeline = memory.NewPipeline(rt.Memory, rt.Layers, extractor, rt.Bus, rt.Logger)
	rt.Decay = memory.NewDecay(rt.Memory, rt.Config.Decay, rt.Logger)
	return nil
}

// Start brings the runtime up: bus, pipeline, plugins, MCP servers, decay
// sweeps, proactive timers.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, rt.cancel = context.WithCancel(ctx)

	rt.Bus.Start(ctx)
	rt.Pipeline.Start()
	rt.Plugins.LoadAll(ctx)
	rt.MCP.ConnectAll(ctx)
	if rt.Watcher != nil {
		go func() {
			if err := rt.Watcher.Run(ctx); err != nil {
				rt.Logger.Error("plugin watcher stopped", "error", err)
			}
		}()
	}
	if err := rt.Decay.Start(ctx); err != nil {
		return err
	}
	rt.Proactive.Start()

	rt.Logger.Info("runtime started",
		"plugins", len(rt.Plugins.Loaded()),
		"abilities", len(rt.Abilities.Names()))
	return nil
}

// Stop shuts the runtime down in reverse dependency order.
func (rt *Runtime) Stop() {
	rt.Proactive.Stop()
	rt.Decay.Stop()
	rt.MCP.Close()
	rt.Plugins.Close()
	rt.Pipeline.Stop()
	rt.Bus.Stop()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.Logger.Info("runtime stopped")
}

// registerBuiltinAbilities exposes the memory and skill services as tools.
func (rt *Runtime) registerBuiltinAbilities() {
	rt.Abilities.Register(&abilities.FuncAbility{
		AbilityName: "memory_save",
		Display:     "Save Memory",
		Desc:        "Store a note in long-term memory for later recall.",
		Group:       "memory",
		Schema: []byte(`{"type":"object","properties":{` +
			`"content":{"type":"string","description":"The text to remember."}},` +
			`"required":["content"]}`),
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			content, _ := params["content"].(string)
			if strings.TrimSpace(content) == "" {
				return &abilities.Result{Success: false, Error: "content is required"}, nil
			}
			rec, err := rt.Memory.IngestMessage(ctx, actx.SessionID, "user", content, nil)
			if err != nil {
				return &abilities.Result{Success: false, Error: err.Error()}, nil
			}
			return &abilities.Result{Success: true, Data: map[string]any{"record_id": rec.ID}}, nil
		},
	})
	rt.Abilities.Register(&abilities.FuncAbility{
		AbilityName: "memory_search",
		Display:     "Search Memory",
		Desc:        "Recall long-term memories relevant to a query.",
		Group:       "memory",
		Schema: []byte(`{"type":"object","properties":{` +
			`"query":{"type":"string","description":"What to look for."},` +
			`"limit":{"type":"integer","description":"Maximum results.","default":5}},` +
			`"required":["query"]}`),
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			query, _ := params["query"].(string)
			limit := 5
			if v, ok := params["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			results, err := rt.Memory.Recall(ctx, query, limit, actx.SessionID)
			if err != nil {
				return &abilities.Result{Success: false, Error: err.Error()}, nil
			}
			items := make([]map[string]any, 0, len(results))
			for _, res := range results {
				items = append(items, map[string]any{
					"id":      res.Record.ID,
					"content": res.Record.Content,
					"score":   res.Score,
				})
			}
			return &abilities.Result{Success: true, Data: items}, nil
		},
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

var (
	defaultMu sync.RWMutex
	defaultRT *Runtime
)

// SetDefault installs the process-wide runtime.
func SetDefault(rt *Runtime) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRT = rt
}

// Default returns the process-wide runtime, or nil before SetDefault.
func Default() *Runtime {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRT
}
