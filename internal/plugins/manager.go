package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/cerise-ai/cerise/internal/abilities"
	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/mcp"
)

// LoadedPlugin tracks one running plugin and the abilities it owns.
type LoadedPlugin struct {
	Manifest  *Manifest
	Dir       string
	Config    map[string]any
	Abilities []string

	client *mcp.StdioClient
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// Dir is the plugins directory scanned by Discover.
	Dir string `yaml:"dir"`

	// Entries holds per-plugin user configuration merged over manifest
	// defaults.
	Entries map[string]map[string]any `yaml:"entries"`

	// Permissions granted to plugin abilities at execution time.
	Permissions []string `yaml:"permissions"`

	// Watch enables hot reload of plugins on file changes.
	Watch bool `yaml:"watch"`
}

// Manager discovers, loads, and unloads plugins. Loading spawns the
// plugin's stdio process through the MCP client, lists its tools, and
// registers each as a plugin-owned ability; unloading reverses all of it.
// Loading and unloading are globally serialized.
type Manager struct {
	cfg      ManagerConfig
	registry *abilities.Registry
	deps     *DepInstaller
	logger   *slog.Logger

	mu     sync.Mutex
	loaded map[string]*LoadedPlugin
	owners map[string]string
}

// NewManager creates a plugin manager over the given ability registry.
// deps may be nil when no dependency installer exists.
func NewManager(cfg ManagerConfig, registry *abilities.Registry, deps *DepInstaller, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		deps:     deps,
		logger:   logger.With("component", "plugins"),
		loaded:   make(map[string]*LoadedPlugin),
		owners:   make(map[string]string),
	}
}

// Discover scans the plugins directory for valid manifests.
func (m *Manager) Discover() (map[string]*Manifest, []error) {
	return DiscoverManifests(m.cfg.Dir)
}

// LoadAll loads every discovered plugin. A failing plugin is logged and
// skipped; the rest keep loading.
func (m *Manager) LoadAll(ctx context.Context) {
	manifests, errs := m.Discover()
	for _, err := range errs {
		m.logger.Warn("skipping invalid plugin", "error", err)
	}
	for name := range manifests {
		if err := m.Load(ctx, name); err != nil {
			m.logger.Error("plugin load failed", "plugin", name, "error", err)
		}
	}
}

// Load starts a plugin by name. On any failure the registry is left
// unchanged.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, name, nil)
}

func (m *Manager) loadLocked(ctx context.Context, name string, override map[string]any) error {
	if _, ok := m.loaded[name]; ok {
		return cerr.Wrap(cerr.ErrFailedPrecondition, "plugin %q already loaded", name)
	}
	if err := ValidatePluginName(name); err != nil {
		return err
	}

	dir := filepath.Join(m.cfg.Dir, name)
	manifest, err := ReadManifest(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return err
	}

	if m.deps != nil {
		m.deps.Ensure(ctx, manifest, dir)
	}

	userCfg := override
	if userCfg == nil {
		userCfg = m.cfg.Entries[name]
	}
	merged := manifest.MergedConfig(userCfg)

	spec, err := launchSpec(manifest, dir, merged)
	if err != nil {
		return err
	}

	client := mcp.NewStdioClient(spec, m.logger)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start plugin %q: %w", name, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools of plugin %q: %w", name, err)
	}

	plugin := &LoadedPlugin{
		Manifest: manifest,
		Dir:      dir,
		Config:   merged,
		client:   client,
	}
	for _, tool := range tools {
		abilityName := mcp.SafeToolName(tool.Name)
		m.registry.Register(m.pluginAbility(abilityName, plugin, tool))
		plugin.Abilities = append(plugin.Abilities, abilityName)
		m.owners[abilityName] = name
	}
	m.loaded[name] = plugin
	m.logger.Info("plugin loaded", "plugin", name, "version", manifest.Version,
		"abilities", len(plugin.Abilities))
	return nil
}

// pluginAbility wraps one plugin tool as a registry ability.
func (m *Manager) pluginAbility(name string, plugin *LoadedPlugin, tool mcp.ToolInfo) abilities.Ability {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &abilities.FuncAbility{
		AbilityName: name,
		Display:     tool.Name,
		Desc:        tool.Description,
		Kind:        abilities.TypePlugin,
		Group:       "plugin:" + plugin.Manifest.Name,
		Schema:      schema,
		Permissions: nil,
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			result, err := plugin.client.CallTool(ctx, tool.Name, params)
			if err != nil {
				return nil, err
			}
			errText := ""
			if result.IsError {
				errText = result.Text()
			}
			return &abilities.Result{
				Success: !result.IsError,
				Data:    result.Text(),
				Error:   errText,
			}, nil
		},
	}
}

// Unload stops a plugin and unregisters its abilities. Returns false when
// the plugin was not loaded.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(name)
}

func (m *Manager) unloadLocked(name string) bool {
	plugin, ok := m.loaded[name]
	if !ok {
		return false
	}
	for _, abilityName := range plugin.Abilities {
		m.registry.Unregister(abilityName)
		delete(m.owners, abilityName)
	}
	if plugin.client != nil {
		plugin.client.Close()
	}
	delete(m.loaded, name)
	m.logger.Info("plugin unloaded", "plugin", name)
	return true
}

// Reload unloads and loads a plugin, preserving its runtime config.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg map[string]any
	if plugin, ok := m.loaded[name]; ok {
		cfg = plugin.Config
		m.unloadLocked(name)
	}
	return m.loadLocked(ctx, name, cfg)
}

// Loaded lists the currently loaded plugin names.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	return names
}

// Owner maps an ability name to its owning plugin. Implements the
// capability scheduler's OwnerResolver.
func (m *Manager) Owner(ability string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plugin, ok := m.owners[ability]
	return plugin, ok
}

// Close unloads every plugin.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.loaded {
		m.unloadLocked(name)
	}
}

// launchSpec derives the subprocess spec from a manifest. The merged plugin
// config travels in the CERISE_PLUGIN_CONFIG environment variable as JSON.
func launchSpec(manifest *Manifest, dir string, config map[string]any) (mcp.ServerSpec, error) {
	entry := manifest.EntryPoint
	language := ""
	if manifest.Runtime != nil {
		language = manifest.Runtime.Language
		if manifest.Runtime.Entry != "" {
			entry = manifest.Runtime.Entry
		}
	}

	spec := mcp.ServerSpec{ID: "plugin:" + manifest.Name, WorkDir: dir}
	entryPath := filepath.Join(dir, entry)
	switch language {
	case "python":
		spec.Command = "python3"
		spec.Args = []string{entryPath}
	case "node":
		spec.Command = "node"
		spec.Args = []string{entryPath}
	case "go", "":
		spec.Command = entryPath
	default:
		return spec, cerr.InvalidArgument("plugin %q has unsupported runtime language %q",
			manifest.Name, language)
	}

	if len(config) > 0 {
		raw, err := json.Marshal(config)
		if err != nil {
			return spec, fmt.Errorf("encode plugin config: %w", err)
		}
		spec.Env = map[string]string{"CERISE_PLUGIN_CONFIG": string(raw)}
	}
	return spec, nil
}
