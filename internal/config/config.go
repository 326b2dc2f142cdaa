// Package config loads the runtime configuration: config.yaml with ${VAR}
// expansion and CERISE_* environment overrides, providers.yaml, character
// persona files, and the data-directory layout every component stores its
// state under.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cerise-ai/cerise/internal/capability"
	"github.com/cerise-ai/cerise/internal/dialogue"
	"github.com/cerise-ai/cerise/internal/mcp"
	"github.com/cerise-ai/cerise/internal/memory"
	"github.com/cerise-ai/cerise/internal/plugins"
	"github.com/cerise-ai/cerise/internal/proactive"
	"github.com/cerise-ai/cerise/internal/providers"
)

// ServerConfig is the admin/API surface configuration.
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// SkillsConfig tunes the skill library.
type SkillsConfig struct {
	EmbeddingModel string `yaml:"embedding_model"`
	TopK           int    `yaml:"top_k"`
}

// Config is the config.yaml document.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	AdminToken string `yaml:"admin_token"`
	Character  string `yaml:"character"`

	Server     ServerConfig          `yaml:"server"`
	Memory     memory.Config         `yaml:"memory"`
	Decay      memory.DecayConfig    `yaml:"memory_decay"`
	Dialogue   dialogue.EngineConfig `yaml:"dialogue"`
	Proactive  proactive.Config      `yaml:"proactive"`
	Capability capability.Config     `yaml:"capabilities"`
	Plugins    plugins.ManagerConfig `yaml:"plugins"`
	MCP        mcp.ManagerConfig     `yaml:"mcp"`
	Stars      Stars                 `yaml:"stars"`
	Skills     SkillsConfig          `yaml:"skills"`
}

// Stars is the per-plugin capability policy table, implementing
// capability.StarRegistry.
type Stars map[string]capability.StarEntry

// Star returns the entry for a plugin.
func (s Stars) Star(plugin string) (*capability.StarEntry, bool) {
	entry, ok := s[plugin]
	if !ok {
		return nil, false
	}
	return &entry, true
}

// Default returns a runnable configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{
		DataDir:    dataDir,
		LogLevel:   "info",
		Server:     ServerConfig{Host: "127.0.0.1", Port: 9133},
		Memory:     memory.DefaultConfig(),
		Dialogue:   dialogue.EngineConfig{SkillTopK: 3, IngestTurns: true, Context: dialogue.DefaultContextConfig()},
		Proactive:  proactive.DefaultConfig(),
		Capability: capability.DefaultConfig(),
		Skills:     SkillsConfig{TopK: 3},
	}
	cfg.Plugins.Dir = Layout{DataDir: dataDir}.PluginsDir()
	return cfg
}

// Load reads config.yaml, expanding ${VAR} references and applying CERISE_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default(defaultDataDir())
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			if err := decodeYAML(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg)
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = cfg.Layout().PluginsDir()
	}
	return cfg, nil
}

// decodeYAML expands environment references, then strict-decodes a single
// YAML document into out.
func decodeYAML(raw []byte, out any) error {
	expanded := os.ExpandEnv(string(raw))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	if err := decoder.Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("expected a single document")
	}
	return nil
}

// applyEnv overlays CERISE_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CERISE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CERISE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CERISE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CERISE_SERVER_DEBUG"); v != "" {
		cfg.Server.Debug = isTruthy(v)
	}
	if v := os.Getenv("CERISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CERISE_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cerise"
	}
	return filepath.Join(home, ".cerise")
}

// Layout maps the data directory to the per-component paths.
type Layout struct {
	DataDir string
}

// Layout returns the path layout for this configuration.
func (c *Config) Layout() Layout {
	return Layout{DataDir: c.DataDir}
}

func (l Layout) ConfigFile() string    { return filepath.Join(l.DataDir, "config.yaml") }
func (l Layout) ProvidersFile() string { return filepath.Join(l.DataDir, "providers.yaml") }
func (l Layout) PluginRegistry() string {
	return filepath.Join(l.DataDir, "plugins.json")
}
func (l Layout) PluginsDir() string { return filepath.Join(l.DataDir, "plugins") }
func (l Layout) CharacterFile(name string) string {
	return filepath.Join(l.DataDir, "characters", name+".yaml")
}
func (l Layout) MemoryDir() string    { return filepath.Join(l.DataDir, "memory") }
func (l Layout) MemoryDB() string     { return filepath.Join(l.MemoryDir(), "memory.db") }
func (l Layout) CoreDB() string       { return filepath.Join(l.MemoryDir(), "l1_core.db") }
func (l Layout) SemanticDB() string   { return filepath.Join(l.MemoryDir(), "l2_semantic.db") }
func (l Layout) ProceduralDB() string { return filepath.Join(l.MemoryDir(), "l4_procedural.db") }
func (l Layout) StateFile() string    { return filepath.Join(l.MemoryDir(), "state.json") }
func (l Layout) VectorsDir() string   { return filepath.Join(l.MemoryDir(), "vectors") }
func (l Layout) ProactiveState() string {
	return filepath.Join(l.DataDir, "proactive", "state.json")
}

// EnsureDirs creates every directory the layout needs.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.DataDir,
		l.PluginsDir(),
		filepath.Join(l.DataDir, "characters"),
		l.MemoryDir(),
		l.VectorsDir(),
		filepath.Dir(l.ProactiveState()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// LoadProviders reads providers.yaml with ${VAR} expansion. A missing file
// yields an empty provider set.
func LoadProviders(path string) (providers.Config, error) {
	var cfg providers.Config
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read providers: %w", err)
	}
	if err := decodeYAML(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Character is a persona file: the system-prompt persona plus proactive
// prompt overrides.
type Character struct {
	Name            string `yaml:"name"`
	Persona         string `yaml:"persona"`
	ProactivePrompt string `yaml:"proactive_prompt"`
}

// LoadCharacter reads one characters/<name>.yaml persona file.
func LoadCharacter(path string) (*Character, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character: %w", err)
	}
	var ch Character
	if err := decodeYAML(raw, &ch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &ch, nil
}

// SkillsTopK returns the configured skill injection depth with a default.
func (c *Config) SkillsTopK() int {
	if c.Skills.TopK > 0 {
		return c.Skills.TopK
	}
	return 3
}
