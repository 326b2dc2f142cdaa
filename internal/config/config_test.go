package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9133 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if !cfg.Capability.DefaultEnabled {
		t.Error("capabilities disabled by default")
	}
}

func TestLoadParsesAndOverlaysEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
data_dir: /tmp/cerise-test
log_level: debug
server:
  host: 0.0.0.0
  port: 8000
proactive:
  enabled: true
  min_interval_minutes: 5
  max_interval_minutes: 10
`)
	t.Setenv("CERISE_SERVER_PORT", "9999")
	t.Setenv("CERISE_LOG_LEVEL", "warn")
	t.Setenv("CERISE_ADMIN_TOKEN", "sekrit")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/cerise-test" || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("yaml values lost: %+v", cfg)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, env override lost", cfg.Server.Port)
	}
	if cfg.LogLevel != "warn" || cfg.AdminToken != "sekrit" {
		t.Errorf("env overrides = %q, %q", cfg.LogLevel, cfg.AdminToken)
	}
	if !cfg.Proactive.Enabled || cfg.Proactive.MinIntervalMinutes != 5 {
		t.Errorf("proactive = %+v", cfg.Proactive)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	writeFile(t, path, `
default: main
providers:
  main:
    type: openai
    api_key: ${TEST_PROVIDER_KEY}
    model: gpt-4o-mini
`)
	t.Setenv("TEST_PROVIDER_KEY", "sk-abc123")

	cfg, err := LoadProviders(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Default != "main" {
		t.Errorf("default = %q", cfg.Default)
	}
	if cfg.Providers["main"].APIKey != "sk-abc123" {
		t.Errorf("api_key = %q, want expanded value", cfg.Providers["main"].APIKey)
	}
}

func TestLoadProvidersMissingFile(t *testing.T) {
	cfg, err := LoadProviders(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{DataDir: "/data"}
	cases := map[string]string{
		l.ConfigFile():            "/data/config.yaml",
		l.ProvidersFile():         "/data/providers.yaml",
		l.PluginRegistry():        "/data/plugins.json",
		l.PluginsDir():            "/data/plugins",
		l.CharacterFile("cerise"): "/data/characters/cerise.yaml",
		l.MemoryDB():              "/data/memory/memory.db",
		l.CoreDB():                "/data/memory/l1_core.db",
		l.SemanticDB():            "/data/memory/l2_semantic.db",
		l.ProceduralDB():          "/data/memory/l4_procedural.db",
		l.StateFile():             "/data/memory/state.json",
		l.VectorsDir():            "/data/memory/vectors",
		l.ProactiveState():        "/data/proactive/state.json",
	}
	for got, want := range cases {
		if got != filepath.FromSlash(want) {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	l := Layout{DataDir: filepath.Join(t.TempDir(), "cerise")}
	if err := l.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{l.PluginsDir(), l.MemoryDir(), l.VectorsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

func TestStarsImplementStarRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
stars:
  weather:
    enabled: true
    allow_tools: false
    abilities:
      forecast:
        enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := cfg.Stars.Star("weather")
	if !ok || !entry.Enabled || entry.AllowTools {
		t.Fatalf("star = %+v, %v", entry, ok)
	}
	toggle, ok := entry.Abilities["forecast"]
	if !ok || toggle.Enabled == nil || *toggle.Enabled {
		t.Errorf("toggle = %+v", toggle)
	}
	if _, ok := cfg.Stars.Star("missing"); ok {
		t.Error("missing star found")
	}
}

func TestLoadCharacter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cerise.yaml")
	writeFile(t, path, `
name: cerise
persona: |
  You are Cerise, a warm and curious companion.
proactive_prompt: "Check in casually; it is {{current_time}}."
`)
	ch, err := LoadCharacter(path)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Name != "cerise" || ch.ProactivePrompt == "" {
		t.Errorf("character = %+v", ch)
	}
}
