// Package plugins implements discovery, lifecycle, and installation of
// out-of-process plugins. A plugin is a directory with a manifest.json whose
// runtime entry is spawned over stdio JSON-RPC; the tools it advertises are
// registered as abilities owned by the plugin.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cerise-ai/cerise/internal/cerr"
)

// ManifestFilename is the per-plugin manifest file.
const ManifestFilename = "manifest.json"

// RuntimeSpec declares how a plugin's process is launched.
type RuntimeSpec struct {
	Language  string `json:"language"`
	Entry     string `json:"entry,omitempty"`
	Transport string `json:"transport,omitempty"`
}

// Manifest is the manifest.json document.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	EntryPoint   string            `json:"entry_point"`
	ClassName    string            `json:"class_name"`
	Runtime      *RuntimeSpec      `json:"runtime,omitempty"`
	ConfigSchema map[string]any    `json:"config_schema,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Validate checks the required fields and the plugin name.
func (m *Manifest) Validate() error {
	for field, value := range map[string]string{
		"name":        m.Name,
		"version":     m.Version,
		"entry_point": m.EntryPoint,
		"class_name":  m.ClassName,
	} {
		if strings.TrimSpace(value) == "" {
			return cerr.InvalidArgument("manifest missing required field %q", field)
		}
	}
	return ValidatePluginName(m.Name)
}

// ConfigDefaults extracts default values from config_schema.properties.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := map[string]any{}
	props, ok := m.ConfigSchema["properties"].(map[string]any)
	if !ok {
		return defaults
	}
	for key, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			defaults[key] = def
		}
	}
	return defaults
}

// MergedConfig overlays user config onto the manifest defaults.
func (m *Manifest) MergedConfig(user map[string]any) map[string]any {
	merged := m.ConfigDefaults()
	for k, v := range user {
		merged[k] = v
	}
	return merged
}

// ValidatePluginName rejects names that could escape the plugins directory
// when used as a path component.
func ValidatePluginName(name string) error {
	if name == "" || name == "." || name == ".." {
		return cerr.InvalidArgument("invalid plugin name %q", name)
	}
	if strings.ContainsAny(name, `/\:`) {
		return cerr.InvalidArgument("plugin name %q contains path separators", name)
	}
	return nil
}

// SafePluginName derives a usable plugin name from an arbitrary string by
// stripping path separators and colons, then validating the result.
func SafePluginName(raw string) (string, error) {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if err := ValidatePluginName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ReadManifest loads and validates a manifest.json file.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, cerr.InvalidArgument("manifest %s: %v", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DiscoverManifests scans a plugins directory for subdirectories carrying a
// manifest.json. Entries starting with "_" are skipped; invalid manifests
// are skipped with their error collected.
func DiscoverManifests(dir string) (map[string]*Manifest, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Manifest{}, nil
		}
		return nil, []error{fmt.Errorf("read plugins dir: %w", err)}
	}

	found := map[string]*Manifest{}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), ManifestFilename)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		m, err := ReadManifest(manifestPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", entry.Name(), err))
			continue
		}
		found[m.Name] = m
	}
	return found, errs
}
