package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// InstalledPlugin is one entry in plugins.json.
type InstalledPlugin struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Source      string    `json:"source"`
	SourceURL   string    `json:"source_url,omitempty"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
}

type registryFile struct {
	Plugins []InstalledPlugin `json:"plugins"`
}

// InstallRegistry persists the installed-plugin list in plugins.json.
type InstallRegistry struct {
	mu   sync.Mutex
	path string
}

// NewInstallRegistry creates a registry backed by the given plugins.json
// path.
func NewInstallRegistry(path string) *InstallRegistry {
	return &InstallRegistry{path: path}
}

// List returns the registered plugins.
func (r *InstallRegistry) List() ([]InstalledPlugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, err := r.load()
	if err != nil {
		return nil, err
	}
	return file.Plugins, nil
}

// Get returns the entry for a plugin name.
func (r *InstallRegistry) Get(name string) (*InstalledPlugin, bool, error) {
	list, err := r.List()
	if err != nil {
		return nil, false, err
	}
	for i := range list {
		if list[i].Name == name {
			return &list[i], true, nil
		}
	}
	return nil, false, nil
}

// Upsert inserts or replaces a plugin entry by name.
func (r *InstallRegistry) Upsert(p InstalledPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, err := r.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range file.Plugins {
		if file.Plugins[i].Name == p.Name {
			file.Plugins[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		file.Plugins = append(file.Plugins, p)
	}
	return r.save(file)
}

// Remove deletes a plugin entry, reporting whether it existed.
func (r *InstallRegistry) Remove(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, err := r.load()
	if err != nil {
		return false, err
	}
	kept := file.Plugins[:0]
	removed := false
	for _, p := range file.Plugins {
		if p.Name == name {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return false, nil
	}
	file.Plugins = kept
	return true, r.save(file)
}

func (r *InstallRegistry) load() (*registryFile, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryFile{}, nil
		}
		return nil, fmt.Errorf("read plugins.json: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse plugins.json: %w", err)
	}
	return &file, nil
}

func (r *InstallRegistry) save(file *registryFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
