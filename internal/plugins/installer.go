package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/retry"
)

// maxZipEntrySize bounds a single extracted file.
const maxZipEntrySize = 64 << 20

// Installer unpacks plugin archives into the plugins directory, records
// them in the install registry, and schedules their dependency install.
type Installer struct {
	dir      string
	registry *InstallRegistry
	deps     *DepInstaller
	client   *http.Client
	logger   *slog.Logger
}

// NewInstaller creates an installer rooted at the plugins directory. deps
// may be nil when no dependency installer exists.
func NewInstaller(dir string, registry *InstallRegistry, deps *DepInstaller, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		dir:      dir,
		registry: registry,
		deps:     deps,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger.With("component", "plugin-installer"),
	}
}

// InstallFromZipBytes extracts a plugin zip into the plugins directory and
// returns the installed plugin name. Every archive entry is validated before
// any filesystem write; a hostile archive produces no writes at all.
func (i *Installer) InstallFromZipBytes(data []byte, source, sourceURL string) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", cerr.InvalidArgument("invalid zip archive: %v", err)
	}

	root, err := archiveRoot(reader)
	if err != nil {
		return "", err
	}
	if err := preflightArchive(reader, root); err != nil {
		return "", err
	}

	manifest, err := archiveManifest(reader, root)
	if err != nil {
		return "", err
	}

	// A reinstall replaces the existing directory.
	target := filepath.Join(i.dir, manifest.Name)
	if err := os.RemoveAll(target); err != nil {
		return "", err
	}
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return "", err
	}

	if err := extractArchive(reader, root, target); err != nil {
		os.RemoveAll(target)
		return "", err
	}

	if i.registry != nil {
		err := i.registry.Upsert(InstalledPlugin{
			Name:        manifest.Name,
			Version:     manifest.Version,
			Source:      source,
			SourceURL:   sourceURL,
			Enabled:     true,
			InstalledAt: time.Now().UTC(),
		})
		if err != nil {
			os.RemoveAll(target)
			return "", err
		}
	}

	if i.deps != nil {
		jobID := i.deps.Ensure(context.Background(), manifest, target)
		i.logger.Info("dependency install scheduled", "plugin", manifest.Name, "job", jobID)
	}

	i.logger.Info("plugin installed", "plugin", manifest.Name,
		"version", manifest.Version, "source", source)
	return manifest.Name, nil
}

// InstallFromFile installs a plugin from a zip file on disk.
func (i *Installer) InstallFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	return i.InstallFromZipBytes(data, "file", path)
}

// InstallFromURL downloads a zip and installs it.
func (i *Installer) InstallFromURL(url string) (string, error) {
	data, err := i.download(url)
	if err != nil {
		return "", err
	}
	return i.InstallFromZipBytes(data, "url", url)
}

// download fetches a zip with retries; 4xx statuses are not retried.
func (i *Installer) download(url string) ([]byte, error) {
	data, result := retry.DoWithValue(context.Background(), retry.DefaultConfig(), func() ([]byte, error) {
		resp, err := i.client.Get(url)
		if err != nil {
			return nil, cerr.Wrap(cerr.ErrTransport, "download %s: %v", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := cerr.Wrap(cerr.ErrExternal, "download %s: status %d", url, resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
		if err != nil {
			return nil, cerr.Wrap(cerr.ErrTransport, "download %s: %v", url, err)
		}
		return body, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return data, nil
}

// InstallFromGitHub installs from a "owner/repo" or "owner/repo@ref" slug
// using the codeload zip endpoint.
func (i *Installer) InstallFromGitHub(slug string) (string, error) {
	repo, ref := slug, "main"
	if at := strings.LastIndex(slug, "@"); at > 0 {
		repo, ref = slug[:at], slug[at+1:]
	}
	if strings.Count(repo, "/") != 1 {
		return "", cerr.InvalidArgument("github slug %q is not owner/repo", slug)
	}
	url := fmt.Sprintf("https://codeload.github.com/%s/zip/refs/heads/%s", repo, ref)
	data, err := i.download(url)
	if err != nil {
		return "", err
	}
	return i.InstallFromZipBytes(data, "github", slug)
}

// Uninstall removes a plugin directory and its registry entry.
func (i *Installer) Uninstall(name string) (bool, error) {
	if err := ValidatePluginName(name); err != nil {
		return false, err
	}
	target := filepath.Join(i.dir, name)
	existed := false
	if _, err := os.Stat(target); err == nil {
		existed = true
		if err := os.RemoveAll(target); err != nil {
			return false, err
		}
	}
	if i.registry != nil {
		removed, err := i.registry.Remove(name)
		if err != nil {
			return existed, err
		}
		existed = existed || removed
	}
	return existed, nil
}

// archiveRoot detects a single top-level directory wrapping the archive
// (the layout GitHub zips use). Returns "" when files sit at the top level.
func archiveRoot(reader *zip.Reader) (string, error) {
	if len(reader.File) == 0 {
		return "", cerr.InvalidArgument("zip archive is empty")
	}
	root := ""
	for _, f := range reader.File {
		name := strings.TrimSuffix(f.Name, "/")
		if name == "" {
			continue
		}
		first, _, found := strings.Cut(name, "/")
		if !found && !f.FileInfo().IsDir() {
			return "", nil
		}
		if root == "" {
			root = first
		} else if first != root {
			return "", nil
		}
	}
	if root == "" {
		return "", cerr.InvalidArgument("zip archive has no files")
	}
	return root + "/", nil
}

// preflightArchive validates every entry path before anything is written.
func preflightArchive(reader *zip.Reader, root string) error {
	sawManifest := false
	for _, f := range reader.File {
		rel := strings.TrimPrefix(f.Name, root)
		if rel == "" {
			continue
		}
		if err := checkEntryPath(rel); err != nil {
			return err
		}
		if f.UncompressedSize64 > maxZipEntrySize {
			return cerr.InvalidArgument("zip entry %q exceeds size limit", f.Name)
		}
		if rel == ManifestFilename {
			sawManifest = true
		}
	}
	if !sawManifest {
		return cerr.InvalidArgument("zip archive has no %s", ManifestFilename)
	}
	return nil
}

// checkEntryPath rejects archive paths that could write outside the target
// directory: absolute paths, parent traversal, and Windows drive letters.
func checkEntryPath(rel string) error {
	if strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return cerr.InvalidArgument("zip entry %q has an absolute path", rel)
	}
	parts := strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) > 0 && strings.Contains(parts[0], ":") {
		return cerr.InvalidArgument("zip entry %q has a drive-letter path", rel)
	}
	for _, part := range parts {
		if part == ".." {
			return cerr.InvalidArgument("zip entry %q traverses parent directories", rel)
		}
	}
	return nil
}

// archiveManifest reads and validates the manifest from the archive without
// extracting anything.
func archiveManifest(reader *zip.Reader, root string) (*Manifest, error) {
	for _, f := range reader.File {
		if strings.TrimPrefix(f.Name, root) != ManifestFilename {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ManifestFilename, err)
		}
		raw, err := io.ReadAll(io.LimitReader(rc, maxZipEntrySize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ManifestFilename, err)
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, cerr.InvalidArgument("invalid %s: %v", ManifestFilename, err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, cerr.InvalidArgument("zip archive has no %s", ManifestFilename)
}

// extractArchive writes the archive into target. Containment is re-checked
// per entry even though preflight already validated the paths.
func extractArchive(reader *zip.Reader, root, target string) error {
	cleanTarget := filepath.Clean(target)
	for _, f := range reader.File {
		rel := strings.TrimPrefix(f.Name, root)
		if rel == "" {
			continue
		}
		dest := filepath.Join(target, filepath.FromSlash(rel))
		if dest != cleanTarget && !strings.HasPrefix(dest, cleanTarget+string(os.PathSeparator)) {
			return cerr.InvalidArgument("zip entry %q escapes target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, io.LimitReader(rc, maxZipEntrySize))
		rc.Close()
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}
