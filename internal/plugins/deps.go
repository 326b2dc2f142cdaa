package plugins

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dependency job states.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobSuccess = "success"
	JobError   = "error"
)

// maxJobLog caps the retained installer output per job.
const maxJobLog = 16 << 10

// DepJob is one dependency installation run for a plugin.
type DepJob struct {
	ID         string     `json:"id"`
	Plugin     string     `json:"plugin"`
	State      string     `json:"state"`
	Digest     string     `json:"digest"`
	Log        string     `json:"log"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DepInstaller installs plugin dependencies with the host toolchains
// (pip, npm, go). Jobs for the same plugin run one at a time; a digest of
// the declared dependencies short-circuits repeat installs.
type DepInstaller struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*DepJob
	byPlug  map[string]string
	last    map[string]string // plugin -> digest of the last successful run
	pluglks map[string]*sync.Mutex
}

// NewDepInstaller creates an installer rooted at the plugins directory.
func NewDepInstaller(dir string, logger *slog.Logger) *DepInstaller {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepInstaller{
		dir:     dir,
		logger:  logger.With("component", "plugin-deps"),
		jobs:    make(map[string]*DepJob),
		byPlug:  make(map[string]string),
		last:    make(map[string]string),
		pluglks: make(map[string]*sync.Mutex),
	}
}

// Digest hashes a plugin's declared dependencies plus any requirements.txt
// or package.json in its directory, so unchanged dependencies skip a run.
func (d *DepInstaller) Digest(manifest *Manifest, dir string) string {
	h := sha1.New()
	keys := make([]string, 0, len(manifest.Dependencies))
	for k := range manifest.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, manifest.Dependencies[k])
	}
	for _, name := range []string{"requirements.txt", "package.json", "go.mod"} {
		if raw, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ensure schedules a dependency install for a plugin and returns the job ID.
// When the dependency digest matches the last successful run, no job is
// started and the previous job ID (if any) is returned.
func (d *DepInstaller) Ensure(ctx context.Context, manifest *Manifest, dir string) string {
	digest := d.Digest(manifest, dir)

	d.mu.Lock()
	if d.last[manifest.Name] == digest {
		id := d.byPlug[manifest.Name]
		d.mu.Unlock()
		return id
	}
	job := &DepJob{
		ID:        uuid.NewString(),
		Plugin:    manifest.Name,
		State:     JobPending,
		Digest:    digest,
		StartedAt: time.Now().UTC(),
	}
	d.jobs[job.ID] = job
	d.byPlug[manifest.Name] = job.ID
	lock, ok := d.pluglks[manifest.Name]
	if !ok {
		lock = &sync.Mutex{}
		d.pluglks[manifest.Name] = lock
	}
	d.mu.Unlock()

	go d.run(ctx, job, manifest, dir, lock)
	return job.ID
}

// Job returns a snapshot of a job by ID.
func (d *DepInstaller) Job(id string) (DepJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return DepJob{}, false
	}
	return *job, true
}

// JobForPlugin returns the latest job for a plugin.
func (d *DepInstaller) JobForPlugin(plugin string) (DepJob, bool) {
	d.mu.Lock()
	id, ok := d.byPlug[plugin]
	d.mu.Unlock()
	if !ok {
		return DepJob{}, false
	}
	return d.Job(id)
}

func (d *DepInstaller) run(ctx context.Context, job *DepJob, manifest *Manifest, dir string, lock *sync.Mutex) {
	lock.Lock()
	defer lock.Unlock()

	d.setState(job.ID, JobRunning, "", "")

	output, err := d.install(ctx, manifest, dir)
	if err != nil {
		d.setState(job.ID, JobError, output, err.Error())
		d.logger.Error("dependency install failed", "plugin", manifest.Name, "error", err)
		return
	}

	d.mu.Lock()
	d.last[manifest.Name] = job.Digest
	d.mu.Unlock()
	d.setState(job.ID, JobSuccess, output, "")
	d.logger.Info("dependencies installed", "plugin", manifest.Name)
}

func (d *DepInstaller) setState(id, state, log, errText string) {
	now := time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[id]
	if !ok {
		return
	}
	job.State = state
	if log != "" {
		job.Log = truncateLog(log)
	}
	job.Error = errText
	if state == JobSuccess || state == JobError {
		job.FinishedAt = &now
	}
}

// install runs the toolchain matching the plugin's runtime language.
func (d *DepInstaller) install(ctx context.Context, manifest *Manifest, dir string) (string, error) {
	language := ""
	if manifest.Runtime != nil {
		language = manifest.Runtime.Language
	}

	var cmd *exec.Cmd
	switch language {
	case "python":
		req := filepath.Join(dir, "requirements.txt")
		if _, err := os.Stat(req); err != nil {
			if len(manifest.Dependencies) == 0 {
				return "", nil
			}
			args := []string{"-m", "pip", "install", "--quiet"}
			for name, version := range manifest.Dependencies {
				if version != "" && version != "*" {
					args = append(args, name+version)
				} else {
					args = append(args, name)
				}
			}
			cmd = exec.CommandContext(ctx, "python3", args...)
		} else {
			cmd = exec.CommandContext(ctx, "python3", "-m", "pip", "install", "--quiet", "-r", req)
		}
	case "node":
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
			return "", nil
		}
		cmd = exec.CommandContext(ctx, "npm", "install", "--omit=dev", "--no-audit", "--no-fund")
	case "go", "":
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err != nil {
			return "", nil
		}
		cmd = exec.CommandContext(ctx, "go", "mod", "download")
	default:
		// Unknown languages are not an error: the plugin may still run
		// if the operator prepared its environment.
		d.logger.Info("dependency install skipped", "plugin", manifest.Name, "language", language)
		return fmt.Sprintf("skipped: unsupported runtime language %q", language), nil
	}

	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", strings.Join(cmd.Args, " "), err)
	}
	return string(out), nil
}

func truncateLog(s string) string {
	if len(s) <= maxJobLog {
		return s
	}
	return s[:maxJobLog] + "\n...[truncated]"
}
