package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const weatherManifest = `{"name":"weather","version":"1.0.0","entry_point":"main.py","class_name":"Weather","runtime":{"language":"python"}}`

func TestInstallFromZipBytes(t *testing.T) {
	dir := t.TempDir()
	reg := NewInstallRegistry(filepath.Join(dir, "plugins.json"))
	inst := NewInstaller(dir, reg, nil, nil)

	data := buildZip(t, map[string]string{
		ManifestFilename: weatherManifest,
		"main.py":        "print('hi')\n",
		"lib/util.py":    "x = 1\n",
	})
	name, err := inst.InstallFromZipBytes(data, "zip", "")
	if err != nil {
		t.Fatal(err)
	}
	if name != "weather" {
		t.Errorf("name = %q", name)
	}

	for _, rel := range []string{ManifestFilename, "main.py", "lib/util.py"} {
		if _, err := os.Stat(filepath.Join(dir, "weather", rel)); err != nil {
			t.Errorf("missing extracted file %s: %v", rel, err)
		}
	}

	entry, ok, err := reg.Get("weather")
	if err != nil || !ok || entry.Version != "1.0.0" || !entry.Enabled {
		t.Errorf("registry entry = %+v, %v, %v", entry, ok, err)
	}
}

const weatherManifestV2 = `{"name":"weather","version":"2.0.0","entry_point":"main.py","class_name":"Weather","runtime":{"language":"python"}}`

func TestReinstallReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	reg := NewInstallRegistry(filepath.Join(dir, "plugins.json"))
	inst := NewInstaller(dir, reg, nil, nil)

	v1 := buildZip(t, map[string]string{
		ManifestFilename: weatherManifest,
		"main.py":        "print('v1')\n",
		"legacy.py":      "x = 1\n",
	})
	if _, err := inst.InstallFromZipBytes(v1, "zip", ""); err != nil {
		t.Fatal(err)
	}

	v2 := buildZip(t, map[string]string{
		ManifestFilename: weatherManifestV2,
		"main.py":        "print('v2')\n",
	})
	if _, err := inst.InstallFromZipBytes(v2, "zip", ""); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}

	// The old directory is gone wholesale, not merged.
	if _, err := os.Stat(filepath.Join(dir, "weather", "legacy.py")); !os.IsNotExist(err) {
		t.Error("file from the previous install survived reinstall")
	}
	raw, err := os.ReadFile(filepath.Join(dir, "weather", "main.py"))
	if err != nil || string(raw) != "print('v2')\n" {
		t.Errorf("main.py = %q, %v", raw, err)
	}
	entry, ok, err := reg.Get("weather")
	if err != nil || !ok || entry.Version != "2.0.0" {
		t.Errorf("registry entry = %+v, %v, %v", entry, ok, err)
	}
}

func waitForJob(t *testing.T, d *DepInstaller, id string) DepJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := d.Job(id); ok && job.FinishedAt != nil {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dependency job did not finish")
	return DepJob{}
}

func TestInstallSchedulesDependencyJob(t *testing.T) {
	dir := t.TempDir()
	deps := NewDepInstaller(dir, nil)
	inst := NewInstaller(dir, nil, deps, nil)

	data := buildZip(t, map[string]string{
		ManifestFilename: weatherManifest,
		"main.py":        "print('hi')\n",
	})
	if _, err := inst.InstallFromZipBytes(data, "zip", ""); err != nil {
		t.Fatal(err)
	}

	job, ok := deps.JobForPlugin("weather")
	if !ok {
		t.Fatal("install did not schedule a dependency job")
	}
	job = waitForJob(t, deps, job.ID)
	if job.State != JobSuccess || job.Plugin != "weather" || job.Digest == "" {
		t.Errorf("job = %+v", job)
	}
}

func TestEnsureSkipsUnchangedDigest(t *testing.T) {
	dir := t.TempDir()
	d := NewDepInstaller(dir, nil)
	m := &Manifest{Name: "p", Version: "1", EntryPoint: "e", ClassName: "C"}

	first := d.Ensure(context.Background(), m, dir)
	if job := waitForJob(t, d, first); job.State != JobSuccess {
		t.Fatalf("job = %+v", job)
	}
	if second := d.Ensure(context.Background(), m, dir); second != first {
		t.Errorf("unchanged digest started a new job: %q != %q", second, first)
	}
}

func TestDepInstallLanguageMatrix(t *testing.T) {
	tests := []struct {
		name     string
		language string
		wantLog  string
	}{
		// go and node without their manifest files are no-ops.
		{"go without go.mod", "go", ""},
		{"node without package.json", "node", ""},
		{"unknown language", "ruby", "skipped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			d := NewDepInstaller(dir, nil)
			m := &Manifest{
				Name: "p", Version: "1", EntryPoint: "e", ClassName: "C",
				Runtime: &RuntimeSpec{Language: tt.language},
			}
			job := waitForJob(t, d, d.Ensure(context.Background(), m, dir))
			if job.State != JobSuccess {
				t.Errorf("state = %q, want success (language %q must not fail the job)", job.State, tt.language)
			}
			if tt.wantLog != "" && !strings.Contains(job.Log, tt.wantLog) {
				t.Errorf("log = %q, want it to mention %q", job.Log, tt.wantLog)
			}
		})
	}
}

func TestInstallStripsGitHubStyleRoot(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstaller(dir, nil, nil, nil)

	data := buildZip(t, map[string]string{
		"repo-main/" + ManifestFilename: weatherManifest,
		"repo-main/main.py":             "print('hi')\n",
	})
	name, err := inst.InstallFromZipBytes(data, "github", "owner/repo")
	if err != nil {
		t.Fatal(err)
	}
	if name != "weather" {
		t.Errorf("name = %q", name)
	}
	if _, err := os.Stat(filepath.Join(dir, "weather", "main.py")); err != nil {
		t.Errorf("main.py not extracted: %v", err)
	}
}

func TestInstallRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "plugins")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	inst := NewInstaller(dir, nil, nil, nil)

	data := buildZip(t, map[string]string{
		ManifestFilename: weatherManifest,
		"../evil.txt":    "pwned",
	})
	name, err := inst.InstallFromZipBytes(data, "zip", "")
	if err == nil || name != "" {
		t.Fatalf("hostile zip accepted: name=%q err=%v", name, err)
	}

	// Nothing was written: no plugin directory, no escaped file.
	if _, err := os.Stat(filepath.Join(dir, "weather")); !os.IsNotExist(err) {
		t.Error("plugin directory was created for a hostile zip")
	}
	for _, p := range []string{
		filepath.Join(dir, "evil.txt"),
		filepath.Join(parent, "evil.txt"),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("traversal file exists at %s", p)
		}
	}
}

func TestInstallRejectsBadEntryPaths(t *testing.T) {
	dir := t.TempDir()
	inst := NewInstaller(dir, nil, nil, nil)

	tests := []struct {
		name  string
		entry string
	}{
		{"absolute", "/etc/passwd"},
		{"drive letter", "C:/windows/evil.txt"},
		{"nested traversal", "sub/../../evil.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildZip(t, map[string]string{
				ManifestFilename: weatherManifest,
				tt.entry:         "x",
			})
			if _, err := inst.InstallFromZipBytes(data, "zip", ""); err == nil {
				t.Errorf("entry %q accepted", tt.entry)
			}
		})
	}
}

func TestInstallRequiresManifest(t *testing.T) {
	inst := NewInstaller(t.TempDir(), nil, nil, nil)
	data := buildZip(t, map[string]string{"main.py": "print('hi')\n"})
	if _, err := inst.InstallFromZipBytes(data, "zip", ""); err == nil {
		t.Error("zip without manifest accepted")
	}
	if _, err := inst.InstallFromZipBytes([]byte("not a zip"), "zip", ""); err == nil {
		t.Error("non-zip bytes accepted")
	}
}

func TestUninstall(t *testing.T) {
	dir := t.TempDir()
	reg := NewInstallRegistry(filepath.Join(dir, "plugins.json"))
	inst := NewInstaller(dir, reg, nil, nil)

	data := buildZip(t, map[string]string{
		ManifestFilename: weatherManifest,
		"main.py":        "print('hi')\n",
	})
	if _, err := inst.InstallFromZipBytes(data, "zip", ""); err != nil {
		t.Fatal(err)
	}

	removed, err := inst.Uninstall("weather")
	if err != nil || !removed {
		t.Fatalf("Uninstall = %v, %v", removed, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "weather")); !os.IsNotExist(err) {
		t.Error("plugin directory survived uninstall")
	}
	if _, ok, _ := reg.Get("weather"); ok {
		t.Error("registry entry survived uninstall")
	}

	if removed, _ := inst.Uninstall("weather"); removed {
		t.Error("second uninstall reported true")
	}
	if _, err := inst.Uninstall("../escape"); err == nil {
		t.Error("traversal uninstall name accepted")
	}
}

func TestDepDigestStableAndSensitive(t *testing.T) {
	dir := t.TempDir()
	d := NewDepInstaller(dir, nil)

	m := &Manifest{
		Name: "p", Version: "1", EntryPoint: "e", ClassName: "C",
		Dependencies: map[string]string{"requests": ">=2.0", "pyyaml": "*"},
	}
	first := d.Digest(m, dir)
	if first != d.Digest(m, dir) {
		t.Error("digest is not deterministic")
	}

	m2 := *m
	m2.Dependencies = map[string]string{"requests": ">=2.1", "pyyaml": "*"}
	if d.Digest(&m2, dir) == first {
		t.Error("digest ignores dependency changes")
	}

	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if d.Digest(m, dir) == first {
		t.Error("digest ignores requirements.txt")
	}
}

func TestLaunchSpec(t *testing.T) {
	m := &Manifest{
		Name: "weather", Version: "1", EntryPoint: "main.py", ClassName: "W",
		Runtime: &RuntimeSpec{Language: "python"},
	}
	spec, err := launchSpec(m, "/data/plugins/weather", map[string]any{"units": "metric"})
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "python3" {
		t.Errorf("command = %q", spec.Command)
	}
	if len(spec.Args) != 1 || filepath.Base(spec.Args[0]) != "main.py" {
		t.Errorf("args = %v", spec.Args)
	}
	if spec.Env["CERISE_PLUGIN_CONFIG"] == "" {
		t.Error("plugin config not passed through environment")
	}

	m.Runtime.Language = "cobol"
	if _, err := launchSpec(m, "/x", nil); err == nil {
		t.Error("unsupported language accepted")
	}
}
