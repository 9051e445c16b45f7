package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
entry = "src/main.lkj"

[vm]
memory-words = 65536
frame-size = 32
max-steps = 1000000
trace = true

[log]
verbosity = 2
file = "lkj.log"

[cache]
enabled = false
path = "build/cache.db"

[server]
listen = "127.0.0.1:9000"
grpc-listen = "127.0.0.1:9001"
max-concurrent-runs = 8
max-steps = 5000
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if want := filepath.Join(m.Dir, "src", "main.lkj"); m.EntryPath() != want {
		t.Errorf("EntryPath() = %q, want %q", m.EntryPath(), want)
	}
	if m.VM.MemoryWords != 65536 || m.VM.FrameSize != 32 || m.VM.MaxSteps != 1000000 || !m.VM.Trace {
		t.Errorf("vm = %+v", m.VM)
	}
	if m.Log.Verbosity != 2 || m.LogFile() != filepath.Join(m.Dir, "lkj.log") {
		t.Errorf("log = %+v, file %q", m.Log, m.LogFile())
	}
	if m.Cache.Enabled {
		t.Error("cache enabled = true, want false")
	}
	if m.CachePath() != filepath.Join(m.Dir, "build", "cache.db") {
		t.Errorf("CachePath() = %q", m.CachePath())
	}
	if m.Server.Listen != "127.0.0.1:9000" || m.Server.GRPCListen != "127.0.0.1:9001" ||
		m.Server.MaxConcurrentRuns != 8 || m.Server.MaxSteps != 5000 {
		t.Errorf("server = %+v", m.Server)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Entry != DefaultEntry {
		t.Errorf("entry = %q, want %q", m.Project.Entry, DefaultEntry)
	}
	if m.VM.MemoryWords != DefaultMemoryWords || m.VM.FrameSize != DefaultFrameSize || m.VM.MaxSteps != 0 {
		t.Errorf("vm = %+v, want defaults", m.VM)
	}
	if !m.Cache.Enabled || m.Cache.Path != DefaultCachePath {
		t.Errorf("cache = %+v, want enabled at %s", m.Cache, DefaultCachePath)
	}
	if m.Server.Listen != DefaultListen || m.Server.MaxConcurrentRuns != DefaultMaxConcurrentRuns {
		t.Errorf("server = %+v, want defaults", m.Server)
	}
	if m.LogFile() != "" {
		t.Errorf("LogFile() = %q, want stderr", m.LogFile())
	}
}

func TestDefault(t *testing.T) {
	m := Default("/work")
	if m.EntryPath() != filepath.Join("/work", DefaultEntry) {
		t.Errorf("EntryPath() = %q", m.EntryPath())
	}
	if !m.Cache.Enabled {
		t.Error("cache disabled by default")
	}
	if m.Resolve("/abs/file") != "/abs/file" {
		t.Errorf("Resolve(abs) = %q", m.Resolve("/abs/file"))
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown section", "[image]\noutput = \"x\"\n", "image"},
		{"unknown key", "[vm]\nstack = 3\n", "stack"},
		{"wrong type", "[vm]\ntrace = \"yes\"\n", "trace"},
		{"frame size too small", "[vm]\nframe-size = 0\n", "frame-size"},
		{"memory too small", "[vm]\nmemory-words = 10\n", "memory-words"},
		{"empty entry", "[project]\nentry = \"\"\n", "entry"},
		{"bad runs", "[server]\nmax-concurrent-runs = 0\n", "max-concurrent-runs"},
		{"not toml", "[project\n", "invalid"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tc.content)
			_, err := Load(dir)
			if err == nil {
				t.Fatalf("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Errorf("Validate(empty) error: %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
	if abs, _ := filepath.Abs(dir); m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no lkj.toml exists")
	}
}
