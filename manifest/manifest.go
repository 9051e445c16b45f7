// Package manifest handles lkj.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the project manifest.
const FileName = "lkj.toml"

// Defaults applied to keys the manifest leaves out.
const (
	DefaultEntry             = "lkjscriptsrc"
	DefaultMemoryWords       = 16 * 1024 * 1024 / 8
	DefaultFrameSize         = 64
	DefaultCachePath         = ".lkj/cache.db"
	DefaultListen            = ":4567"
	DefaultGRPCListen        = ":4568"
	DefaultMaxConcurrentRuns = 4
	DefaultServerMaxSteps    = 100_000_000
)

// Manifest represents an lkj.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	VM      VMConfig     `toml:"vm"`
	Log     LogConfig    `toml:"log"`
	Cache   CacheConfig  `toml:"cache"`
	Server  ServerConfig `toml:"server"`

	// Dir is the directory containing the lkj.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name  string `toml:"name"`
	Entry string `toml:"entry"`
}

// VMConfig sizes and bounds the virtual machine.
type VMConfig struct {
	MemoryWords int   `toml:"memory-words"`
	FrameSize   int   `toml:"frame-size"`
	MaxSteps    int64 `toml:"max-steps"` // 0 means unbounded
	Trace       bool  `toml:"trace"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// CacheConfig configures the build cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ServerConfig configures the run service.
type ServerConfig struct {
	Listen            string `toml:"listen"`
	GRPCListen        string `toml:"grpc-listen"`
	MaxConcurrentRuns int    `toml:"max-concurrent-runs"`
	MaxSteps          int64  `toml:"max-steps"`
}

// Default returns the configuration used when there is no manifest.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults(nil)
	return m
}

// Load parses the lkj.toml file in the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses and validates a manifest at path. Relative paths inside it
// are resolved against its directory.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.applyDefaults(&md)
	return &m, nil
}

// applyDefaults fills keys that were not set. md is nil when there is no file.
func (m *Manifest) applyDefaults(md *toml.MetaData) {
	if m.Project.Entry == "" {
		m.Project.Entry = DefaultEntry
	}
	if m.VM.MemoryWords == 0 {
		m.VM.MemoryWords = DefaultMemoryWords
	}
	if m.VM.FrameSize == 0 {
		m.VM.FrameSize = DefaultFrameSize
	}
	if md == nil || !md.IsDefined("cache", "enabled") {
		m.Cache.Enabled = true
	}
	if m.Cache.Path == "" {
		m.Cache.Path = DefaultCachePath
	}
	if m.Server.Listen == "" {
		m.Server.Listen = DefaultListen
	}
	if m.Server.GRPCListen == "" {
		m.Server.GRPCListen = DefaultGRPCListen
	}
	if m.Server.MaxConcurrentRuns == 0 {
		m.Server.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if m.Server.MaxSteps == 0 {
		m.Server.MaxSteps = DefaultServerMaxSteps
	}
}

// FindAndLoad walks up from startDir to find an lkj.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Resolve returns p relative to the manifest directory unless it is absolute.
func (m *Manifest) Resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// EntryPath returns the path of the entry source file.
func (m *Manifest) EntryPath() string {
	return m.Resolve(m.Project.Entry)
}

// CachePath returns the path of the build cache database.
func (m *Manifest) CachePath() string {
	return m.Resolve(m.Cache.Path)
}

// LogFile returns the log file path, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m.Log.File == "" {
		return ""
	}
	return m.Resolve(m.Log.File)
}
