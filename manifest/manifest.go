// Package manifest handles sable.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sablelang/sable/vm"
)

// Manifest represents a sable.toml project configuration.
type Manifest struct {
	Project Project   `toml:"project"`
	GC      GCConfig  `toml:"gc"`
	Log     LogConfig `toml:"log"`
	Stats   Stats     `toml:"stats"`

	// Dir is the directory containing the sable.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// GCConfig tunes the collector of the runtime the project embeds.
type GCConfig struct {
	// Pause is the percentage of the live-set estimate the heap may grow
	// to before the next cycle starts. 200 means "wait until doubled".
	Pause int `toml:"pause"`

	// StepMul is the collector speed relative to allocation, in percent.
	StepMul int `toml:"step-multiplier"`

	// MemoryLimitKB caps the heap in kilobytes. Zero means unlimited.
	MemoryLimitKB int64 `toml:"memory-limit-kb"`
}

// LogConfig configures runtime logging.
type LogConfig struct {
	// Verbosity maps onto commonlog verbosity levels; 0 is quiet.
	Verbosity int `toml:"verbosity"`
}

// Stats configures collector statistics persistence.
type Stats struct {
	// Path is the statistics database file, relative to the manifest
	// directory unless absolute. Empty disables recording.
	Path string `toml:"path"`
}

// Load parses a sable.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "sable.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.GC.Pause == 0 {
		m.GC.Pause = vm.DefaultPause
	}
	if m.GC.StepMul == 0 {
		m.GC.StepMul = vm.DefaultStepMul
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a sable.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "sable.toml")
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

// ApplyGC installs the manifest's collector tuning on a runtime.
func (m *Manifest) ApplyGC(v *vm.VM) {
	v.SetGCPause(m.GC.Pause)
	v.SetGCStepMul(m.GC.StepMul)
	if m.GC.MemoryLimitKB > 0 {
		v.SetMemoryLimit(uint64(m.GC.MemoryLimitKB) * 1024)
	}
}

// StatsPath returns the absolute statistics database path, or "" when
// recording is disabled.
func (m *Manifest) StatsPath() string {
	if m.Stats.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.Stats.Path) {
		return m.Stats.Path
	}
	return filepath.Join(m.Dir, m.Stats.Path)
}
