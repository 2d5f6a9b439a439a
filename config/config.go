// Package config handles yarv.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "yarv.toml"

// Config represents a yarv.toml configuration.
type Config struct {
	VM      VM      `toml:"vm"`
	GIL     GIL     `toml:"gil"`
	GC      GC      `toml:"gc"`
	Log     Log     `toml:"log"`
	Profile Profile `toml:"profile"`

	// Dir is the directory containing the yarv.toml file (set at load time).
	Dir string `toml:"-"`
}

// VM sizes the per-thread stacks and the global method cache.
type VM struct {
	StackSize       int `toml:"stack_size"`
	FrameDepth      int `toml:"frame_depth"`
	MethodCacheSize int `toml:"method_cache_size"`
	SafeLevel       int `toml:"safe_level"`
}

// GIL configures deadlock detection on the global interpreter lock.
type GIL struct {
	// DeadlockTimeout reports a GIL wait longer than this. Zero disables.
	DeadlockTimeout Duration `toml:"deadlock_timeout"`
}

// GC configures the periodic collector.
type GC struct {
	// Interval between collections. Zero leaves the collector manual.
	Interval Duration `toml:"interval"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Profile configures invocation profiling and where snapshots are stored.
type Profile struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no yarv.toml exists.
func Default() *Config {
	return &Config{
		VM: VM{
			StackSize:       64 * 1024,
			FrameDepth:      4 * 1024,
			MethodCacheSize: 4096,
		},
		GIL:     GIL{DeadlockTimeout: Duration{30 * time.Second}},
		Log:     Log{Verbosity: 0},
		Profile: Profile{Database: "yarv-profile.db"},
	}
}

// Load parses a yarv.toml file from the given directory. Keys missing from
// the file keep their Default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a yarv.toml file, then loads
// it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
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
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects sizes the VM cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.VM.StackSize < 1024:
		return fmt.Errorf("vm.stack_size %d is below the minimum of 1024", c.VM.StackSize)
	case c.VM.FrameDepth < 16:
		return fmt.Errorf("vm.frame_depth %d is below the minimum of 16", c.VM.FrameDepth)
	case c.VM.MethodCacheSize < 1:
		return fmt.Errorf("vm.method_cache_size must be positive")
	case c.VM.SafeLevel < 0 || c.VM.SafeLevel > 4:
		return fmt.Errorf("vm.safe_level %d out of range 0..4", c.VM.SafeLevel)
	case c.GIL.DeadlockTimeout.Duration < 0:
		return fmt.Errorf("gil.deadlock_timeout must not be negative")
	case c.GC.Interval.Duration < 0:
		return fmt.Errorf("gc.interval must not be negative")
	}
	return nil
}

// DatabasePath resolves the profile database relative to Dir.
func (c *Config) DatabasePath() string {
	if c.Profile.Database == "" || filepath.IsAbs(c.Profile.Database) || c.Dir == "" {
		return c.Profile.Database
	}
	return filepath.Join(c.Dir, c.Profile.Database)
}

// ApplyLogging configures commonlog from the [log] section.
func (c *Config) ApplyLogging() {
	var path *string
	if c.Log.Path != "" {
		p := c.Log.Path
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
