// Package config reads the runtime configuration file and the environment
// variables that extend it.
//
//	script_paths = ["scripts"]
//
//	[log]
//	verbosity = 1
//	file = "polycall.log"
//
//	[loaders.lua]
//	execution_paths = ["lua", "/usr/share/lua"]
//
//	[[preload]]
//	tag = "lua"
//	files = ["math.lua"]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// ScriptPathEnv holds extra execution paths for every loader, separated
	// by the OS path list separator.
	ScriptPathEnv = "POLYCALL_SCRIPT_PATH"

	// ConfigEnv names a configuration file to load when none is given.
	ConfigEnv = "POLYCALL_CONFIG"
)

// Config is the runtime configuration.
type Config struct {
	// ScriptPaths apply to every loader, before its own execution paths.
	ScriptPaths []string          `toml:"script_paths"`
	Log         Log               `toml:"log"`
	Loaders     map[string]Loader `toml:"loaders"`
	Preload     []Preload         `toml:"preload"`

	// Dir is the directory containing the configuration file (set at load time).
	Dir string `toml:"-"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Loader holds settings for one language tag.
type Loader struct {
	ExecutionPaths []string `toml:"execution_paths"`
}

// Preload is a unit loaded right after initialization. Exactly one of Files
// and Package is set.
type Preload struct {
	Tag     string   `toml:"tag"`
	Files   []string `toml:"files"`
	Package string   `toml:"package"`
}

// Load parses the TOML file at path. Unknown keys are rejected and relative
// paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.resolve()
	return &c, nil
}

// FromEnv loads the file named by POLYCALL_CONFIG, or starts from an empty
// configuration, and appends the POLYCALL_SCRIPT_PATH entries to its script
// paths.
func FromEnv() (*Config, error) {
	c := &Config{}
	if path := os.Getenv(ConfigEnv); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}
	c.ScriptPaths = append(c.ScriptPaths, EnvScriptPaths()...)
	return c, nil
}

// EnvScriptPaths splits POLYCALL_SCRIPT_PATH, dropping empty entries.
func EnvScriptPaths() []string {
	return slices.DeleteFunc(filepath.SplitList(os.Getenv(ScriptPathEnv)), func(p string) bool {
		return p == ""
	})
}

// Validate checks the preload entries.
func (c *Config) Validate() error {
	var errs []error
	for i, p := range c.Preload {
		switch {
		case p.Tag == "":
			errs = append(errs, fmt.Errorf("preload[%d]: tag is required", i))
		case len(p.Files) == 0 && p.Package == "":
			errs = append(errs, fmt.Errorf("preload[%d]: files or package is required", i))
		case len(p.Files) > 0 && p.Package != "":
			errs = append(errs, fmt.Errorf("preload[%d]: files and package are exclusive", i))
		}
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 2 {
		errs = append(errs, fmt.Errorf("log.verbosity %d out of range [-4, 2]", c.Log.Verbosity))
	}
	return errors.Join(errs...)
}

// ExecutionPaths returns the search paths for tag: the global script paths
// followed by the loader's own.
func (c *Config) ExecutionPaths(tag string) []string {
	return slices.Concat(c.ScriptPaths, c.Loaders[tag].ExecutionPaths)
}

// Merge returns a copy of c with other's settings layered on top. Lists are
// concatenated; a non-zero log setting in other wins.
func (c *Config) Merge(other *Config) *Config {
	out := &Config{
		ScriptPaths: slices.Concat(c.ScriptPaths, other.ScriptPaths),
		Log:         c.Log,
		Loaders:     make(map[string]Loader, len(c.Loaders)+len(other.Loaders)),
		Preload:     slices.Concat(c.Preload, other.Preload),
		Dir:         c.Dir,
	}
	if other.Log.Verbosity != 0 {
		out.Log.Verbosity = other.Log.Verbosity
	}
	if other.Log.File != "" {
		out.Log.File = other.Log.File
	}
	for tag, l := range c.Loaders {
		out.Loaders[tag] = Loader{ExecutionPaths: slices.Clone(l.ExecutionPaths)}
	}
	for tag, l := range other.Loaders {
		out.Loaders[tag] = Loader{ExecutionPaths: slices.Concat(out.Loaders[tag].ExecutionPaths, l.ExecutionPaths)}
	}
	return out
}

func (c *Config) resolve() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Dir, p)
	}
	for i, p := range c.ScriptPaths {
		c.ScriptPaths[i] = abs(p)
	}
	for tag, l := range c.Loaders {
		for i, p := range l.ExecutionPaths {
			l.ExecutionPaths[i] = abs(p)
		}
		c.Loaders[tag] = l
	}
	for i := range c.Preload {
		p := &c.Preload[i]
		for j, f := range p.Files {
			p.Files[j] = abs(f)
		}
		p.Package = abs(p.Package)
	}
	c.Log.File = abs(c.Log.File)
}
