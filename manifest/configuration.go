package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Configuration is a load configuration file: one language tag, an optional
// execution path and the scripts to load from it.
//
//	language_id: lua
//	path: scripts
//	scripts:
//	  - math.lua
//	  - strings.lua
type Configuration struct {
	LanguageID string   `yaml:"language_id"`
	Path       string   `yaml:"path,omitempty"`
	Scripts    []string `yaml:"scripts"`

	// Dir is the directory containing the configuration file (set at load time).
	Dir string `yaml:"-"`
}

// LoadConfiguration reads and validates a configuration file. Unknown keys
// are rejected.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Configuration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the required fields.
func (c *Configuration) Validate() error {
	if c.LanguageID == "" {
		return fmt.Errorf("language_id is required")
	}
	if len(c.Scripts) == 0 {
		return fmt.Errorf("scripts must list at least one file")
	}
	for i, s := range c.Scripts {
		if s == "" {
			return fmt.Errorf("scripts[%d] is empty", i)
		}
	}
	return nil
}

// ExecutionPath returns the absolute directory scripts are resolved against.
// It defaults to the configuration file's directory.
func (c *Configuration) ExecutionPath() string {
	if c.Path == "" {
		return c.Dir
	}
	if filepath.IsAbs(c.Path) {
		return c.Path
	}
	return filepath.Join(c.Dir, c.Path)
}
