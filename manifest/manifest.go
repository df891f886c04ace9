// Package manifest handles polycall.toml package manifests and the YAML load
// configuration files consumed by LoadFromConfiguration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file expected at the root of a package.
const FileName = "polycall.toml"

// DynamicKinds lists library target kinds that can be opened at run time.
var DynamicKinds = []string{"cdylib", "dylib", "plugin"}

// Manifest represents a polycall.toml package description.
type Manifest struct {
	Package Package  `toml:"package"`
	Library *Library `toml:"library"`

	// Dir is the directory containing the polycall.toml file (set at load time).
	Dir string `toml:"-"`
}

// Package contains package metadata.
type Package struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Language string `toml:"language"`
}

// Library declares the build target of a package.
type Library struct {
	Name string   `toml:"name"`
	Kind []string `toml:"kind"`
	Path string   `toml:"path"`
}

// Load parses a polycall.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
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

	if m.Package.Name == "" {
		return nil, fmt.Errorf("%s: [package] name is required", path)
	}
	if m.Library != nil && m.Library.Name == "" {
		m.Library.Name = m.Package.Name
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a polycall.toml file,
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

// IsDynamic reports whether the library declares a kind that can be opened
// at run time.
func (l *Library) IsDynamic() bool {
	for _, k := range l.Kind {
		if slices.Contains(DynamicKinds, k) {
			return true
		}
	}
	return false
}

// LibraryTarget returns the absolute path of the dynamically loadable
// library this package builds. It fails when the manifest declares no
// library, or only static kinds.
func (m *Manifest) LibraryTarget() (string, error) {
	if m.Library == nil {
		return "", fmt.Errorf("package %s declares no [library] target", m.Package.Name)
	}
	if !m.Library.IsDynamic() {
		return "", fmt.Errorf("package %s library kind [%s] is not dynamically loadable (need one of %s)",
			m.Package.Name, strings.Join(m.Library.Kind, ", "), strings.Join(DynamicKinds, ", "))
	}

	path := m.Library.Path
	if path == "" {
		path = filepath.Join("build", m.Library.Name+".so")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	return path, nil
}
