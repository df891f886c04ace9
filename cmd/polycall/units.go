package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chazu/polycall"
	"github.com/chazu/polycall/manifest"
)

// extensionTags maps file extensions to loader tags.
var extensionTags = map[string]string{
	".lua": "lua",
	".js":  "js",
	".mjs": "js",
	".cjs": "js",
	".sql": "sql",
	".so":  "go",
}

type unitKind int

const (
	fileUnit unitKind = iota
	packageUnit
	configurationUnit
)

// unit is one code unit named on the command line.
type unit struct {
	kind unitKind
	tag  string
	path string
}

// parseUnit resolves tag:path, a package directory, a YAML configuration
// file or a path with a known extension. A directory inside a package stands
// for the package whose polycall.toml is nearest above it.
func parseUnit(arg string) (unit, error) {
	if tag, path, ok := strings.Cut(arg, ":"); ok && tag != "" && !strings.ContainsAny(tag, `/\.`) {
		kind := fileUnit
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			kind = packageUnit
		}
		return unit{kind: kind, tag: tag, path: path}, nil
	}

	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		m, err := manifest.FindAndLoad(arg)
		if err != nil {
			return unit{}, err
		}
		if m == nil {
			return unit{}, fmt.Errorf("%s: no %s here or in any parent directory", arg, manifest.FileName)
		}
		if m.Package.Language == "" {
			return unit{}, fmt.Errorf("%s: [package] language is required to load it without a tag", m.Dir)
		}
		return unit{kind: packageUnit, tag: m.Package.Language, path: m.Dir}, nil
	}

	ext := strings.ToLower(filepath.Ext(arg))
	if ext == ".yaml" || ext == ".yml" {
		return unit{kind: configurationUnit, path: arg}, nil
	}
	tag, ok := extensionTags[ext]
	if !ok {
		return unit{}, fmt.Errorf("%s: cannot tell the language from %q; use tag:path", arg, ext)
	}
	return unit{kind: fileUnit, tag: tag, path: arg}, nil
}

func (u unit) load(rt *polycall.Runtime) error {
	var err error
	switch u.kind {
	case packageUnit:
		_, err = rt.LoadFromPackage(u.tag, u.path)
	case configurationUnit:
		_, err = rt.LoadFromConfiguration(u.path)
	default:
		_, err = rt.LoadFromFile(u.tag, u.path)
	}
	return err
}

// parseValues reads each argument as a YAML value, so 2 is an integer, 1.5
// a float, true a bool, ~ null and [1, 2] a list. Anything else is a string.
func parseValues(args []string) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		var v any
		if err := yaml.Unmarshal([]byte(a), &v); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

// pathList collects -I tag=dir flags.
type pathList []struct{ tag, dir string }

func (p *pathList) String() string {
	parts := make([]string, len(*p))
	for i, e := range *p {
		parts[i] = e.tag + "=" + e.dir
	}
	return strings.Join(parts, ",")
}

func (p *pathList) Set(s string) error {
	tag, dir, ok := strings.Cut(s, "=")
	if !ok || tag == "" || dir == "" {
		return fmt.Errorf("want tag=dir, got %q", s)
	}
	*p = append(*p, struct{ tag, dir string }{tag, dir})
	return nil
}
