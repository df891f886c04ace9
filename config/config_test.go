package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polycall.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
script_paths = ["shared"]

[log]
verbosity = 2
file = "out.log"

[loaders.lua]
execution_paths = ["lua", "/opt/lua"]

[[preload]]
tag = "lua"
files = ["init.lua"]

[[preload]]
tag = "go"
package = "plugins/math"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	dir := filepath.Dir(path)

	if c.Log.Verbosity != 2 || c.Log.File != filepath.Join(dir, "out.log") {
		t.Errorf("log = %+v", c.Log)
	}
	want := []string{filepath.Join(dir, "shared"), filepath.Join(dir, "lua"), "/opt/lua"}
	if got := c.ExecutionPaths("lua"); !reflect.DeepEqual(got, want) {
		t.Errorf("lua paths = %v, want %v", got, want)
	}
	if got := c.ExecutionPaths("js"); !reflect.DeepEqual(got, want[:1]) {
		t.Errorf("js paths = %v, want %v", got, want[:1])
	}
	if len(c.Preload) != 2 || c.Preload[0].Files[0] != filepath.Join(dir, "init.lua") ||
		c.Preload[1].Package != filepath.Join(dir, "plugins/math") {
		t.Errorf("preload = %+v", c.Preload)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[log]\nverbose = 1\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "log.verbose") {
		t.Errorf("got %v, want an unknown key error", err)
	}
}

func TestValidate(t *testing.T) {
	bad := []string{
		"[[preload]]\nfiles = [\"a.lua\"]\n",
		"[[preload]]\ntag = \"lua\"\n",
		"[[preload]]\ntag = \"go\"\nfiles = [\"a.so\"]\npackage = \"p\"\n",
		"[log]\nverbosity = 9\n",
	}
	for _, content := range bad {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("Load(%q) succeeded", content)
		}
	}
}

func TestFromEnv(t *testing.T) {
	path := writeConfig(t, "script_paths = [\"a\"]\n")
	t.Setenv(ConfigEnv, path)
	t.Setenv(ScriptPathEnv, strings.Join([]string{"/x", "", "/y"}, string(os.PathListSeparator)))

	c, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(filepath.Dir(path), "a"), "/x", "/y"}
	if !reflect.DeepEqual(c.ScriptPaths, want) {
		t.Errorf("script paths = %v, want %v", c.ScriptPaths, want)
	}

	t.Setenv(ConfigEnv, "")
	t.Setenv(ScriptPathEnv, "")
	c, err = FromEnv()
	if err != nil || len(c.ScriptPaths) != 0 {
		t.Errorf("empty environment: %+v, %v", c, err)
	}
}

func TestMerge(t *testing.T) {
	base := &Config{
		ScriptPaths: []string{"/base"},
		Log:         Log{Verbosity: 1},
		Loaders:     map[string]Loader{"lua": {ExecutionPaths: []string{"/l1"}}},
	}
	over := &Config{
		ScriptPaths: []string{"/over"},
		Log:         Log{File: "/log"},
		Loaders:     map[string]Loader{"lua": {ExecutionPaths: []string{"/l2"}}, "js": {ExecutionPaths: []string{"/j"}}},
		Preload:     []Preload{{Tag: "js", Files: []string{"/j/a.js"}}},
	}
	m := base.Merge(over)
	if !reflect.DeepEqual(m.ExecutionPaths("lua"), []string{"/base", "/over", "/l1", "/l2"}) {
		t.Errorf("lua paths = %v", m.ExecutionPaths("lua"))
	}
	if m.Log != (Log{Verbosity: 1, File: "/log"}) || len(m.Preload) != 1 {
		t.Errorf("merged = %+v", m)
	}
	if len(base.Loaders["lua"].ExecutionPaths) != 1 {
		t.Errorf("Merge modified its receiver")
	}
}
