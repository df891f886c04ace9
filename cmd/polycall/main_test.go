package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const mathLua = `
local M = {}
function M.add(a, b) return a + b end
function M.fail() error("nope") end
function M.pair() return {x = 1, label = "two"} end
return M
`

func writeUnit(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCall(t *testing.T) {
	path := writeUnit(t, "math.lua", mathLua)

	code, out, errOut := runCLI("call", path, "--", "add", "2", "3")
	if code != 0 || out != "5\n" {
		t.Errorf("add: exit %d, stdout %q, stderr %q", code, out, errOut)
	}

	code, out, _ = runCLI("call", path, "--", "pair")
	if code != 0 || out != "label: two\nx: 1\n" {
		t.Errorf("pair: exit %d, stdout %q", code, out)
	}

	code, _, errOut = runCLI("call", path, "--", "fail")
	if code != 1 || !strings.Contains(errOut, "LuaError") || !strings.Contains(errOut, "nope") {
		t.Errorf("fail: exit %d, stderr %q", code, errOut)
	}
}

func TestInspectText(t *testing.T) {
	path := writeUnit(t, "math.lua", mathLua)
	code, out, errOut := runCLI("-format", "text", "inspect", "lua:"+path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"backends: go, js, lua, sql", "[lua]", "  add(a, b)", "  pair()"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadErrorShowsDiagnostics(t *testing.T) {
	path := writeUnit(t, "bad.lua", "function (")
	code, _, errOut := runCLI("inspect", path)
	if code != 1 || !strings.Contains(errOut, "loading "+path) || !strings.Contains(errOut, "\n    ") {
		t.Errorf("exit %d, stderr %q", code, errOut)
	}
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"frobnicate"},
		{"call", "x.lua"},
		{"-format", "xml", "inspect"},
	}
	for _, args := range cases {
		if code, _, _ := runCLI(args...); code != 2 {
			t.Errorf("%v: exit %d, want 2", args, code)
		}
	}
	if code, out, _ := runCLI("version"); code != 0 || !strings.HasPrefix(out, "polycall ") {
		t.Errorf("version: exit %d, %q", code, out)
	}
}

func TestParseUnit(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "mathlib")
	if err := os.MkdirAll(filepath.Join(pkg, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "[package]\nname = \"mathlib\"\nlanguage = \"go\"\n\n[library]\nkind = [\"plugin\"]\n"
	if err := os.WriteFile(filepath.Join(pkg, "polycall.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		arg  string
		want unit
	}{
		{"a/b.lua", unit{kind: fileUnit, tag: "lua", path: "a/b.lua"}},
		{"x.MJS", unit{kind: fileUnit, tag: "js", path: "x.MJS"}},
		{"node:app.txt", unit{kind: fileUnit, tag: "node", path: "app.txt"}},
		{"load.yaml", unit{kind: configurationUnit, path: "load.yaml"}},
		{pkg, unit{kind: packageUnit, tag: "go", path: pkg}},
		{filepath.Join(pkg, "src"), unit{kind: packageUnit, tag: "go", path: pkg}},
		{"go:" + pkg, unit{kind: packageUnit, tag: "go", path: pkg}},
	}
	for _, tt := range tests {
		got, err := parseUnit(tt.arg)
		if err != nil || got != tt.want {
			t.Errorf("parseUnit(%q) = %+v, %v, want %+v", tt.arg, got, err, tt.want)
		}
	}
	if _, err := parseUnit("notes.txt"); err == nil {
		t.Errorf("unknown extension accepted")
	}
	if _, err := parseUnit(t.TempDir()); err == nil {
		t.Errorf("directory outside any package accepted")
	}
}

func TestParseValues(t *testing.T) {
	got, err := parseValues([]string{"2", "1.5", "true", "~", "hi", "[1, b]", "{k: v}"})
	if err != nil {
		t.Fatal(err)
	}
	want := []any{2, 1.5, true, nil, "hi", []any{1, "b"}, map[string]any{"k": "v"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseValues = %#v, want %#v", got, want)
	}
}
