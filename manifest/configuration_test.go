package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scripts.yaml")
	content := `
language_id: lua
path: src
scripts:
  - math.lua
  - strings.lua
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfiguration(path)
	if err != nil {
		t.Fatalf("LoadConfiguration failed: %v", err)
	}
	if c.LanguageID != "lua" {
		t.Errorf("language_id = %q, want lua", c.LanguageID)
	}
	if len(c.Scripts) != 2 || c.Scripts[1] != "strings.lua" {
		t.Errorf("scripts = %v", c.Scripts)
	}
	want, _ := filepath.Abs(filepath.Join(dir, "src"))
	if got := c.ExecutionPath(); got != want {
		t.Errorf("execution path = %q, want %q", got, want)
	}
}

func TestConfigurationDefaultsPathToFileDir(t *testing.T) {
	c := &Configuration{LanguageID: "js", Scripts: []string{"a.js"}, Dir: "/conf"}
	if got := c.ExecutionPath(); got != "/conf" {
		t.Errorf("execution path = %q, want /conf", got)
	}
}

func TestLoadConfigurationRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("language_id: lua\nscripts: [a.lua]\nextra: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfiguration(path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestConfigurationValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Configuration
	}{
		{"missing language", Configuration{Scripts: []string{"a.lua"}}},
		{"no scripts", Configuration{LanguageID: "lua"}},
		{"empty script", Configuration{LanguageID: "lua", Scripts: []string{"a.lua", ""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
