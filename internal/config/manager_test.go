package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestManagerParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
state:
  path: ./state.json
settings:
  check:
    count: 2
    interval_seconds: 120
entities:
  - name: show-a
    url: https://example.com/a.json
    trigger: "06:30"
`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("Level = %q", cfg.Logging.Level)
	}
	if cfg.Settings == nil || cfg.Settings.Check == nil || *cfg.Settings.Check.Count != 2 {
		t.Fatalf("settings not decoded: %+v", cfg.Settings)
	}
	if len(cfg.Entities) != 1 || cfg.Entities[0].Trigger != "06:30" {
		t.Fatalf("entities not decoded: %+v", cfg.Entities)
	}
}

func TestManagerParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: INFO
  console: true
state:
  path: ./state.json
entities: []
not_a_field: true
`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestManagerParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"logging":{"level":"INFO","console":true},"state":{"path":"s"},"scheduler":{},"entities":[]}{}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestManagerLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"logging":{"level":"INFO","console":true},"state":{"path":"s"},"scheduler":{},"entities":[]}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}
