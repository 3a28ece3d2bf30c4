package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Commands.Compose != "docker-compose" || cfg.Manifest.Source != "bazel-compose.yml" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `commands:
  compose: docker compose
log:
  format: json
policy: redeploy.rego
follow: [api, worker]
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWorkspace(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Commands.Compose != "docker compose" || cfg.Commands.IBazel != "ibazel" {
		t.Fatalf("unexpected commands %+v", cfg.Commands)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Policy != "redeploy.rego" || strings.Join(cfg.Follow, ",") != "api,worker" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	files := cfg.Files(dir)
	if files.SourcePath() != filepath.Join(dir, "bazel-compose.yml") {
		t.Fatalf("unexpected source path %s", files.SourcePath())
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("commands: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWorkspace(dir); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty compose", func(c *Config) { c.Commands.Compose = "" }, "commands.compose is empty"},
		{"empty ibazel", func(c *Config) { c.Commands.IBazel = "" }, "commands.ibazel is empty"},
		{"output is source", func(c *Config) { c.Manifest.Output = c.Manifest.Source }, "must differ"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}
