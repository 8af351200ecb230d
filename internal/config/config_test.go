package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPopulatesDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Namespace.DescriptorDir != "configs/namespaces" {
		t.Errorf("Namespace.DescriptorDir = %q, want configs/namespaces", cfg.Namespace.DescriptorDir)
	}
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "server:\n  port: 9090\ndatabase:\n  name: custom_db\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Name != "custom_db" {
		t.Errorf("Database.Name = %q, want custom_db", cfg.Database.Name)
	}
	// Defaults for untouched fields survive the overlay.
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres (default preserved)", cfg.Database.Driver)
	}
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestConnectionStringIncludesFields(t *testing.T) {
	cfg := New()
	cfg.Database.Host = "db.internal"
	cfg.Database.User = "gw"
	got := cfg.Database.ConnectionString()
	for _, want := range []string{"host=db.internal", "user=gw", "sslmode=disable"} {
		if !strings.Contains(got, want) {
			t.Errorf("ConnectionString() = %q, want substring %q", got, want)
		}
	}
}

func TestApplyDatabaseURLOverride(t *testing.T) {
	cfg := New()
	t.Setenv("DATABASE_URL", "postgres://example/db")
	applyDatabaseURLOverride(cfg)
	if cfg.Database.Host != "postgres://example/db" {
		t.Errorf("Database.Host = %q, want override applied", cfg.Database.Host)
	}
}
