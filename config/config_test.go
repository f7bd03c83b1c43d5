package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigRootsUnderDataDir(t *testing.T) {
	t.Setenv("MEMEX_DATA_DIR", "/tmp/test-memex")
	cfg := DefaultConfig()
	if cfg.DataDir != "/tmp/test-memex" {
		t.Errorf("expected data dir override, got %s", cfg.DataDir)
	}
	if cfg.DBPath != filepath.Join("/tmp/test-memex", "memex.db") {
		t.Errorf("expected db path under data dir, got %s", cfg.DBPath)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "db_path: /custom/path.db\nlearner:\n  minconfidence: 0.5\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromFile(&cfg, path); err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if cfg.DBPath != "/custom/path.db" {
		t.Errorf("expected db_path override, got %s", cfg.DBPath)
	}
}

func TestLoadFromEnvOverridesEmbeddingURL(t *testing.T) {
	t.Setenv("MEMEX_EMBEDDING_URL", "http://example.invalid:1234")
	cfg := DefaultConfig()
	cfg.LoadFromEnv("MEMEX_")
	if cfg.EmbedSvc.BaseURL != "http://example.invalid:1234" {
		t.Errorf("expected embedding url override, got %s", cfg.EmbedSvc.BaseURL)
	}
}

func TestLoadFromEnvBackgroundEnabledToggle(t *testing.T) {
	t.Setenv("MEMEX_BACKGROUND_ENABLED", "false")
	cfg := DefaultConfig()
	cfg.LoadFromEnv("MEMEX_")
	if cfg.Background.Enabled {
		t.Error("expected background processing disabled by env override")
	}
}
