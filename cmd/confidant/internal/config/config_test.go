package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Engine.MaxConcurrent != 2 || cfg.Engine.Timeout != 60*time.Second {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Budget.MaxChars != 8000 {
		t.Fatalf("budget defaults = %+v", cfg.Budget)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Engine.Model = "llama-3.1-8b"
	cfg.Budget.MaxChars = 4000
	cfg.SessionIdle = 5 * time.Minute
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got.Engine.Model != "llama-3.1-8b" {
		t.Fatalf("Engine.Model = %q", got.Engine.Model)
	}
	if got.Budget.MaxChars != 4000 {
		t.Fatalf("Budget.MaxChars = %d", got.Budget.MaxChars)
	}
	if got.SessionIdle != 5*time.Minute {
		t.Fatalf("SessionIdle = %v", got.SessionIdle)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIDANT_DATA_DIR", "/tmp/elsewhere")
	t.Setenv("CONFIDANT_ENGINE_MODEL", "qwen2.5")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DataDir != "/tmp/elsewhere" {
		t.Fatalf("DataDir = %q, want env override", cfg.DataDir)
	}
	if cfg.Engine.Model != "qwen2.5" {
		t.Fatalf("Engine.Model = %q, want env override", cfg.Engine.Model)
	}
	if cfg.IdentityPath() != filepath.Join("/tmp/elsewhere", "identity.db") {
		t.Fatalf("IdentityPath = %q", cfg.IdentityPath())
	}
}
