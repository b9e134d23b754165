package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.OffloadThresholdTokens != 500 || cfg.KeepRecentTurns != 10 || cfg.CompressTriggerTurns != 30 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.InactivityCeiling() != time.Hour {
		t.Fatalf("inactivity ceiling = %v", cfg.InactivityCeiling())
	}
}

func TestLoadConfigOverridesAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := `
offload_threshold_tokens: 800
keep_recent_turns: 5
compress_trigger_turns: 3
soft_threshold: 2.5
index_backend: sqlite
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.OffloadThresholdTokens != 800 {
		t.Fatalf("override lost: %d", cfg.OffloadThresholdTokens)
	}
	if cfg.KeepRecentTurns != 5 {
		t.Fatalf("keep recent = %d", cfg.KeepRecentTurns)
	}
	// Trigger below the keep window is nonsense and falls back.
	if cfg.CompressTriggerTurns != 30 {
		t.Fatalf("trigger not clamped: %d", cfg.CompressTriggerTurns)
	}
	if cfg.SoftThreshold != 0.7 {
		t.Fatalf("soft threshold not clamped: %v", cfg.SoftThreshold)
	}
	if cfg.IndexBackend != "sqlite" {
		t.Fatalf("backend = %q", cfg.IndexBackend)
	}
}
