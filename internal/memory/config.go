package memory

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Root is the directory holding per-owner session files, artifact
	// payloads, the quarantine sink, and index snapshots.
	Root string `yaml:"root"`

	CharsPerToken float64 `yaml:"chars_per_token"`

	// Artifact storage.
	OffloadThresholdTokens int   `yaml:"offload_threshold_tokens"`
	MaxArtifactBytes       int64 `yaml:"max_artifact_bytes"`
	// IndexBackend selects "json" or "sqlite".
	IndexBackend string `yaml:"index_backend"`

	// Compaction.
	TokenBudget          int     `yaml:"token_budget"`
	SoftThreshold        float64 `yaml:"soft_threshold"`
	HardThreshold        float64 `yaml:"hard_threshold"`
	KeepRecentTurns      int     `yaml:"keep_recent_turns"`
	CompressTriggerTurns int     `yaml:"compress_trigger_turns"`
	PruneCutoffChars     int     `yaml:"prune_cutoff_chars"`

	// Session continuity.
	InactivityMinutes int      `yaml:"inactivity_minutes"`
	MaxRestoreTurns   int      `yaml:"max_restore_turns"`
	MaxRestoreBytes   int64    `yaml:"max_restore_bytes"`
	StartOverPhrases  []string `yaml:"start_over_phrases"`
}

func DefaultConfig() Config {
	return Config{
		Root:                   defaultRoot(),
		CharsPerToken:          defaultCharsPerToken,
		OffloadThresholdTokens: 500,
		MaxArtifactBytes:       10 << 20,
		IndexBackend:           "json",
		TokenBudget:            32000,
		SoftThreshold:          0.7,
		HardThreshold:          0.9,
		KeepRecentTurns:        10,
		CompressTriggerTurns:   30,
		PruneCutoffChars:       2000,
		InactivityMinutes:      60,
		MaxRestoreTurns:        500,
		MaxRestoreBytes:        8 << 20,
		StartOverPhrases: []string{
			"start over",
			"start fresh",
			"new session",
			"new conversation",
			"reset context",
			"forget everything",
		},
	}
}

func defaultRoot() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "contextkeeper")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "contextkeeper")
	}
	return filepath.Join(os.TempDir(), "contextkeeper")
}

// InactivityCeiling is how long a session may idle before the next message
// starts a new one.
func (c Config) InactivityCeiling() time.Duration {
	return time.Duration(c.InactivityMinutes) * time.Minute
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg.normalized(), nil
}

// normalized backfills zero values and clamps out-of-range ones so every
// consumer can trust the thresholds without re-checking.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.CharsPerToken < 1 || c.CharsPerToken > 16 {
		c.CharsPerToken = d.CharsPerToken
	}
	if c.OffloadThresholdTokens <= 0 {
		c.OffloadThresholdTokens = d.OffloadThresholdTokens
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = d.MaxArtifactBytes
	}
	if c.IndexBackend != "json" && c.IndexBackend != "sqlite" {
		c.IndexBackend = d.IndexBackend
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = d.TokenBudget
	}
	if c.SoftThreshold <= 0 || c.SoftThreshold >= 1 {
		c.SoftThreshold = d.SoftThreshold
	}
	if c.HardThreshold <= c.SoftThreshold || c.HardThreshold > 1 {
		c.HardThreshold = d.HardThreshold
	}
	if c.KeepRecentTurns <= 0 {
		c.KeepRecentTurns = d.KeepRecentTurns
	}
	if c.CompressTriggerTurns <= c.KeepRecentTurns {
		c.CompressTriggerTurns = d.CompressTriggerTurns
	}
	if c.PruneCutoffChars <= 0 {
		c.PruneCutoffChars = d.PruneCutoffChars
	}
	if c.InactivityMinutes <= 0 {
		c.InactivityMinutes = d.InactivityMinutes
	}
	if c.MaxRestoreTurns <= 0 {
		c.MaxRestoreTurns = d.MaxRestoreTurns
	}
	if c.MaxRestoreBytes <= 0 {
		c.MaxRestoreBytes = d.MaxRestoreBytes
	}
	if len(c.StartOverPhrases) == 0 {
		c.StartOverPhrases = d.StartOverPhrases
	}
	return c
}
