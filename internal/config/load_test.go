package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archiver.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	yaml := `
roster:
  source: https://example.com/roster.csv
  limit: 50

storage:
  primary_root: /data/primary
  flat_root: /data/flat
  cancel_root: /data/cancel
  state_root: /data/estado
  s3:
    bucket: my-bucket
    prefix: xml
    region: us-east-1

upstream:
  api_key: ${API_KEY:-fallback-key}
  base_url: https://api.sieg.com
  connect_timeout: 5s

cycle:
  seed: true
  loop: true
  loop_interval: 30s
  failure_threshold: 40

log_level: DEBUG
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Roster.Source != "https://example.com/roster.csv" {
		t.Errorf("roster.source = %q", cfg.Roster.Source)
	}
	if cfg.Roster.Limit != 50 {
		t.Errorf("roster.limit = %d, want 50", cfg.Roster.Limit)
	}
	if cfg.Storage.S3 == nil || cfg.Storage.S3.Bucket != "my-bucket" {
		t.Errorf("storage.s3 = %+v", cfg.Storage.S3)
	}
	if cfg.Upstream.APIKey != "fallback-key" {
		t.Errorf("upstream.api_key = %q, want fallback-key (unset env, default applied)", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.ConnectTimeout.Duration != 5*time.Second {
		t.Errorf("upstream.connect_timeout = %v, want 5s", cfg.Upstream.ConnectTimeout.Duration)
	}
	// NFe/CTe read and absolute timeouts were left unset by the file,
	// so they must fall back to the spec's SIEG_TIMEOUT_* defaults.
	if cfg.Upstream.NFeReadTimeout.Duration != 120*time.Second {
		t.Errorf("nfe_read_timeout = %v, want 120s default", cfg.Upstream.NFeReadTimeout.Duration)
	}
	if cfg.Upstream.CTeAbsoluteTimeout.Duration != 180*time.Second {
		t.Errorf("cte_absolute_timeout = %v, want 180s default", cfg.Upstream.CTeAbsoluteTimeout.Duration)
	}
	if !cfg.Cycle.Seed || !cfg.Cycle.Loop {
		t.Errorf("cycle.seed/loop = %v/%v, want true/true", cfg.Cycle.Seed, cfg.Cycle.Loop)
	}
	if cfg.Cycle.LoopInterval.Duration != 30*time.Second {
		t.Errorf("cycle.loop_interval = %v, want 30s", cfg.Cycle.LoopInterval.Duration)
	}
	if cfg.Cycle.FailureThresholdOrDefault() != 40 {
		t.Errorf("failure threshold = %v, want 40", cfg.Cycle.FailureThresholdOrDefault())
	}
	if cfg.Cycle.WarningThreshold() != 20 {
		t.Errorf("warning threshold = %v, want 20 (max(20, 40/2))", cfg.Cycle.WarningThreshold())
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoad_EnvTimeoutOverride(t *testing.T) {
	t.Setenv("SIEG_TIMEOUT_ABSOLUTO_NFE", "45")
	path := writeTemp(t, "upstream:\n  api_key: k\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Upstream.NFeAbsoluteTimeout.Duration != 45*time.Second {
		t.Errorf("nfe_absolute_timeout = %v, want 45s from env", cfg.Upstream.NFeAbsoluteTimeout.Duration)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeTemp(t, "not_a_real_field: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_WarningThresholdFloor(t *testing.T) {
	cycle := CycleConfig{FailureThresholdPct: 10}
	if got := cycle.WarningThreshold(); got != 20 {
		t.Errorf("WarningThreshold() = %v, want 20 floor even when critical/2 < 20", got)
	}
}
