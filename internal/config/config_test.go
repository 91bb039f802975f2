package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captureLogger struct {
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func TestLoadCreatesDefaultConfigOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval != 30*time.Second || cfg.Backoff.MaxAttempts != 6 || cfg.Backoff.Cap != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 perms, got %v", info.Mode().Perm())
	}
}

func TestLoadDerivesPathsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(strings.Join([]string{
		"data_dir: " + filepath.Join(dir, "data"),
		"tick_interval: 45s",
		"tag_calendars:",
		"  Work: W1",
		"  Personal: P1",
		"backoff:",
		"  base: 1s",
		"remote:",
		"  provider: memory",
	}, "\n"))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval != 45*time.Second || cfg.Backoff.Base != time.Second || cfg.Backoff.Multiplier != 2 {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.TagCalendars["Work"] != "W1" || cfg.TagCalendars["Personal"] != "P1" {
		t.Fatalf("unexpected tag calendars: %+v", cfg.TagCalendars)
	}
	wantWatermark := filepath.Join(dir, "data", "watermark.json")
	if cfg.WatermarkPath != wantWatermark {
		t.Fatalf("expected watermark path %q, got %q", wantWatermark, cfg.WatermarkPath)
	}
	if !strings.HasPrefix(cfg.StateDSN, "sqlite://") || !strings.HasSuffix(cfg.StateDSN, "state.db") {
		t.Fatalf("unexpected state dsn %q", cfg.StateDSN)
	}
	if cfg.Remote.Provider != ProviderMemory {
		t.Fatalf("expected memory provider, got %q", cfg.Remote.Provider)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory provider config should validate: %v", err)
	}
}

func TestSaveRoundTripKeepsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.CallTimeout = 7 * time.Second
	cfg.TagCalendars["Work"] = "W1"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CallTimeout != 7*time.Second || loaded.TagCalendars["Work"] != "W1" {
		t.Fatalf("unexpected reloaded config: %+v", loaded)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RELAYCAL_TICK_INTERVAL", "10s")
	t.Setenv("RELAYCAL_MAX_CONCURRENCY", "8")
	t.Setenv("RELAYCAL_BACKOFF_MULTIPLIER", "3")
	t.Setenv("RELAYCAL_TAG_CALENDARS", "Work=W1, Personal = P1,broken")
	t.Setenv("RELAYCAL_REMOTE_BASE_URL", "https://calendar.example.test")
	t.Setenv("RELAYCAL_CALL_TIMEOUT", "soon")

	logger := &captureLogger{}
	cfg := DefaultConfig()
	cfg.ApplyEnv(logger)

	if cfg.TickInterval != 10*time.Second || cfg.MaxConcurrency != 8 || cfg.Backoff.Multiplier != 3 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.TagCalendars) != 2 || cfg.TagCalendars["Personal"] != "P1" {
		t.Fatalf("unexpected tag calendars: %+v", cfg.TagCalendars)
	}
	if cfg.CallTimeout != 20*time.Second {
		t.Fatalf("invalid duration should keep fallback, got %s", cfg.CallTimeout)
	}
	if len(logger.lines) != 1 {
		t.Fatalf("expected one warning for invalid value, got %v", logger.lines)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvDataDirMovesDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAYCAL_DATA_DIR", dir)
	cfg := DefaultConfig()
	cfg.ApplyEnv(nil)
	if cfg.WatermarkPath != filepath.Join(dir, "watermark.json") {
		t.Fatalf("expected watermark under new data dir, got %q", cfg.WatermarkPath)
	}
	if cfg.LockPath() != filepath.Join(dir, "owner.lock") {
		t.Fatalf("unexpected lock path %q", cfg.LockPath())
	}
}

func TestValidateRejectsSlowPolling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.Provider = ProviderMemory
	cfg.PollInterval = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected poll interval above staleness bound to fail validation")
	}
	cfg.PollInterval = time.Second
	cfg.Remote.Provider = ProviderHTTP
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected http provider without base url to fail validation")
	}
}
