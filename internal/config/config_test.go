package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestDefaultsMatchEngineDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.SaveInterval != 5*time.Second || cfg.ActiveInterval != 2*time.Second || cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg)
	}
	if cfg.BatchThreshold != 10 || cfg.MaxRetries != 3 || cfg.MaxAnnotations != 1000 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.JournalDSN != "memory://" {
		t.Fatalf("expected memory journal by default, got %q", cfg.JournalDSN)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfx.yaml")
	body := `
handler_url: https://lms.example.com/handler/annotations
user_id: student-7
block_id: block-v1:course+type@pdfx+block@abc
save_interval: 8s
batch_threshold: 25
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PDFX_BATCH_THRESHOLD", "4")
	t.Setenv("PDFX_RETRY_DELAY", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UserID != "student-7" || cfg.SaveInterval != 8*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.BatchThreshold != 4 {
		t.Fatalf("env should override file, got threshold %d", cfg.BatchThreshold)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("expected retry delay from env, got %s", cfg.RetryDelay)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Console {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfx.yaml")
	if err := os.WriteFile(path, []byte("handler_ulr: typo\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestInvalidEnvFallsBackWithWarning(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyEnv(envMap(map[string]string{
		"PDFX_MAX_RETRIES":   "many",
		"PDFX_SAVE_INTERVAL": "soon",
		"PDFX_SYNC_JITTER":   "0.5",
		"PDFX_LOG_PRETTY":    "yes please",
		"PDFX_USER_ID":       "  u1  ",
	}))
	if cfg.MaxRetries != 3 || cfg.SaveInterval != 5*time.Second {
		t.Fatalf("invalid values should keep fallbacks: %+v", cfg)
	}
	if cfg.SyncJitter != 0.5 || cfg.UserID != "u1" {
		t.Fatalf("valid values not applied: %+v", cfg)
	}
	if len(cfg.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", cfg.Warnings)
	}
	if !strings.Contains(cfg.Warnings[0], "PDFX_SAVE_INTERVAL") {
		t.Fatalf("unexpected first warning %q", cfg.Warnings[0])
	}
}

func TestValidateListsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.SyncJitter = 2
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"handler_url", "user_id", "block_id", "sync_jitter"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestEngineOptionsCarryScope(t *testing.T) {
	cfg := Defaults()
	cfg.UserID, cfg.BlockID, cfg.CourseID = "u1", "b1", "c1"
	opts := cfg.EngineOptions()
	if opts.UserID != "u1" || opts.BlockID != "b1" || opts.CourseID != "c1" {
		t.Fatalf("scope not carried: %+v", opts)
	}
	if opts.SaveInterval != cfg.SaveInterval || opts.MaxAnnotations != cfg.MaxAnnotations {
		t.Fatalf("timing/limits not carried: %+v", opts)
	}
}
