// Package config assembles annotator settings from an optional YAML file and
// PDFX_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	HandlerURL string `yaml:"handler_url"`
	// PageURL is the viewer page scanned for an embedded anti-forgery token.
	PageURL    string `yaml:"page_url"`
	CSRFToken  string `yaml:"csrf_token"`
	CSRFHeader string `yaml:"csrf_header"`
	CSRFCookie string `yaml:"csrf_cookie"`

	UserID   string `yaml:"user_id"`
	BlockID  string `yaml:"block_id"`
	CourseID string `yaml:"course_id"`

	SaveInterval   time.Duration `yaml:"save_interval"`
	ActiveInterval time.Duration `yaml:"active_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	BatchThreshold int           `yaml:"batch_threshold"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LoadRetries    int           `yaml:"load_retries"`
	MaxAnnotations int           `yaml:"max_annotations"`

	JournalDSN string `yaml:"journal_dsn"`

	DropDir      string        `yaml:"drop_dir"`
	ListenAddr   string        `yaml:"listen_addr"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncJitter   float64       `yaml:"sync_jitter"`

	Log LogConfig `yaml:"log"`

	// Warnings lists environment values that could not be parsed and were
	// ignored. They are reported once a logger exists.
	Warnings []string `yaml:"-"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
	Pretty     bool   `yaml:"pretty"`
}

func Defaults() Config {
	return Config{
		SaveInterval:   persistence.DefaultSaveInterval,
		ActiveInterval: persistence.DefaultActiveInterval,
		IdleTimeout:    persistence.DefaultIdleTimeout,
		BatchThreshold: persistence.DefaultBatchThreshold,
		MaxRetries:     persistence.DefaultMaxRetries,
		RetryDelay:     persistence.DefaultRetryDelay,
		RequestTimeout: 15 * time.Second,
		LoadRetries:    2,
		MaxAnnotations: persistence.DefaultMaxAnnotations,
		JournalDSN:     "memory://",
		ListenAddr:     "127.0.0.1:8765",
		SyncInterval:   30 * time.Second,
		SyncJitter:     0.2,
		Log:            LogConfig{Level: "info", Console: true},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PDFX_* variables looked up through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	e := envReader{getenv: getenv}
	c.HandlerURL = e.envOrDefault("PDFX_HANDLER_URL", c.HandlerURL)
	c.PageURL = e.envOrDefault("PDFX_PAGE_URL", c.PageURL)
	c.CSRFToken = e.envOrDefault("PDFX_CSRF_TOKEN", c.CSRFToken)
	c.CSRFHeader = e.envOrDefault("PDFX_CSRF_HEADER", c.CSRFHeader)
	c.CSRFCookie = e.envOrDefault("PDFX_CSRF_COOKIE", c.CSRFCookie)
	c.UserID = e.envOrDefault("PDFX_USER_ID", c.UserID)
	c.BlockID = e.envOrDefault("PDFX_BLOCK_ID", c.BlockID)
	c.CourseID = e.envOrDefault("PDFX_COURSE_ID", c.CourseID)
	c.SaveInterval = e.durationEnv("PDFX_SAVE_INTERVAL", c.SaveInterval)
	c.ActiveInterval = e.durationEnv("PDFX_ACTIVE_INTERVAL", c.ActiveInterval)
	c.IdleTimeout = e.durationEnv("PDFX_IDLE_TIMEOUT", c.IdleTimeout)
	c.BatchThreshold = e.intEnv("PDFX_BATCH_THRESHOLD", c.BatchThreshold)
	c.MaxRetries = e.intEnv("PDFX_MAX_RETRIES", c.MaxRetries)
	c.RetryDelay = e.durationEnv("PDFX_RETRY_DELAY", c.RetryDelay)
	c.RequestTimeout = e.durationEnv("PDFX_REQUEST_TIMEOUT", c.RequestTimeout)
	c.LoadRetries = e.intEnv("PDFX_LOAD_RETRIES", c.LoadRetries)
	c.MaxAnnotations = e.intEnv("PDFX_MAX_ANNOTATIONS", c.MaxAnnotations)
	c.JournalDSN = e.envOrDefault("PDFX_JOURNAL_DSN", c.JournalDSN)
	c.DropDir = e.envOrDefault("PDFX_DROP_DIR", c.DropDir)
	c.ListenAddr = e.envOrDefault("PDFX_LISTEN_ADDR", c.ListenAddr)
	c.SyncInterval = e.durationEnv("PDFX_SYNC_INTERVAL", c.SyncInterval)
	c.SyncJitter = e.floatEnv("PDFX_SYNC_JITTER", c.SyncJitter)
	c.Log.Level = e.envOrDefault("PDFX_LOG_LEVEL", c.Log.Level)
	c.Log.File = e.envOrDefault("PDFX_LOG_FILE", c.Log.File)
	c.Log.Pretty = e.boolEnv("PDFX_LOG_PRETTY", c.Log.Pretty)
	c.Warnings = append(c.Warnings, e.warnings...)
}

// Validate checks what every command needs to reach the handler.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HandlerURL) == "" {
		problems = append(problems, "handler_url is required (--handler-url or PDFX_HANDLER_URL)")
	}
	if strings.TrimSpace(c.UserID) == "" {
		problems = append(problems, "user_id is required (--user or PDFX_USER_ID)")
	}
	if strings.TrimSpace(c.BlockID) == "" {
		problems = append(problems, "block_id is required (--block or PDFX_BLOCK_ID)")
	}
	if c.SyncJitter < 0 || c.SyncJitter > 1 {
		problems = append(problems, fmt.Sprintf("sync_jitter must be within 0..1, got %v", c.SyncJitter))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EngineOptions maps the config onto persistence options; logger and metrics
// are wired by the caller.
func (c Config) EngineOptions() persistence.Options {
	return persistence.Options{
		UserID:         c.UserID,
		BlockID:        c.BlockID,
		CourseID:       c.CourseID,
		SaveInterval:   c.SaveInterval,
		ActiveInterval: c.ActiveInterval,
		IdleTimeout:    c.IdleTimeout,
		BatchThreshold: c.BatchThreshold,
		MaxRetries:     c.MaxRetries,
		RetryDelay:     c.RetryDelay,
		MaxAnnotations: c.MaxAnnotations,
	}
}

type envReader struct {
	getenv   func(string) string
	warnings []string
}

func (e *envReader) raw(name string) string {
	return strings.TrimSpace(e.getenv(name))
}

func (e *envReader) envOrDefault(name, fallback string) string {
	value := e.raw(name)
	if value == "" {
		return fallback
	}
	return value
}

func (e *envReader) intEnv(name string, fallback int) int {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (e *envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}

func (e *envReader) floatEnv(name string, fallback float64) float64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, fallback))
		return fallback
	}
	return value
}

func (e *envReader) boolEnv(name string, fallback bool) bool {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.warnings = append(e.warnings, fmt.Sprintf("invalid %s=%q, using fallback %t", name, raw, fallback))
		return fallback
	}
	return value
}
