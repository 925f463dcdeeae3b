// Package config loads and watches ~/.lasdash/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whytehoux-projecty/LAS/internal/otel"
)

// PollConfig controls the background synchronizer cadence.
type PollConfig struct {
	// IntervalMS is the tick interval for the liveness/answer/screenshot
	// fetches. The daemon's dashboard polls every 3000ms by default.
	IntervalMS int `yaml:"interval_ms"`
}

// RetentionConfig bounds how long archived transcripts are kept.
type RetentionConfig struct {
	// TranscriptDays is the archive retention window. 0 keeps forever.
	TranscriptDays int `yaml:"transcript_days"`
	// SweepSchedule is a 5-field cron expression for the purge job.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DaemonURL is the base URL of the agent daemon.
	DaemonURL string `yaml:"daemon_url"`
	LogLevel  string `yaml:"log_level"`

	// TTSEnabled is forwarded on every submitted query.
	TTSEnabled bool `yaml:"tts_enabled"`

	// RequestTimeoutSeconds bounds every outbound call. 0 disables the
	// timeout, matching the daemon dashboard's original behavior.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	Poll      PollConfig      `yaml:"poll"`
	Retention RetentionConfig `yaml:"retention"`
	Otel      otel.Config     `yaml:"otel"`
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout, zero meaning none.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		DaemonURL:             "http://localhost:7777",
		LogLevel:              "info",
		RequestTimeoutSeconds: 30,
		Poll: PollConfig{
			IntervalMS: 3000,
		},
		Retention: RetentionConfig{
			TranscriptDays: 90,
			SweepSchedule:  "0 3 * * *",
		},
	}
}

// HomeDir resolves the client home directory, honoring LASDASH_HOME.
func HomeDir() string {
	if override := os.Getenv("LASDASH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lasdash")
}

// Load reads config.yaml from the client home, applying defaults and env
// overrides. A missing file is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lasdash home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.DaemonURL = strings.TrimRight(strings.TrimSpace(cfg.DaemonURL), "/")
	if cfg.DaemonURL == "" {
		cfg.DaemonURL = "http://localhost:7777"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Poll.IntervalMS <= 0 {
		cfg.Poll.IntervalMS = 3000
	}
	if cfg.RequestTimeoutSeconds < 0 {
		cfg.RequestTimeoutSeconds = 0
	}
	if cfg.Retention.TranscriptDays < 0 {
		cfg.Retention.TranscriptDays = 0
	}
	if strings.TrimSpace(cfg.Retention.SweepSchedule) == "" {
		cfg.Retention.SweepSchedule = "0 3 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LASDASH_DAEMON_URL"); raw != "" {
		cfg.DaemonURL = raw
	}
	if raw := os.Getenv("LASDASH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LASDASH_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Poll.IntervalMS = v
		}
	}
	if raw := os.Getenv("LASDASH_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("LASDASH_TTS_ENABLED"); raw != "" {
		cfg.TTSEnabled = raw == "1" || strings.EqualFold(raw, "true")
	}
}
