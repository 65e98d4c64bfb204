// Package config resolves Complex Editor bridge connection settings from
// layered sources: a settings file, an optional .env file, process
// environment variables, and per-call overrides. Later layers win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is used when no layer configures a bridge address.
const DefaultBaseURL = "http://127.0.0.1:8765"

// DefaultTimeout is the per-request timeout fallback.
const DefaultTimeout = 10 * time.Second

// Error reports a structurally invalid configuration value. Missing optional
// values (token, non-default timeout) are not errors.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config is the merged view of all configuration layers.
type Config struct {
	Bridge  BridgeConfig
	Export  ExportConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

// BridgeConfig holds connection and supervision settings for the CE bridge.
type BridgeConfig struct {
	BaseURL               string   `yaml:"base_url"`
	AuthToken             string   `yaml:"auth_token"`
	RequestTimeoutSeconds float64  `yaml:"request_timeout_seconds"`
	AutoStart             *bool    `yaml:"auto_start"`
	AllowHeadless         bool     `yaml:"allow_headless"`
	ExePath               string   `yaml:"exe_path"`
	FallbackCommand       []string `yaml:"fallback_command"`
}

// ExportConfig holds export artifact destinations.
type ExportConfig struct {
	OutDir string `yaml:"out_dir"`
	// ReportURL is a gocloud blob URL for skip reports, e.g.
	// "file:///var/exports" or "s3://bom-reports?region=us-east-1".
	ReportURL string `yaml:"report_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus scrape settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type settingsFile struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Export  ExportConfig  `yaml:"export"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Load reads the settings file at path (missing file is not an error), layers
// an optional .env file and process environment on top, and returns the
// merged configuration.
func Load(path string) (Config, error) {
	cfg := Config{
		Bridge: BridgeConfig{
			BaseURL:               DefaultBaseURL,
			RequestTimeoutSeconds: DefaultTimeout.Seconds(),
		},
		Export: ExportConfig{
			OutDir:    "./exports",
			ReportURL: "file://./exports",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9187"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var file settingsFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return Config{}, fmt.Errorf("parse settings %s: %w", path, err)
			}
			mergeSettings(&cfg, file)
		case os.IsNotExist(err):
			// No settings file: environment and defaults apply.
		default:
			return Config{}, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	// Best effort; a missing .env simply means the environment stands alone.
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg, nil
}

func mergeSettings(cfg *Config, file settingsFile) {
	if v := strings.TrimSpace(file.Bridge.BaseURL); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := strings.TrimSpace(file.Bridge.AuthToken); v != "" {
		cfg.Bridge.AuthToken = v
	}
	if file.Bridge.RequestTimeoutSeconds > 0 {
		cfg.Bridge.RequestTimeoutSeconds = file.Bridge.RequestTimeoutSeconds
	}
	if file.Bridge.AutoStart != nil {
		cfg.Bridge.AutoStart = file.Bridge.AutoStart
	}
	cfg.Bridge.AllowHeadless = file.Bridge.AllowHeadless
	if v := strings.TrimSpace(file.Bridge.ExePath); v != "" {
		cfg.Bridge.ExePath = v
	}
	if len(file.Bridge.FallbackCommand) > 0 {
		cfg.Bridge.FallbackCommand = file.Bridge.FallbackCommand
	}
	if v := strings.TrimSpace(file.Export.OutDir); v != "" {
		cfg.Export.OutDir = v
	}
	if v := strings.TrimSpace(file.Export.ReportURL); v != "" {
		cfg.Export.ReportURL = v
	}
	if v := strings.TrimSpace(file.Logging.Level); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(file.Logging.Format); v != "" {
		cfg.Logging.Format = v
	}
	if file.Metrics.Enabled {
		cfg.Metrics.Enabled = true
	}
	if v := strings.TrimSpace(file.Metrics.Address); v != "" {
		cfg.Metrics.Address = v
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CE_BRIDGE_URL"); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := os.Getenv("CE_AUTH_TOKEN"); v != "" {
		cfg.Bridge.AuthToken = v
	}
	if v := os.Getenv("CE_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.Bridge.RequestTimeoutSeconds = parsed
		}
	}
	if v := os.Getenv("CE_AUTO_START"); v != "" {
		b := envTruthy(v)
		cfg.Bridge.AutoStart = &b
	}
	if v := os.Getenv("CE_ALLOW_HEADLESS"); v != "" {
		cfg.Bridge.AllowHeadless = envTruthy(v)
	}
	if v := os.Getenv("CE_EXE_PATH"); v != "" {
		cfg.Bridge.ExePath = v
	}
	if v := os.Getenv("CE_EXPORT_OUT_DIR"); v != "" {
		cfg.Export.OutDir = v
	}
	if v := os.Getenv("CE_REPORT_URL"); v != "" {
		cfg.Export.ReportURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = envTruthy(v)
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
}

func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// AutoStartEnabled reports whether the supervisor may launch the bridge
// process. Defaults to true when unset.
func (b BridgeConfig) AutoStartEnabled() bool {
	if b.AutoStart == nil {
		return true
	}
	return *b.AutoStart
}

// Timeout returns the per-request timeout as a duration, clamped to a sane
// lower bound.
func (b BridgeConfig) Timeout() time.Duration {
	if b.RequestTimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(b.RequestTimeoutSeconds * float64(time.Second))
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}
