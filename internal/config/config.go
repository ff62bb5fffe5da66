// Package config loads and validates engine configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signvia/signflow/model"
)

// Config is the root engine configuration.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Session       SessionConfig       `yaml:"session"`
	OTP           OTPConfig           `yaml:"otp"`
	Capture       CaptureConfig       `yaml:"capture"`
	Liveness      LivenessConfig      `yaml:"liveness"`
	Render        RenderConfig        `yaml:"render"`
	Signature     SignatureConfig     `yaml:"signature"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BackendConfig describes the flow backend the engine talks to.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// SessionConfig describes where the flow session is persisted. The directory
// is scoped to a single browsing context; state must never leak across tabs.
type SessionConfig struct {
	StorageDir string `yaml:"storage_dir"`
	StorageKey string `yaml:"storage_key"`
}

// OTPConfig describes code entry settings.
type OTPConfig struct {
	Digits int `yaml:"digits"`
}

// CaptureConfig describes biometric capture settings.
type CaptureConfig struct {
	ContentType  string                     `yaml:"content_type"`
	Requirements []model.CaptureRequirement `yaml:"requirements"`
}

// LivenessConfig describes the guided instruction sequence.
type LivenessConfig struct {
	Sequence []model.LivenessInstruction `yaml:"sequence"`
}

// RenderConfig describes PDF render surface settings.
type RenderConfig struct {
	MinScale       float64       `yaml:"min_scale"`
	MaxScale       float64       `yaml:"max_scale"`
	ResizeDebounce time.Duration `yaml:"resize_debounce"`
}

// SignatureConfig describes the drawing pad.
type SignatureConfig struct {
	Width            int     `yaml:"width"`
	Height           int     `yaml:"height"`
	DevicePixelRatio float64 `yaml:"device_pixel_ratio"`
	LineWidth        float64 `yaml:"line_width"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes trace export settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout:       15 * time.Second,
			UploadTimeout: 60 * time.Second,
		},
		Session: SessionConfig{
			StorageKey: "signflow.session",
		},
		OTP: OTPConfig{
			Digits: 6,
		},
		Capture: CaptureConfig{
			ContentType:  "image/png",
			Requirements: model.DefaultCaptureOrder,
		},
		Liveness: LivenessConfig{
			Sequence: []model.LivenessInstruction{
				{Action: "look_straight", Duration: 3 * time.Second},
				{Action: "turn_left", Duration: 3 * time.Second},
				{Action: "turn_right", Duration: 3 * time.Second},
				{Action: "smile", Duration: 3 * time.Second},
				{Action: "look_up", Duration: 3 * time.Second},
			},
		},
		Render: RenderConfig{
			MinScale:       0.5,
			MaxScale:       3.0,
			ResizeDebounce: 120 * time.Millisecond,
		},
		Signature: SignatureConfig{
			Width:            480,
			Height:           200,
			DevicePixelRatio: 1.0,
			LineWidth:        2.5,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load when path is non-empty. With an empty
// path it returns defaults plus environment overrides, unvalidated, so the
// caller can merge its own overrides (flags) before validating.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Defaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		errs = append(errs, "otp.digits must be between 4 and 10")
	}
	if c.Render.MinScale <= 0 {
		errs = append(errs, "render.min_scale must be positive")
	}
	if c.Render.MaxScale < c.Render.MinScale {
		errs = append(errs, "render.max_scale must be >= render.min_scale")
	}
	if len(c.Capture.Requirements) == 0 {
		errs = append(errs, "capture.requirements must not be empty")
	}
	if len(c.Liveness.Sequence) == 0 {
		errs = append(errs, "liveness.sequence must not be empty")
	}
	for i, ins := range c.Liveness.Sequence {
		if ins.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("liveness.sequence[%d].duration must be positive", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SIGNFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNFLOW_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("SIGNFLOW_SESSION_STORAGE_DIR"); v != "" {
		cfg.Session.StorageDir = v
	}
	if v := os.Getenv("SIGNFLOW_OTP_DIGITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OTP.Digits = n
		}
	}
	if v := os.Getenv("SIGNFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SIGNFLOW_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Tracing.Enabled = b
		}
	}
}
