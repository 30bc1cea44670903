// Package config loads and hot-reloads the gateway's configuration:
// koanf composes a YAML file with environment overrides, then
// go-playground/validator checks the result.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration object.
type Config struct {
	Server   ServerConfig   `koanf:"server" validate:"required"`
	Security SecurityConfig `koanf:"security" validate:"required"`
	Masking  MaskingConfig  `koanf:"masking"`
	WAL      WALConfig      `koanf:"wal" validate:"required"`
	Loki     LokiConfig     `koanf:"loki" validate:"required"`
}

type ServerConfig struct {
	Host     string `koanf:"host" validate:"required"`
	Port     string `koanf:"port" validate:"required"`
	LogLevel string `koanf:"log_level" validate:"required"`
}

type SecurityConfig struct {
	RateLimitRPS   float64        `koanf:"rate_limit_rps" validate:"required,gt=0"`
	RateLimitBurst int            `koanf:"rate_limit_burst" validate:"required,gt=0"`
	AdminToken     string         `koanf:"admin_token" validate:"required"`
	APIKeys        []APIKeyConfig `koanf:"api_keys"`
}

// APIKeyConfig is one entry of security.api_keys[].
type APIKeyConfig struct {
	Token     string             `koanf:"token" validate:"required"`
	Name      string             `koanf:"name" validate:"required"`
	Active    *bool              `koanf:"active"`
	Overrides TokenOverrides     `koanf:"overrides"`
}

// TokenOverrides holds per-token rate and masking overrides.
type TokenOverrides struct {
	RateLimitRPS   float64  `koanf:"rate_limit_rps"`
	RateLimitBurst int      `koanf:"rate_limit_burst"`
	ExtraMaskKeys  []string `koanf:"extra_mask_keys"`
}

// MaskingConfig is masking.*.
type MaskingConfig struct {
	BaselineKeys       []string                 `koanf:"baseline_keys"`
	PartialRules       map[string]PartialRule   `koanf:"partial_rules"`
	PerTokenOverrides  map[string]TokenOverrides `koanf:"per_token_overrides"`
}

// PartialRule is one masking.partial_rules{} entry.
type PartialRule struct {
	KeepPrefix int  `koanf:"keep_prefix"`
	MaskEmail  bool `koanf:"mask_email"`
}

// WALConfig is wal.*.
type WALConfig struct {
	RootPath                 string `koanf:"root_path" validate:"required"`
	SegmentMaxBytes          int64  `koanf:"segment_max_bytes"`
	TokenWALQuotaBytes       int64  `koanf:"token_wal_quota_bytes" validate:"required,gt=0"`
	TokenWALQuotaAgeHours    int    `koanf:"token_wal_quota_age_hours" validate:"required,gt=0"`
	DiskFreeMinRatio         float64 `koanf:"disk_free_min_ratio"`
	RotationTimeActiveMinutes int   `koanf:"rotation_time_active_minutes"`
	RotationTimeIdleHours     int   `koanf:"rotation_time_idle_hours"`
	IdleThresholdMinutes      int   `koanf:"idle_threshold_minutes"`
	MinRotationBytes          int64 `koanf:"min_rotation_bytes"`
	ForceRotationHours        int   `koanf:"force_rotation_hours"`
}

// LokiConfig is loki.*.
type LokiConfig struct {
	BaseURL          string  `koanf:"base_url" validate:"required"`
	AuthToken        string  `koanf:"auth_token"`
	TimeoutSeconds   int     `koanf:"timeout_seconds"`
	MaxRetries       int     `koanf:"max_retries"`
	BackoffSeconds   []int   `koanf:"backoff_seconds"`
	ParkSeconds      int     `koanf:"park_seconds"`
	MaxValuesPerPush int     `koanf:"max_values_per_push"`
	MaxBytesPerPush  int     `koanf:"max_bytes_per_push"`
}

// applyDefaults fills the wal.*/loki.* defaults when the operator's
// file leaves them unset (koanf gives us zero values, which for these
// fields is never a sane setting).
func (c *Config) applyDefaults() {
	if c.WAL.SegmentMaxBytes == 0 {
		c.WAL.SegmentMaxBytes = 128 << 20
	}
	if c.WAL.DiskFreeMinRatio == 0 {
		c.WAL.DiskFreeMinRatio = 0.20
	}
	if c.WAL.RotationTimeActiveMinutes == 0 {
		c.WAL.RotationTimeActiveMinutes = 5
	}
	if c.WAL.RotationTimeIdleHours == 0 {
		c.WAL.RotationTimeIdleHours = 1
	}
	if c.WAL.IdleThresholdMinutes == 0 {
		c.WAL.IdleThresholdMinutes = 10
	}
	if c.WAL.MinRotationBytes == 0 {
		c.WAL.MinRotationBytes = 64 * 1024
	}
	if c.WAL.ForceRotationHours == 0 {
		c.WAL.ForceRotationHours = 6
	}
	if c.Loki.TimeoutSeconds == 0 {
		c.Loki.TimeoutSeconds = 30
	}
	if c.Loki.MaxRetries == 0 {
		c.Loki.MaxRetries = 3
	}
	if len(c.Loki.BackoffSeconds) == 0 {
		c.Loki.BackoffSeconds = []int{5, 10, 20}
	}
	if c.Loki.ParkSeconds == 0 {
		c.Loki.ParkSeconds = 60
	}
	if c.Loki.MaxValuesPerPush == 0 {
		c.Loki.MaxValuesPerPush = 5000
	}
	if c.Loki.MaxBytesPerPush == 0 {
		c.Loki.MaxBytesPerPush = 4 << 20
	}
}

// Load reads path (YAML) then overlays LOGSTACK_-prefixed environment
// variables. The file provider gives SIGHUP something on disk to
// re-read; the env provider lets deployments override individual
// fields without touching the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	// The first underscore after the prefix separates the section from
	// the field: LOGSTACK_SERVER_LOG_LEVEL becomes server.log_level.
	err := k.Load(env.Provider("LOGSTACK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LOGSTACK_")), "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.applyDefaults()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// LoadFromEnvOnly is used by tests and by callers that don't want a
// config file on disk (e.g. unit tests exercising a single component).
func LoadFromEnvOnly() (*Config, error) {
	if os.Getenv("LOGSTACK_WAL_ROOT_PATH") == "" {
		return nil, fmt.Errorf("config: LOGSTACK_WAL_ROOT_PATH not set")
	}
	return Load("")
}

// IsActive reports whether an APIKeyConfig is active; nil Active
// defaults to true, since a pointer bool is only worth its complexity
// where "unset" must be distinguishable from "false".
func (a APIKeyConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}
