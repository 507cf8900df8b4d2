package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Model        ModelStoreConfig   `yaml:"model"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	History      HistoryConfig      `yaml:"history"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// ModelStoreConfig locates the durable model endpoint configuration and
// controls its in-memory cache.
type ModelStoreConfig struct {
	Path            string        `yaml:"path"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshSchedule string        `yaml:"refresh_schedule"` // cron spec for the background refresh
}

// OrchestratorConfig holds dialogue pipeline tuning.
type OrchestratorConfig struct {
	HistoryWindow        int `yaml:"history_window"`
	MaxConcurrentExperts int `yaml:"max_concurrent_experts"`
}

// HistoryConfig holds orchestration run history settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	MaxAge        time.Duration `yaml:"max_age"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// defaultDataDir returns the persistent data directory under $HOME/.niolab.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".niolab")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			Addr: ":8090",
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Model: ModelStoreConfig{
			Path:            filepath.Join(dataDir, "model-config.json"),
			CacheTTL:        time.Minute,
			RefreshSchedule: "@every 1m",
		},
		Orchestrator: OrchestratorConfig{
			HistoryWindow:        6,
			MaxConcurrentExperts: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "runs.db"),
			MaxAge:        90 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps NIOLAB_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIOLAB_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("NIOLAB_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens,
			TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("NIOLAB_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("NIOLAB_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("NIOLAB_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("NIOLAB_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("NIOLAB_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("NIOLAB_MODEL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Model.CacheTTL = d
		}
	}
	if v := os.Getenv("NIOLAB_HISTORY_ENABLED"); v == "false" {
		cfg.History.Enabled = false
	}
	if v := os.Getenv("NIOLAB_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("NIOLAB_ORCHESTRATOR_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.HistoryWindow = n
		}
	}
	if v := os.Getenv("NIOLAB_ORCHESTRATOR_MAX_CONCURRENT_EXPERTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxConcurrentExperts = n
		}
	}
}

// validatePermissions rejects world-readable config files, which may carry
// auth tokens. Skipped on Windows where unix permission bits are meaningless.
func validatePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		return fmt.Errorf("config file %s is world-readable; run: chmod 600 %s", path, path)
	}
	return nil
}
