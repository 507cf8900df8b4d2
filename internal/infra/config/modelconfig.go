package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ModelConfig is the runtime model endpoint configuration. It is persisted
// as JSON and editable through the gateway while the service runs.
type ModelConfig struct {
	BaseURL     string    `json:"baseUrl"`
	APIKey      string    `json:"apiKey"`
	ModelName   string    `json:"modelName"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"maxTokens"`
	TimeoutMS   int64     `json:"timeoutMs"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsConfigured reports whether the config is complete enough to call the
// model endpoint.
func (c ModelConfig) IsConfigured() bool {
	return c.BaseURL != "" && c.APIKey != "" && c.ModelName != ""
}

// Timeout returns the per-call timeout as a duration.
func (c ModelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ModelConfigPatch is a partial update to the model config. Nil fields are
// left unchanged.
type ModelConfigPatch struct {
	BaseURL     *string  `json:"baseUrl,omitempty"`
	APIKey      *string  `json:"apiKey,omitempty"`
	ModelName   *string  `json:"modelName,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	TimeoutMS   *int64   `json:"timeoutMs,omitempty"`
}

// ModelConfigSummary is the redacted view of the model config. The API key
// never leaves the process; only its presence is reported.
type ModelConfigSummary struct {
	BaseURL      string    `json:"baseUrl"`
	ModelName    string    `json:"modelName"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"maxTokens"`
	TimeoutMS    int64     `json:"timeoutMs"`
	HasAPIKey    bool      `json:"hasApiKey"`
	IsConfigured bool      `json:"isConfigured"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DefaultModelConfig returns the model config used before any operator
// customization. The API key is intentionally empty; the service refuses
// model calls until one is provided.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		BaseURL:     "https://api.deepseek.com",
		APIKey:      "",
		ModelName:   "deepseek-chat",
		Temperature: 0.7,
		MaxTokens:   2000,
		TimeoutMS:   30000,
	}
}

// ModelService owns the durable model config: a JSON file on disk fronted
// by a TTL cache so hot-path reads avoid filesystem traffic.
type ModelService struct {
	path     string
	cacheTTL time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	cached   ModelConfig
	loadedAt time.Time
}

// NewModelService creates a ModelService persisting to path.
func NewModelService(path string, cacheTTL time.Duration, logger *slog.Logger) *ModelService {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &ModelService{path: path, cacheTTL: cacheTTL, logger: logger}
}

// Get returns the current model config, reading from disk when the cache
// has expired. A missing or corrupt file falls back to defaults.
func (s *ModelService) Get() ModelConfig {
	s.mu.RLock()
	if !s.loadedAt.IsZero() && time.Since(s.loadedAt) < s.cacheTTL {
		cfg := s.cached
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()
	return s.Refresh()
}

// Refresh reloads the model config from disk, bypassing the cache.
func (s *ModelService) Refresh() ModelConfig {
	cfg := s.loadFromDisk()

	s.mu.Lock()
	s.cached = cfg
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return cfg
}

func (s *ModelService) loadFromDisk() ModelConfig {
	cfg := DefaultModelConfig()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("model config unreadable, using defaults",
				"path", s.path, "error", err)
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn("model config corrupt, using defaults",
			"path", s.path, "error", err)
		return DefaultModelConfig()
	}

	key, err := DecryptValue(cfg.APIKey)
	if err != nil {
		s.logger.Error("model config api key undecryptable", "error", err)
		cfg.APIKey = ""
		return cfg
	}
	cfg.APIKey = key
	return cfg
}

// Update applies a partial patch to the model config and persists the
// result atomically. Returns the updated config.
func (s *ModelService) Update(patch ModelConfigPatch) (ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.loadFromDisk()

	if patch.BaseURL != nil {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(*patch.BaseURL), "/")
	}
	if patch.APIKey != nil {
		cfg.APIKey = strings.TrimSpace(*patch.APIKey)
	}
	if patch.ModelName != nil {
		// A blank name restores the default instead of wedging the service
		// into a permanently incomplete config.
		cfg.ModelName = strings.TrimSpace(*patch.ModelName)
		if cfg.ModelName == "" {
			cfg.ModelName = DefaultModelConfig().ModelName
		}
	}
	if patch.Temperature != nil {
		if *patch.Temperature < 0 || *patch.Temperature > 2 {
			return ModelConfig{}, fmt.Errorf("temperature must be in [0, 2], got %g", *patch.Temperature)
		}
		cfg.Temperature = *patch.Temperature
	}
	if patch.MaxTokens != nil {
		if *patch.MaxTokens <= 0 {
			return ModelConfig{}, fmt.Errorf("maxTokens must be positive, got %d", *patch.MaxTokens)
		}
		cfg.MaxTokens = *patch.MaxTokens
	}
	if patch.TimeoutMS != nil {
		if *patch.TimeoutMS <= 0 {
			return ModelConfig{}, fmt.Errorf("timeoutMs must be positive, got %d", *patch.TimeoutMS)
		}
		cfg.TimeoutMS = *patch.TimeoutMS
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.persist(cfg); err != nil {
		return ModelConfig{}, err
	}

	s.cached = cfg
	s.loadedAt = time.Now()
	return cfg, nil
}

// Reset discards any operator customization and persists the defaults. The
// API key is cleared; model calls are refused until a new one is provided.
func (s *ModelService) Reset() (ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := DefaultModelConfig()
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.persist(cfg); err != nil {
		return ModelConfig{}, err
	}

	s.cached = cfg
	s.loadedAt = time.Now()
	return cfg, nil
}

// persist writes the config via a temp file and rename so a crash mid-write
// never leaves a truncated config behind. Caller holds s.mu.
func (s *ModelService) persist(cfg ModelConfig) error {
	onDisk := cfg
	enc, err := EncryptValue(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	onDisk.APIKey = enc

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write model config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod model config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace model config: %w", err)
	}
	return nil
}

// Summary returns the redacted view of the current config.
func (s *ModelService) Summary() ModelConfigSummary {
	cfg := s.Get()
	return ModelConfigSummary{
		BaseURL:      cfg.BaseURL,
		ModelName:    cfg.ModelName,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		TimeoutMS:    cfg.TimeoutMS,
		HasAPIKey:    cfg.APIKey != "",
		IsConfigured: cfg.IsConfigured(),
		UpdatedAt:    cfg.UpdatedAt,
	}
}
