package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation failures so the user sees
// everything wrong in one pass instead of fixing errors one at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Add records a validation problem.
func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Empty reports whether no problems were recorded.
func (e *ValidationError) Empty() bool { return len(e.Problems) == 0 }

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

var validTracerExporters = map[string]bool{
	"noop": true, "stdout": true,
}

// Validate checks the full config and returns a ValidationError listing
// every problem found, or nil when the config is usable.
func Validate(cfg *Config) error {
	verr := &ValidationError{}

	if cfg.Gateway.Addr == "" {
		verr.Add("gateway.addr must not be empty")
	}
	if cfg.Gateway.RateLimit.Enabled {
		if cfg.Gateway.RateLimit.RequestsPerMin <= 0 {
			verr.Add("gateway.rate_limit.requests_per_min must be positive, got %d",
				cfg.Gateway.RateLimit.RequestsPerMin)
		}
		if cfg.Gateway.RateLimit.Burst <= 0 {
			verr.Add("gateway.rate_limit.burst must be positive, got %d",
				cfg.Gateway.RateLimit.Burst)
		}
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			verr.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}

	if !validLogLevels[cfg.Logger.Level] {
		verr.Add("logger.level must be one of debug|info|warn|error, got %q", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		verr.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}

	if cfg.Tracer.Enabled && !validTracerExporters[cfg.Tracer.Exporter] {
		verr.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}

	if cfg.Model.Path == "" {
		verr.Add("model.path must not be empty")
	}
	if cfg.Model.CacheTTL <= 0 {
		verr.Add("model.cache_ttl must be positive, got %s", cfg.Model.CacheTTL)
	}

	if cfg.Orchestrator.HistoryWindow <= 0 {
		verr.Add("orchestrator.history_window must be positive, got %d",
			cfg.Orchestrator.HistoryWindow)
	}
	if cfg.Orchestrator.MaxConcurrentExperts <= 0 {
		verr.Add("orchestrator.max_concurrent_experts must be positive, got %d",
			cfg.Orchestrator.MaxConcurrentExperts)
	}

	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			verr.Add("history.path must not be empty when history is enabled")
		}
		if cfg.History.MaxAge <= 0 {
			verr.Add("history.max_age must be positive, got %s", cfg.History.MaxAge)
		}
	}

	if verr.Empty() {
		return nil
	}
	return verr
}
