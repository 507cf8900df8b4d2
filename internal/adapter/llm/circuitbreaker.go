package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"niolab/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// CircuitBreakerInvoker wraps an Invoker with circuit breaker protection.
// When the model endpoint fails repeatedly, the circuit opens and subsequent
// calls fail fast without reaching the endpoint, preventing retry storms
// against a dead upstream.
type CircuitBreakerInvoker struct {
	inner   Invoker
	breaker *gobreaker.CircuitBreaker[*Completion]
	logger  *slog.Logger
}

// NewCircuitBreakerInvoker wraps inner with a circuit breaker.
// Zero-valued cfg fields fall back to defaults.
func NewCircuitBreakerInvoker(inner Invoker, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerInvoker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*Completion](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// An unconfigured endpoint never reaches the network, so it
			// must not count against the upstream.
			return err == nil || errors.Is(err, domain.ErrConfigIncomplete)
		},
	})

	return &CircuitBreakerInvoker{inner: inner, breaker: cb, logger: logger}
}

// Invoke implements Invoker. Calls are routed through the circuit breaker.
func (b *CircuitBreakerInvoker) Invoke(ctx context.Context, messages []domain.Message, opts InvokeOptions) (*Completion, error) {
	resp, err := b.breaker.Execute(func() (*Completion, error) {
		return b.inner.Invoke(ctx, messages, opts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open: %s", domain.ErrUpstream, err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerInvoker) State() gobreaker.State {
	return b.breaker.State()
}

var _ Invoker = (*CircuitBreakerInvoker)(nil)
