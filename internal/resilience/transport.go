package resilience

import (
	"context"

	"github.com/wittgen/lgdl/internal/capability"
)

// BreakerTransport wraps a [capability.Transport] with a circuit breaker so a
// flapping capability service stops consuming turn deadlines. While the
// breaker is open every call fails fast with [ErrCircuitOpen], which the
// invoker maps to a failed capability result.
type BreakerTransport struct {
	inner   capability.Transport
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ capability.Transport = (*BreakerTransport)(nil)

// NewBreakerTransport wraps inner. Zero-value config fields get the breaker
// defaults.
func NewBreakerTransport(inner capability.Transport, cfg CircuitBreakerConfig) *BreakerTransport {
	if cfg.Name == "" {
		cfg.Name = "capability"
	}
	return &BreakerTransport{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Call forwards to the wrapped transport when the breaker allows it.
func (t *BreakerTransport) Call(ctx context.Context, service, function string, args map[string]any) (string, error) {
	var out string
	err := t.breaker.Execute(func() error {
		var callErr error
		out, callErr = t.inner.Call(ctx, service, function, args)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// State exposes the breaker state for health reporting.
func (t *BreakerTransport) State() State {
	return t.breaker.State()
}
