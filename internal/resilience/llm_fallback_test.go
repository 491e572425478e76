package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/wittgen/lgdl/pkg/provider/llm"
	llmmock "github.com/wittgen/lgdl/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		Responses: []llm.CompletionResponse{{Content: "hello from primary"}},
	}
	secondary := &llmmock.Provider{
		Responses: []llm.CompletionResponse{{Content: "hello from secondary"}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{
		Err: errors.New("primary down"),
	}
	secondary := &llmmock.Provider{
		Responses: []llm.CompletionResponse{{Content: "hello from secondary"}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Err: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{
		Responses: []llm.CompletionResponse{{Content: "ok"}},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	// Two failing calls trip the primary's breaker.
	for range 3 {
		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// The third call must not have touched the primary anymore.
	if primary.CallCount() != 2 {
		t.Fatalf("primary called %d times, want 2 before the breaker opened", primary.CallCount())
	}
	if secondary.CallCount() != 3 {
		t.Fatalf("secondary called %d times, want 3", secondary.CallCount())
	}
}

func TestLLMFallback_ModelID(t *testing.T) {
	primary := &llmmock.Provider{ModelIDValue: "primary-model"}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	if got := fb.ModelID(); got != "primary-model" {
		t.Fatalf("ModelID = %q, want primary-model", got)
	}
}
