// Package mock provides a test double for the llm.Provider interface.
//
// Responses can be scripted per call; the mock records every request so tests
// can assert on prompt contents and call counts.
package mock

import (
	"context"
	"sync"

	"github.com/wittgen/lgdl/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses are returned in order, one per Complete call. When the script
	// runs out, the last entry repeats.
	Responses []llm.CompletionResponse

	// Err, if non-nil, is returned as the error from every Complete call.
	Err error

	// ModelIDValue is returned by ModelID. Defaults to "mock-model".
	ModelIDValue string

	// --- Call records ---

	// Requests records every request passed to Complete, in order.
	Requests []llm.CompletionRequest
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	idx := len(p.Requests) - 1
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	resp := p.Responses[idx]
	return &resp, nil
}

// ModelID returns ModelIDValue, defaulting to "mock-model".
func (p *Provider) ModelID() string {
	if p.ModelIDValue == "" {
		return "mock-model"
	}
	return p.ModelIDValue
}

// CallCount returns the number of Complete calls made so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
