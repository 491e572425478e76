package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Compile-time assertion that MockTransport satisfies Transport.
var _ Transport = (*MockTransport)(nil)

// MockTransport serves the contract's canned mock payloads instead of
// reaching a live service. Used in tests and in dev mode when a contract
// declares transport kind "mock". Every call is recorded.
type MockTransport struct {
	contract *Contract

	mu sync.Mutex

	// Calls records "service.function" per invocation, in order.
	Calls []string

	// Args records the payload of each call, parallel to Calls.
	Args []map[string]any

	// Err, when non-nil, is returned from every Call.
	Err error

	// Block, when non-nil, is closed by the test to release in-flight calls.
	// Lets timeout paths be exercised deterministically.
	Block chan struct{}
}

// NewMockTransport creates a transport serving contract's mock payloads.
func NewMockTransport(contract *Contract) *MockTransport {
	return &MockTransport{contract: contract}
}

// Call implements [Transport].
func (t *MockTransport) Call(ctx context.Context, service, function string, args map[string]any) (string, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, service+"."+function)
	t.Args = append(t.Args, args)
	err := t.Err
	block := t.Block
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	_, fn, cerr := t.contract.Function(service, function)
	if cerr != nil {
		return "", cerr
	}
	if len(fn.Mock) == 0 {
		return "", fmt.Errorf("mock transport: %s.%s declares no mock payload", service, function)
	}

	// A JSON string mock is returned as its bare text; anything else is
	// returned as compact JSON.
	var s string
	if jerr := json.Unmarshal(fn.Mock, &s); jerr == nil {
		return s, nil
	}
	return string(fn.Mock), nil
}

// CallCount returns the number of recorded calls.
func (t *MockTransport) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
