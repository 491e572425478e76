// Package llm defines the Provider interface for Large Language Model backends.
//
// The LGDL runtime uses LLMs in exactly one place: the cascade matcher's
// semantic stage, which asks a model to judge how well a user utterance fits a
// trigger pattern and to return a structured confidence assessment. The
// interface is therefore deliberately small — a single non-streaming
// completion call with token accounting for cost gating.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. The cascade's cost
// gate multiplies these counts by configured per-token prices.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []Message

	// Temperature controls output randomness. The matcher always requests 0
	// for reproducible judgements.
	Temperature float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int

	// JSONOnly asks the backend for a JSON-object response where supported.
	// Backends without native JSON mode may ignore this; callers must still
	// parse defensively.
	JSONOnly bool
}

// CompletionResponse is the full model reply.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response. Returns an error if
	// the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backing model identifier, used in logs and cost
	// accounting.
	ModelID() string
}
