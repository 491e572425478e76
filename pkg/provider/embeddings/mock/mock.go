// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify which texts were submitted for embedding.
//
// Example:
//
//	p := &mock.Provider{
//	    Vectors: map[string][]float32{
//	        "i need an appointment": {1, 0, 0},
//	    },
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := p.Embed(ctx, "i need an appointment")
package mock

import (
	"context"
	"sync"

	"github.com/wittgen/lgdl/pkg/provider/embeddings"
)

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Vectors maps input text to the vector returned for it. Texts not in the
	// map fall back to EmbedResult.
	Vectors map[string][]float32

	// EmbedResult is returned by Embed for texts not found in Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// ModelVersionValue is returned by ModelVersion.
	ModelVersionValue string

	// --- Call records ---

	// EmbedCalls records every text passed to Embed, in order.
	EmbedCalls []string

	// EmbedBatchCalls records every slice passed to EmbedBatch, in order.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the configured vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if v, ok := p.Vectors[text]; ok {
		return v, nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns per-text configured vectors.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, append([]string(nil), texts...))
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := p.Vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = p.EmbedResult
		}
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// ModelVersion returns ModelVersionValue.
func (p *Provider) ModelVersion() string { return p.ModelVersionValue }

// CalledWith reports whether Embed was ever called with text.
func (p *Provider) CalledWith(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.EmbedCalls {
		if c == text {
			return true
		}
	}
	return false
}
