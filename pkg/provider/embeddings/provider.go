// Package embeddings defines the Provider interface for vector embedding backends.
//
// The cascade matcher's embedding stage compares user input against trigger
// patterns in vector space. Providers wrap a remote embedding API (OpenAI) or
// the built-in offline vectorizer; the embedding store (internal/embedstore)
// caches their output keyed by text hash, model id, and version lock.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"math"
)

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the dimensionality
// reported by Dimensions. Vectors from different providers, or from different
// model versions of the same provider, must never be mixed in one similarity
// computation — the embedding store enforces this through its cache key.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or
	// ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one provider call. The
	// returned slice has the same length as texts; the i-th element corresponds
	// to texts[i]. Partial results are not returned — on error the whole slice
	// is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g. "text-embedding-3-small" or "offline-bigram").
	ModelID() string

	// ModelVersion returns the model version the provider reports for its
	// current output. The embedding store compares this against its configured
	// version lock and treats mismatches as cache misses.
	ModelVersion() string
}

// Cosine returns the cosine similarity of two vectors. Vectors of unequal
// length score 0. Inputs are not required to be unit-normalised.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
