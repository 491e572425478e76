package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// OfflineDimensions is the fixed dimensionality of the offline vectorizer.
const OfflineDimensions = 256

// Offline is the built-in fallback vectorizer: a character-bigram TF-IDF
// projection into a 256-dimensional space, L2-normalised.
//
// It exists so that the cascade's embedding stage keeps producing
// deterministic similarity scores when no embedding API is configured or
// reachable. The projection is bit-reproducible: for the same input it yields
// the same vector on every platform and in every process, which the embedding
// cache and the runtime's restart-determinism guarantees rely on.
//
// Corpus-level document frequencies are not available offline, so the IDF
// term is a fixed smoothed weight derived from each bigram's hash. The
// resulting space is crude next to a learned model but monotone enough for
// threshold-based gating.
type Offline struct{}

// Compile-time assertion that Offline satisfies the Provider interface.
var _ Provider = Offline{}

// NewOffline returns the offline vectorizer.
func NewOffline() Offline { return Offline{} }

// Embed implements [Provider]. It never fails and ignores ctx: the projection
// is pure CPU work.
func (Offline) Embed(_ context.Context, text string) ([]float32, error) {
	return OfflineVector(text), nil
}

// EmbedBatch implements [Provider].
func (o Offline) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = OfflineVector(t)
	}
	return out, nil
}

// Dimensions implements [Provider].
func (Offline) Dimensions() int { return OfflineDimensions }

// ModelID implements [Provider].
func (Offline) ModelID() string { return "offline-bigram" }

// ModelVersion implements [Provider]. Bump this constant whenever the
// projection changes: cached vectors keyed under the old version must not be
// reused.
func (Offline) ModelVersion() string { return "1" }

// OfflineVector computes the offline projection directly.
//
// Pipeline: lowercase and collapse whitespace, pad with sentinels, bucket
// every character bigram into one of 256 dimensions via FNV-1a, weight each
// bucket with sublinear term frequency times the bigram's fixed IDF weight,
// then L2-normalise. All arithmetic is float64 until the final conversion, so
// results do not depend on platform float32 accumulation order.
func OfflineVector(text string) []float32 {
	norm := normalizeOffline(text)
	acc := make([]float64, OfflineDimensions)

	counts := make(map[string]int)
	padded := "\x02" + norm + "\x03"
	runes := []rune(padded)
	for i := 0; i+1 < len(runes); i++ {
		counts[string(runes[i:i+2])]++
	}

	// Accumulate in sorted bigram order: float addition is not associative,
	// and map iteration order would otherwise perturb low-order bits between
	// runs.
	bigrams := make([]string, 0, len(counts))
	for b := range counts {
		bigrams = append(bigrams, b)
	}
	sort.Strings(bigrams)

	for _, bigram := range bigrams {
		n := counts[bigram]
		h := fnv.New32a()
		h.Write([]byte(bigram))
		sum := h.Sum32()
		idx := int(sum % OfflineDimensions)
		// Fixed pseudo-IDF in [0.5, 1.5) derived from the hash's upper bits.
		idf := 0.5 + float64(sum>>8&0xFF)/256.0
		// Sign bit spreads bigrams across both half-spaces, which keeps the
		// projection closer to zero-mean.
		sign := 1.0
		if sum>>16&1 == 1 {
			sign = -1.0
		}
		acc[idx] += sign * (1 + math.Log(float64(n))) * idf
	}

	var norm2 float64
	for _, v := range acc {
		norm2 += v * v
	}
	out := make([]float32, OfflineDimensions)
	if norm2 == 0 {
		return out
	}
	inv := 1 / math.Sqrt(norm2)
	for i, v := range acc {
		out[i] = float32(v * inv)
	}
	return out
}

// normalizeOffline lowercases and collapses runs of whitespace to single
// spaces so that formatting differences do not perturb the projection.
func normalizeOffline(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
