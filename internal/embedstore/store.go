// Package embedstore provides deterministic, versioned embedding vectors for
// the cascade matcher.
//
// Vectors are cached under the key (sha256(text), model id, version lock) so
// that the same text always resolves to the same vector across restarts. On a
// cache miss the store calls its provider; if the provider's reported model
// version disagrees with the configured lock, the result is used for the
// current computation but NOT cached — a mismatched model must never poison
// the keyed cache (fail-closed determinism).
//
// Concurrent misses for the same key are coalesced with singleflight so a
// burst of identical inputs costs one provider call.
package embedstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/wittgen/lgdl/pkg/provider/embeddings"
)

// Key identifies one cached vector.
type Key struct {
	// TextHash is the lowercase hex sha256 of the embedded text.
	TextHash string

	// Model is the provider's model id.
	Model string

	// Version is the configured version lock the vector was produced under.
	Version string
}

// Cache is a persistent or in-memory vector cache. Implementations must be
// safe for concurrent use; writes must be durable at per-entry granularity
// for persistent backends.
type Cache interface {
	// Get returns the cached vector for key, reporting whether it was found.
	Get(ctx context.Context, key Key) ([]float32, bool, error)

	// Put stores vec under key, overwriting any existing entry.
	Put(ctx context.Context, key Key, vec []float32) error
}

// Store resolves texts to embedding vectors through the cache and provider.
// Safe for concurrent use.
type Store struct {
	provider    embeddings.Provider
	cache       Cache // nil disables caching
	versionLock string

	group singleflight.Group
}

// New creates a Store. cache may be nil to disable caching. When versionLock
// is empty it is pinned to the provider's currently reported model version.
func New(provider embeddings.Provider, cache Cache, versionLock string) *Store {
	if versionLock == "" {
		versionLock = provider.ModelVersion()
	}
	return &Store{provider: provider, cache: cache, versionLock: versionLock}
}

// VersionLock returns the configured version lock.
func (s *Store) VersionLock() string { return s.versionLock }

// Provider returns the underlying embedding provider.
func (s *Store) Provider() embeddings.Provider { return s.provider }

// Vector returns the embedding for text, consulting the cache first.
func (s *Store) Vector(ctx context.Context, text string) ([]float32, error) {
	key := s.keyFor(text)

	if s.cache != nil {
		vec, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			// A broken cache degrades to provider calls; it must not fail turns.
			slog.Warn("embedding cache read failed", "err", err, "model", key.Model)
		} else if ok {
			return vec, nil
		}
	}

	v, err, _ := s.group.Do(key.TextHash+"/"+key.Model+"/"+key.Version, func() (any, error) {
		vec, err := s.provider.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedstore: embed: %w", err)
		}

		if got := s.provider.ModelVersion(); got != s.versionLock {
			// Version drift: serve the vector but never cache it under the
			// locked key.
			slog.Warn("embedding model version mismatch; result not cached",
				"locked", s.versionLock, "reported", got, "model", s.provider.ModelID())
			return vec, nil
		}

		if s.cache != nil {
			if err := s.cache.Put(ctx, key, vec); err != nil {
				slog.Warn("embedding cache write failed", "err", err, "model", key.Model)
			}
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Similarity returns the cosine similarity between the embeddings of a and b.
func (s *Store) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := s.Vector(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := s.Vector(ctx, b)
	if err != nil {
		return 0, err
	}
	return embeddings.Cosine(va, vb), nil
}

// Warm pre-computes and caches vectors for texts (typically a game's trigger
// patterns at registration time). Errors are logged, not returned: warming is
// best-effort.
func (s *Store) Warm(ctx context.Context, texts []string) {
	for _, t := range texts {
		if _, err := s.Vector(ctx, t); err != nil {
			slog.Warn("embedding warm-up failed", "err", err)
			return
		}
	}
}

func (s *Store) keyFor(text string) Key {
	sum := sha256.Sum256([]byte(text))
	return Key{
		TextHash: hex.EncodeToString(sum[:]),
		Model:    s.provider.ModelID(),
		Version:  s.versionLock,
	}
}
