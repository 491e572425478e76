package embeddings_test

import (
	"context"
	"math"
	"testing"

	"github.com/wittgen/lgdl/pkg/provider/embeddings"
)

func TestOfflineVector_Deterministic(t *testing.T) {
	a := embeddings.OfflineVector("I need to see Dr. Smith")
	b := embeddings.OfflineVector("I need to see Dr. Smith")
	if len(a) != embeddings.OfflineDimensions {
		t.Fatalf("dimensions = %d, want %d", len(a), embeddings.OfflineDimensions)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestOfflineVector_NormalisationInvariance(t *testing.T) {
	a := embeddings.OfflineVector("I need   an APPOINTMENT")
	b := embeddings.OfflineVector("i need an appointment")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("case and whitespace differences must not perturb the projection")
		}
	}
}

func TestOfflineVector_UnitNorm(t *testing.T) {
	v := embeddings.OfflineVector("schedule a visit")
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("squared norm = %v, want 1", sum)
	}
}

func TestOfflineVector_EmptyInput(t *testing.T) {
	v := embeddings.OfflineVector("")
	for _, x := range v {
		if x != 0 {
			t.Fatal("empty input must produce the zero vector")
		}
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := embeddings.Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("Cosine(a,a) = %v, want 1", got)
	}
	if got := embeddings.Cosine(a, b); got != 0 {
		t.Errorf("Cosine(a,b) = %v, want 0", got)
	}
	if got := embeddings.Cosine(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths must score 0, got %v", got)
	}
}

func TestOffline_SimilarTextsScoreHigherThanUnrelated(t *testing.T) {
	ctx := context.Background()
	p := embeddings.NewOffline()
	base, _ := p.Embed(ctx, "I need to see a doctor")
	near, _ := p.Embed(ctx, "I need to see the doctor today")
	far, _ := p.Embed(ctx, "quarterly revenue projections spreadsheet")

	if embeddings.Cosine(base, near) <= embeddings.Cosine(base, far) {
		t.Error("related text should score higher than unrelated text")
	}
}
