package learning_test

import (
	"context"
	"testing"

	"github.com/wittgen/lgdl/internal/learning"
	"github.com/wittgen/lgdl/internal/learning/memory"
	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/pkg/lgerr"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestObserve_NegotiatedLowConfidenceSuccessProposesPattern(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := learning.New(store, true)

	err := e.Observe(ctx, learning.Interaction{
		GameID:      "medical",
		UserInput:   "my head is killing me",
		MatchedMove: "report_symptom",
		Confidence:  0.72,
		Outcome:     learning.OutcomeSuccess,
		Negotiation: &learning.NegotiationMeta{Rounds: 2, Reason: "threshold_met", FinalScore: 0.81},
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	pending, err := e.Pending(ctx, "medical")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d proposals, want 1", len(pending))
	}
	p := pending[0]
	if p.Kind != learning.KindPattern || p.MoveID != "report_symptom" || p.Pattern != "my head is killing me" {
		t.Errorf("proposal = %+v", p)
	}
	if p.Status != learning.StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
}

func TestObserve_ConfidentSuccessProposesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := learning.New(store, true)

	err := e.Observe(ctx, learning.Interaction{
		GameID:      "medical",
		UserInput:   "I need to see Dr. Smith",
		MatchedMove: "appointment_request",
		Confidence:  0.95,
		Outcome:     learning.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	pending, _ := e.Pending(ctx, "medical")
	if len(pending) != 0 {
		t.Errorf("confident match must not raise proposals, got %d", len(pending))
	}
	if got := len(store.Interactions()); got != 1 {
		t.Errorf("interaction log = %d entries, want 1", got)
	}
}

func TestObserve_RepeatedUnmatchedInputProposesVocabularyOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := learning.New(store, true, learning.WithVocabularyEvidence(3))

	// Recurrence counting folds case and whitespace.
	for _, input := range []string{"cephalgia", "Cephalgia", "  cephalgia  ", "cephalgia"} {
		err := e.Observe(ctx, learning.Interaction{
			GameID:    "medical",
			UserInput: input,
			Outcome:   learning.OutcomeUnmatched,
		})
		if err != nil {
			t.Fatalf("Observe(%q): %v", input, err)
		}
	}

	pending, _ := e.Pending(ctx, "medical")
	if len(pending) != 1 {
		t.Fatalf("pending = %d proposals, want exactly 1", len(pending))
	}
	p := pending[0]
	if p.Kind != learning.KindVocabulary || p.Evidence != 3 {
		t.Errorf("proposal = %+v", p)
	}
}

func TestObserve_DisabledEngineIsInert(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := learning.New(store, false)

	err := e.Observe(ctx, learning.Interaction{
		GameID:    "medical",
		UserInput: "cephalgia",
		Outcome:   learning.OutcomeUnmatched,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if got := len(store.Interactions()); got != 0 {
		t.Errorf("disabled engine recorded %d interactions", got)
	}
}

func TestSetEnabled_TogglesIntakeAtRuntime(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := learning.New(store, false)

	lowConfidence := func(input string) learning.Interaction {
		return learning.Interaction{
			GameID:      "medical",
			UserInput:   input,
			MatchedMove: "report_symptom",
			Confidence:  0.7,
			Outcome:     learning.OutcomeSuccess,
			Negotiation: &learning.NegotiationMeta{Rounds: 1, Reason: "threshold_met", FinalScore: 0.8},
		}
	}

	if err := e.Observe(ctx, lowConfidence("my head is pounding")); err != nil {
		t.Fatalf("Observe while disabled: %v", err)
	}
	if pending, _ := e.Pending(ctx, "medical"); len(pending) != 0 {
		t.Fatalf("disabled engine raised %d proposals", len(pending))
	}

	e.SetEnabled(true)
	if err := e.Observe(ctx, lowConfidence("my stomach is cramping")); err != nil {
		t.Fatalf("Observe while enabled: %v", err)
	}
	if pending, _ := e.Pending(ctx, "medical"); len(pending) != 1 {
		t.Fatalf("enabled engine raised %d proposals, want 1", len(pending))
	}

	e.SetEnabled(false)
	if err := e.Observe(ctx, lowConfidence("my back is aching")); err != nil {
		t.Fatalf("Observe after re-disable: %v", err)
	}
	if pending, _ := e.Pending(ctx, "medical"); len(pending) != 1 {
		t.Errorf("re-disabled engine kept raising proposals: %d", len(pending))
	}
}

func TestObserve_ProposalsFeedTheMetricsCounter(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	e := learning.New(memory.New(), true, learning.WithMetrics(m))

	err = e.Observe(ctx, learning.Interaction{
		GameID:      "medical",
		UserInput:   "my head is killing me",
		MatchedMove: "report_symptom",
		Confidence:  0.72,
		Outcome:     learning.OutcomeSuccess,
		Negotiation: &learning.NegotiationMeta{Rounds: 2, Reason: "threshold_met", FinalScore: 0.81},
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "lgdl.learning.proposals" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatal("proposal counter has no samples")
			}
			dp := sum.DataPoints[0]
			if dp.Value != 1 {
				t.Errorf("counter = %d, want 1", dp.Value)
			}
			for _, kv := range dp.Attributes.ToSlice() {
				if string(kv.Key) == "kind" && kv.Value.AsString() != string(learning.KindPattern) {
					t.Errorf("kind = %q, want %q", kv.Value.AsString(), learning.KindPattern)
				}
			}
			return
		}
	}
	t.Error("proposal counter not recorded")
}

func TestProposeAdjustment_Bounds(t *testing.T) {
	ctx := context.Background()
	e := learning.New(memory.New(), true)

	if _, err := e.ProposeAdjustment(ctx, "medical", "m", 0.06); lgerr.CodeOf(err) != lgerr.CodeAdjustmentBounds {
		t.Errorf("+0.06 err = %v, want E403", err)
	}
	if _, err := e.ProposeAdjustment(ctx, "medical", "m", -0.051); lgerr.CodeOf(err) != lgerr.CodeAdjustmentBounds {
		t.Errorf("-0.051 err = %v, want E403", err)
	}

	p, err := e.ProposeAdjustment(ctx, "medical", "m", -0.05)
	if err != nil {
		t.Fatalf("in-bounds adjustment: %v", err)
	}
	if p.Kind != learning.KindConfidence || p.Adjustment != -0.05 || p.Status != learning.StatusPending {
		t.Errorf("proposal = %+v", p)
	}
}

func TestProposeAdjustment_DisabledIsE400(t *testing.T) {
	e := learning.New(memory.New(), false)
	_, err := e.ProposeAdjustment(context.Background(), "medical", "m", 0.01)
	if lgerr.CodeOf(err) != lgerr.CodeLearningDisabled {
		t.Fatalf("err = %v, want E400", err)
	}
}

func TestApprove_RequiresReviewer(t *testing.T) {
	ctx := context.Background()
	e := learning.New(memory.New(), true)
	p, err := e.ProposeAdjustment(ctx, "medical", "m", 0.02)
	if err != nil {
		t.Fatalf("ProposeAdjustment: %v", err)
	}

	if _, err := e.Approve(ctx, p.ID, ""); lgerr.CodeOf(err) != lgerr.CodeApprovalNoReviewer {
		t.Errorf("empty reviewer err = %v, want E402", err)
	}
	if _, err := e.Approve(ctx, p.ID, "   "); lgerr.CodeOf(err) != lgerr.CodeApprovalNoReviewer {
		t.Errorf("blank reviewer err = %v, want E402", err)
	}

	approved, err := e.Approve(ctx, p.ID, "reviewer@clinic.example")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != learning.StatusApproved || approved.ReviewedBy != "reviewer@clinic.example" {
		t.Errorf("approved = %+v", approved)
	}
	if approved.ReviewedAt.IsZero() {
		t.Error("approval must record the review time")
	}

	// An approved proposal leaves the pending queue and cannot be re-reviewed.
	pending, _ := e.Pending(ctx, "medical")
	if len(pending) != 0 {
		t.Errorf("pending after approval = %d", len(pending))
	}
	if _, err := e.Reject(ctx, p.ID, "reviewer@clinic.example"); err == nil {
		t.Error("re-reviewing a decided proposal must fail")
	}
}

func TestApprove_UnknownProposalIsE401(t *testing.T) {
	e := learning.New(memory.New(), true)
	_, err := e.Approve(context.Background(), "00000000-0000-0000-0000-000000000000", "reviewer")
	if lgerr.CodeOf(err) != lgerr.CodeProposalUnknown {
		t.Fatalf("err = %v, want E401", err)
	}
}
