// Package observe provides application-wide observability primitives for
// the LGDL runtime: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/wittgen/lgdl"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn processing latency.
	TurnDuration metric.Float64Histogram

	// StageDuration tracks per-cascade-stage matching latency. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// CapabilityDuration tracks capability invocation latency.
	CapabilityDuration metric.Float64Histogram

	// StateDuration tracks state store read/write latency.
	StateDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts processed turns. Use with attributes:
	//   attribute.String("game", ...), attribute.String("move", ...), attribute.String("stage", ...)
	Turns metric.Int64Counter

	// NegotiationOutcomes counts finished clarification loops. Use with
	// attributes:
	//   attribute.String("game", ...), attribute.String("reason", ...)
	NegotiationOutcomes metric.Int64Counter

	// CapabilityCalls counts capability invocations. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("status", ...)
	CapabilityCalls metric.Int64Counter

	// FirewallTriggers counts turns whose input the firewall sanitised.
	FirewallTriggers metric.Int64Counter

	// LearningProposals counts raised learning proposals by kind.
	LearningProposals metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// Errors counts coded failures. Use with attribute.String("code", ...).
	Errors metric.Int64Counter

	// --- Cost ---

	// LLMCostUSD accumulates estimated judge-stage spend in USD.
	LLMCostUSD metric.Float64Counter

	// --- Gauges ---

	// ActiveTurns tracks turns currently being processed.
	ActiveTurns metric.Int64UpDownCounter

	// AwaitingConversations tracks conversations parked on a slot prompt or
	// question.
	AwaitingConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-turn latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("lgdl.turn.duration",
		metric.WithDescription("End-to-end turn processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("lgdl.match.stage.duration",
		metric.WithDescription("Cascade matching latency by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CapabilityDuration, err = m.Float64Histogram("lgdl.capability.duration",
		metric.WithDescription("Capability invocation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StateDuration, err = m.Float64Histogram("lgdl.state.duration",
		metric.WithDescription("State store operation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("lgdl.turns",
		metric.WithDescription("Total processed turns by game, move, and winning stage."),
	); err != nil {
		return nil, err
	}
	if met.NegotiationOutcomes, err = m.Int64Counter("lgdl.negotiation.outcomes",
		metric.WithDescription("Total finished negotiation loops by game and stop reason."),
	); err != nil {
		return nil, err
	}
	if met.CapabilityCalls, err = m.Int64Counter("lgdl.capability.calls",
		metric.WithDescription("Total capability invocations by qualified name and status."),
	); err != nil {
		return nil, err
	}
	if met.FirewallTriggers, err = m.Int64Counter("lgdl.firewall.triggers",
		metric.WithDescription("Total turns whose input the firewall sanitised."),
	); err != nil {
		return nil, err
	}
	if met.LearningProposals, err = m.Int64Counter("lgdl.learning.proposals",
		metric.WithDescription("Total learning proposals raised by kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("lgdl.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker name."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("lgdl.errors",
		metric.WithDescription("Total coded failures by error code."),
	); err != nil {
		return nil, err
	}

	// Cost.
	if met.LLMCostUSD, err = m.Float64Counter("lgdl.llm.cost",
		metric.WithDescription("Estimated judge-stage spend in USD."),
		metric.WithUnit("{USD}"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("lgdl.active_turns",
		metric.WithDescription("Turns currently being processed."),
	); err != nil {
		return nil, err
	}
	if met.AwaitingConversations, err = m.Int64UpDownCounter("lgdl.awaiting_conversations",
		metric.WithDescription("Conversations parked on a slot prompt or question."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lgdl.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one processed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, game, move, stage string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("game", game),
			attribute.String("move", move),
			attribute.String("stage", stage),
		),
	)
}

// RecordNegotiation records one finished clarification loop.
func (m *Metrics) RecordNegotiation(ctx context.Context, game, reason string) {
	m.NegotiationOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("game", game),
			attribute.String("reason", reason),
		),
	)
}

// RecordCapabilityCall records one capability invocation by qualified name.
func (m *Metrics) RecordCapabilityCall(ctx context.Context, capability, status string) {
	m.CapabilityCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("status", status),
		),
	)
}

// RecordError records one coded failure.
func (m *Metrics) RecordError(ctx context.Context, code string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordLearningProposal records one raised learning proposal by kind.
func (m *Metrics) RecordLearningProposal(ctx context.Context, kind string) {
	m.LearningProposals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordStage records one cascade stage's latency.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
