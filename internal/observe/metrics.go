// Package observe provides application-wide observability primitives for
// Voiceline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voiceline metrics.
const meterName = "github.com/voicelinehq/voiceline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks final-transcript → first-outbound-media latency.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM generation latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// RetrievalDuration tracks hybrid retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// ToolExecutionDuration tracks registry tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("outcome", "ok"|"interrupted"|"error")
	Turns metric.Int64Counter

	// Interrupts counts barge-in events.
	Interrupts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BillingDebits counts debit attempts. Use with attribute:
	//   attribute.String("status", "ok"|"insufficient"|"cas_exhausted")
	BillingDebits metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media-stream calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voiceline.turn.duration",
		metric.WithDescription("Latency from final transcript to first outbound media frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voiceline.llm.duration",
		metric.WithDescription("Latency of LLM generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voiceline.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("voiceline.retrieval.duration",
		metric.WithDescription("Latency of hybrid knowledge retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voiceline.tool_execution.duration",
		metric.WithDescription("Latency of registry tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voiceline.turns",
		metric.WithDescription("Total completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voiceline.interrupts",
		metric.WithDescription("Total barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceline.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BillingDebits, err = m.Int64Counter("voiceline.billing.debits",
		metric.WithDescription("Total debit attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voiceline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voiceline.active_calls",
		metric.WithDescription("Number of live media-stream calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceline.http.request.duration",
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
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
