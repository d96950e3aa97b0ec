// Package observe provides application-wide observability primitives for
// dmdesk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all dmdesk metrics.
const meterName = "github.com/MrWong99/dmdesk"

// Staging transition names used with [Metrics.RecordStagingTransition].
const (
	TransitionPending     = "pending"
	TransitionJoined      = "joined"
	TransitionRegenerated = "regenerated"
	TransitionActivated   = "activated"
	TransitionDiscarded   = "discarded"
	TransitionPreStaged   = "pre_staged"
	TransitionExpired     = "expired"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// LLMDuration tracks LLM suggestion latency.
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// LLMParseFailures counts LLM responses that could not be turned into
	// suggestions.
	LLMParseFailures metric.Int64Counter

	// StagingTransitions counts staging state machine transitions. Use with
	// attribute.String("transition", ...).
	StagingTransitions metric.Int64Counter

	// PCReleases counts waiting player characters released by a decision.
	PCReleases metric.Int64Counter

	// --- Gauges ---

	// ConnectedClients tracks the number of live push connections.
	ConnectedClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM calls
// dominate the upper range.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("dmdesk.llm.duration",
		metric.WithDescription("Latency of LLM suggestion requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dmdesk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("dmdesk.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("dmdesk.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.LLMParseFailures, err = m.Int64Counter("dmdesk.llm.parse_failures",
		metric.WithDescription("LLM responses that could not be parsed into suggestions."),
	); err != nil {
		return nil, err
	}
	if met.StagingTransitions, err = m.Int64Counter("dmdesk.staging.transitions",
		metric.WithDescription("Staging state machine transitions by transition name."),
	); err != nil {
		return nil, err
	}
	if met.PCReleases, err = m.Int64Counter("dmdesk.staging.pc_releases",
		metric.WithDescription("Waiting player characters released by a DM decision."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ConnectedClients, err = m.Int64UpDownCounter("dmdesk.connected_clients",
		metric.WithDescription("Number of live push connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// QueueCounts reports the current pending and processing counts of one queue.
type QueueCounts struct {
	Name       string
	Pending    int
	Processing int
}

// ObserveQueues registers the dmdesk.queue.depth and dmdesk.queue.processing
// observable gauges. snapshot is called on every collection and must be
// cheap and non-blocking.
func (m *Metrics) ObserveQueues(snapshot func() []QueueCounts) (metric.Registration, error) {
	depth, err := m.meter.Int64ObservableGauge("dmdesk.queue.depth",
		metric.WithDescription("Pending items per queue."),
	)
	if err != nil {
		return nil, err
	}
	processing, err := m.meter.Int64ObservableGauge("dmdesk.queue.processing",
		metric.WithDescription("Processing items per queue."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, q := range snapshot() {
			attrs := metric.WithAttributes(attribute.String("queue", q.Name))
			o.ObserveInt64(depth, int64(q.Pending), attrs)
			o.ObserveInt64(processing, int64(q.Processing), attrs)
		}
		return nil
	}, depth, processing)
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordStagingTransition increments the staging transition counter.
func (m *Metrics) RecordStagingTransition(ctx context.Context, transition string) {
	m.StagingTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transition", transition)),
	)
}

// RecordLLMParseFailure increments the parse failure counter. reason is one
// of "no_array" or "invalid_json".
func (m *Metrics) RecordLLMParseFailure(ctx context.Context, reason string) {
	m.LLMParseFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
