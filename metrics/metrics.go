// Package metrics exposes Prometheus instrumentation for the enclave node.
// Only aggregate counters and latencies are exported; nothing here may carry
// amounts, keys or tags.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Registers the collector with Prometheus. If an identical collector is already
// registered, returns the existing collector, otherwise returns the provided collector.
// Panics if the collector cannot be registered.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			// Use the old collector from now on.
			return are.ExistingCollector
		}
		// Something else went wrong.
		panic(err)
	}
	return collector
}

// NodeMetrics instruments the validation, key-management and query paths.
type NodeMetrics struct {
	// Counts of validation verdicts, partitioned by outcome.
	verdicts *prometheus.CounterVec

	// Latencies of the validation pipeline.
	validateLatencies prometheus.Histogram

	// Counts of channel handshakes, partitioned by role and result.
	handshakes *prometheus.CounterVec

	// Latencies of epoch rotations, including acknowledgment collection.
	rotationLatencies prometheus.Histogram

	// Counts of query requests, partitioned by type and response.
	queries *prometheus.CounterVec
}

// NewNodeMetrics creates and registers the node's instrumentation.
func NewNodeMetrics() NodeMetrics {
	m := NodeMetrics{
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_tx_verdicts",
				Help: "How many transaction validations completed, partitioned by verdict outcome.",
			},
			[]string{"outcome"},
		),
		validateLatencies: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "chain_tx_validate_seconds",
				Help: "How long transaction validation takes.",
			},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_channel_handshakes",
				Help: "How many secure channel handshakes ran, partitioned by role and result.",
			},
			[]string{"role", "result"},
		),
		rotationLatencies: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "chain_epoch_rotation_seconds",
				Help: "How long epoch rotations take, acknowledgment collection included.",
			},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_query_requests",
				Help: "How many wallet query requests were served, partitioned by type and response.",
			},
			[]string{"type", "response"},
		),
	}
	m.verdicts = registerOnce(m.verdicts).(*prometheus.CounterVec)
	m.validateLatencies = registerOnce(m.validateLatencies).(prometheus.Histogram)
	m.handshakes = registerOnce(m.handshakes).(*prometheus.CounterVec)
	m.rotationLatencies = registerOnce(m.rotationLatencies).(prometheus.Histogram)
	m.queries = registerOnce(m.queries).(*prometheus.CounterVec)
	return m
}

// Verdicts returns the counter for one verdict outcome.
func (m *NodeMetrics) Verdicts(outcome string) prometheus.Counter {
	return m.verdicts.WithLabelValues(outcome)
}

// ValidateLatencies returns the validation latency histogram.
func (m *NodeMetrics) ValidateLatencies() prometheus.Histogram {
	return m.validateLatencies
}

// Handshakes returns the counter for one handshake role and result.
func (m *NodeMetrics) Handshakes(role, result string) prometheus.Counter {
	return m.handshakes.WithLabelValues(role, result)
}

// RotationLatencies returns the rotation latency histogram.
func (m *NodeMetrics) RotationLatencies() prometheus.Histogram {
	return m.rotationLatencies
}

// Queries returns the counter for one query type and response.
func (m *NodeMetrics) Queries(reqType, response string) prometheus.Counter {
	return m.queries.WithLabelValues(reqType, response)
}
