package ingest

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "ingest"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of envelopes queued, including replays from the backlog.
	Queued metrics.Counter
	// Number of envelopes fully handled.
	Processed metrics.Counter
	// Number of envelopes whose handling failed. They stay in the backlog.
	Failed metrics.Counter
	// Number of envelopes given up on after the task timeout.
	Timeouts metrics.Counter
	// Number of envelopes dropped from the backlog, by reason.
	Dropped metrics.Counter
	// Number of envelopes waiting for the worker.
	QueueSize metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Queued: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued",
			Help:      "Number of envelopes queued for handling.",
		}, labels).With(labelsAndValues...),
		Processed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "processed",
			Help:      "Number of envelopes fully handled.",
		}, labels).With(labelsAndValues...),
		Failed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed",
			Help:      "Number of envelopes whose handling failed.",
		}, labels).With(labelsAndValues...),
		Timeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "timeouts",
			Help:      "Number of envelopes given up on after the task timeout.",
		}, labels).With(labelsAndValues...),
		Dropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped",
			Help:      "Number of envelopes dropped from the backlog.",
		}, append(labels, "reason")).With(labelsAndValues...),
		QueueSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_size",
			Help:      "Number of envelopes waiting for the worker.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Queued:    discard.NewCounter(),
		Processed: discard.NewCounter(),
		Failed:    discard.NewCounter(),
		Timeouts:  discard.NewCounter(),
		Dropped:   discard.NewCounter(),
		QueueSize: discard.NewGauge(),
	}
}
