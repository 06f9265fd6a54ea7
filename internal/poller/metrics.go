package poller

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "poller"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of polls, labeled by conversation kind.
	Polls metrics.Counter
	// Number of polls that retrieved nothing because of an error.
	FailedPolls metrics.Counter
	// Number of messages handed to the ingestion pipeline.
	Messages metrics.Counter
	// Number of group targets being polled.
	Targets metrics.Gauge
	// Duration of a whole poll cycle in seconds.
	CycleDuration metrics.Histogram
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
		Polls: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "polls",
			Help:      "Number of polls, by conversation kind.",
		}, append(labels, "kind")).With(labelsAndValues...),
		FailedPolls: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_polls",
			Help:      "Number of polls which retrieved nothing.",
		}, append(labels, "kind")).With(labelsAndValues...),
		Messages: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages",
			Help:      "Number of new messages handed to the ingestion pipeline.",
		}, append(labels, "kind")).With(labelsAndValues...),
		Targets: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "targets",
			Help:      "Number of group targets being polled.",
		}, labels).With(labelsAndValues...),
		CycleDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent polling every due target once.",
			Buckets:   stdprometheus.ExponentialBuckets(0.05, 2, 10),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Polls:         discard.NewCounter(),
		FailedPolls:   discard.NewCounter(),
		Messages:      discard.NewCounter(),
		Targets:       discard.NewGauge(),
		CycleDuration: discard.NewHistogram(),
	}
}
