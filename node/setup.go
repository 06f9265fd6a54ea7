package node

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/internal/ingest"
	"github.com/tendermint/swarmsync/internal/poller"
)

// maxOpenMetricsConnections bounds concurrent scrapes of /metrics.
const maxOpenMetricsConnections = 3

// defaultMetricsProvider returns Prometheus metrics if Prometheus is enabled,
// otherwise it returns no-op metrics.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) (*poller.Metrics, *ingest.Metrics) {
	if cfg.Prometheus {
		return poller.PrometheusMetrics(cfg.Namespace), ingest.PrometheusMetrics(cfg.Namespace)
	}
	return poller.NopMetrics(), ingest.NopMetrics()
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{MaxRequestsInFlight: maxOpenMetricsConnections},
		),
	))
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func inboxDir(cfg *config.Config) string {
	return filepath.Join(cfg.DBDir(), "inbox")
}
