package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	bouncerVerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charon_bouncer_verdicts_total",
		Help: "Total number of requests resolved by the bouncer pipeline, by verdict",
	}, []string{"verdict"})
	bouncerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "charon_bouncer_errors_total",
		Help: "Total number of bouncer pipeline errors caught at the request boundary",
	})
	bouncerStreamSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charon_bouncer_stream_sync_total",
		Help: "Total number of stream synchroniser cycles, by outcome",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		bouncerVerdictsTotal, bouncerErrorsTotal, bouncerStreamSyncTotal,
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncBouncerVerdict increments the per-verdict counter for one resolved request.
func IncBouncerVerdict(verdict string) { bouncerVerdictsTotal.WithLabelValues(verdict).Inc() }

// IncBouncerError increments the pipeline error-boundary counter.
func IncBouncerError() { bouncerErrorsTotal.Inc() }

// IncBouncerStreamSync increments the stream synchroniser outcome counter.
func IncBouncerStreamSync(outcome string) { bouncerStreamSyncTotal.WithLabelValues(outcome).Inc() }
