package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports ingestion counters on a private registry.
type Recorder struct {
	reg *prometheus.Registry

	upserted   *prometheus.CounterVec
	pollFailed *prometheus.CounterVec
	enriched   *prometheus.CounterVec
	ready      prometheus.Gauge
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		upserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci_ingest",
			Name:      "pipelines_upserted_total",
			Help:      "Pipeline rows written, by sync phase.",
		}, []string{"phase"}),
		pollFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci_ingest",
			Name:      "poll_failures_total",
			Help:      "Failed project syncs.",
		}, []string{"project"}),
		enriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci_ingest",
			Name:      "enrichment_total",
			Help:      "Author lookups, by outcome.",
		}, []string{"outcome"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ci_ingest",
			Name:      "ready",
			Help:      "1 once the initial backfill has completed or was skipped.",
		}),
	}

	r.reg.MustRegister(
		r.upserted, r.pollFailed, r.enriched, r.ready,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) PipelinesUpserted(phase string, n int) {
	if n <= 0 {
		return
	}
	r.upserted.WithLabelValues(phase).Add(float64(n))
}

func (r *Recorder) PollFailed(projectID int64) {
	r.pollFailed.WithLabelValues(strconv.FormatInt(projectID, 10)).Inc()
}

func (r *Recorder) Enriched(outcome string) {
	r.enriched.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Ready() { r.ready.Set(1) }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }
