package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal status, by task kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenderpipe",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock job duration from dequeue to terminal status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	modelReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "model_requests_total",
			Help:      "Model runtime calls by model and result",
		},
		[]string{"model", "result"},
	)

	modelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tenderpipe",
			Name:      "model_request_duration_seconds",
			Help:      "Duration of model runtime calls by model",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "cache_events_total",
			Help:      "Result cache events (hit, miss, store, evict, expire)",
		},
		[]string{"event"},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "model_retries_total",
			Help:      "Retried model runtime calls",
		},
	)

	repairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "model_repairs_total",
			Help:      "Repair prompts sent after unparseable model replies",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenderpipe",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the queue",
		},
	)

	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenderpipe",
			Name:      "workers_busy",
			Help:      "Workers currently running a job",
		},
	)

	extractPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tenderpipe",
			Name:      "extract_pages_total",
			Help:      "Pages extracted by method",
		},
		[]string{"method"},
	)

	healthState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tenderpipe",
			Name:      "model_runtime_up",
			Help:      "1 when the model runtime is reachable, 0 otherwise",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(jobsTotal, jobDuration, modelReqs, modelLatency, cacheEvents, retriesTotal, repairsTotal, queueDepth, workersBusy, extractPages, healthState)
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveJob(kind, outcome string, dur time.Duration) {
	jobsTotal.WithLabelValues(kind, outcome).Inc()
	jobDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func ObserveModel(model, result string, dur time.Duration) {
	modelReqs.WithLabelValues(model, result).Inc()
	modelLatency.WithLabelValues(model).Observe(dur.Seconds())
}

func CacheEvent(event string) { cacheEvents.WithLabelValues(event).Inc() }

func IncRetry() { retriesTotal.Inc() }

func IncRepair() { repairsTotal.Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func WorkerBusy(delta int) { workersBusy.Add(float64(delta)) }

func IncExtractPages(method string, n int) {
	extractPages.WithLabelValues(method).Add(float64(n))
}

func SetRuntimeUp(up bool) {
	if up {
		healthState.Set(1)
	} else {
		healthState.Set(0)
	}
}
