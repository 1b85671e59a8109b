package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	streamEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_enqueued_total",
			Help: "Envelopes offered to the producer by topic, type and result.",
		},
		[]string{"topic", "type", "result"},
	)
	streamEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_entries_total",
			Help: "Stream entry lifecycle transitions by topic and resulting state.",
		},
		[]string{"topic", "state"},
	)
	streamDrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_drain_duration_seconds",
			Help:    "Drain call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic", "mode"},
	)
	streamLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_length",
			Help: "Entries currently stored on a topic.",
		},
		[]string{"topic"},
	)
	streamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_pending_entries",
			Help: "Claimed but unacknowledged entries by topic and group.",
		},
		[]string{"topic", "group"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	analyticsFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_write_failures_total",
			Help: "Best-effort analytics writes that failed, by sink.",
		},
		[]string{"sink"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, streamEnqueued, streamEntries, streamDrainDuration, streamLength, streamPending, breakerState, kafkaConsumerLag, analyticsFailures, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEnqueued(topic string, eventType string, result string) {
	streamEnqueued.WithLabelValues(topic, eventType, result).Inc()
}

func IncEntryState(topic string, state string) {
	streamEntries.WithLabelValues(topic, state).Inc()
}

func ObserveDrain(topic string, mode string, d time.Duration) {
	streamDrainDuration.WithLabelValues(topic, mode).Observe(d.Seconds())
}

func SetStreamLength(topic string, n int64) {
	streamLength.WithLabelValues(topic).Set(float64(n))
}

func SetStreamPending(topic string, group string, n int64) {
	streamPending.WithLabelValues(topic, group).Set(float64(n))
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncAnalyticsFailure(sink string) {
	analyticsFailures.WithLabelValues(sink).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
