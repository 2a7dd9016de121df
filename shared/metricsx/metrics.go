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
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	outboxDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_delivered_total",
			Help: "Outbox events delivered to Kafka by topic.",
		},
		[]string{"topic"},
	)
	outboxDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dead_total",
			Help: "Outbox events abandoned after max attempts.",
		},
	)
	taskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yard_task_events_total",
			Help: "Task lifecycle events by type.",
		},
		[]string{"event"},
	)
	notifyIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yard_notify_intents_total",
			Help: "Notification intents emitted by kind.",
		},
		[]string{"kind"},
	)
	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yard_reconcile_actions_total",
			Help: "Reconciler actions by kind.",
		},
		[]string{"action"},
	)
	reconcileRunLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yard_reconcile_run_seconds",
			Help:    "Duration of one reconciler pass.",
			Buckets: prometheus.DefBuckets,
		},
	)
	spotsOccupied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yard_spots_occupied",
			Help: "Parking spots currently occupied.",
		},
	)
	yardQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yard_queue_depth",
			Help: "Drivers waiting in the arrival queue.",
		},
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
	prometheus.MustRegister(httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures, outboxDelivered, outboxDead, taskEvents, notifyIntents, reconcileActions, reconcileRunLatency, spotsOccupied, yardQueueDepth, asynqQueueDepth)
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
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncOutboxDelivered(topic string) {
	outboxDelivered.WithLabelValues(topic).Inc()
}

func IncOutboxDead() {
	outboxDead.Inc()
}

func IncTaskEvent(event string) {
	taskEvents.WithLabelValues(event).Inc()
}

func IncNotifyIntent(kind string) {
	notifyIntents.WithLabelValues(kind).Inc()
}

func IncReconcileAction(action string) {
	reconcileActions.WithLabelValues(action).Inc()
}

func ObserveReconcileRun(d time.Duration) {
	reconcileRunLatency.Observe(d.Seconds())
}

func SetSpotsOccupied(n int) {
	spotsOccupied.Set(float64(n))
}

func SetYardQueueDepth(n int) {
	yardQueueDepth.Set(float64(n))
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
