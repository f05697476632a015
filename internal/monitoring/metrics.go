package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime server and the delivery worker.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_connections_total",
		Help: "Total number of realtime connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_active",
		Help: "Current number of active realtime connections",
	})

	ConnectionsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_connections_failed_total",
		Help: "Connection attempts refused before or during upgrade",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// Protocol metrics
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_events_total",
		Help: "Protocol events handled, by event type and result code",
	}, []string{"event", "result"})

	eventDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_event_duration_seconds",
		Help:    "Protocol event handling latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"event"})

	messagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_persisted_total",
		Help: "Messages appended to the store, split by new vs idempotent replay",
	}, []string{"kind"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_rate_limited_total",
		Help: "Actions denied by the rate limiter",
	}, []string{"action"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_connection_rate_limited_total",
		Help: "Upgrade attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_frames_sent_total",
		Help: "Total frames written to clients",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_frames_received_total",
		Help: "Total frames read from clients",
	})

	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_frames_dropped_total",
		Help: "Frames dropped because a client send buffer was full",
	})

	// Bus metrics
	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_bus_published_total",
		Help: "Envelopes published on the fan-out bus",
	}, []string{"result"})

	busConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_bus_connected",
		Help: "Fan-out bus connection status (1=connected, 0=disconnected)",
	})

	// Delivery metrics
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_jobs_processed_total",
		Help: "Queue jobs processed by queue and outcome",
	}, []string{"queue", "outcome"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_job_duration_seconds",
		Help:    "Queue job handling latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dm_queue_depth",
		Help: "Jobs per queue and state",
	}, []string{"queue", "state"})

	pushSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_push_notifications_total",
		Help: "Push notification deliveries by result",
	}, []string{"result"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_memory_bytes",
		Help: "Resident memory of the process in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_goroutines_active",
		Help: "Current number of active goroutines",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_errors_total",
		Help: "Total errors by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(eventDuration)
	prometheus.MustRegister(messagesPersisted)
	prometheus.MustRegister(rateLimited)
	prometheus.MustRegister(connectionRateLimited)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesDropped)

	prometheus.MustRegister(busPublished)
	prometheus.MustRegister(busConnected)

	prometheus.MustRegister(jobsProcessed)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(pushSent)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
	prometheus.MustRegister(errorsTotal)
}

// Disconnect reasons
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonClientClose    = "client_close"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonSendBufferFull = "send_buffer_full"
	DisconnectReasonProtocolError  = "protocol_error"
)

// Who initiated a disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// RecordConnect counts a newly established connection.
func RecordConnect() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect records a disconnect with its reason and the connection lifetime.
func RecordDisconnect(reason, initiatedBy string, duration time.Duration) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.Observe(duration.Seconds())
}

func RecordEvent(event, result string, duration time.Duration) {
	eventsTotal.WithLabelValues(event, result).Inc()
	eventDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func RecordMessagePersisted(created bool) {
	if created {
		messagesPersisted.WithLabelValues("new").Inc()
		return
	}
	messagesPersisted.WithLabelValues("replay").Inc()
}

func IncrementRateLimited(action string) {
	rateLimited.WithLabelValues(action).Inc()
}

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func UpdateFrameMetrics(sent, received int64) {
	if sent > 0 {
		framesSent.Add(float64(sent))
	}
	if received > 0 {
		framesReceived.Add(float64(received))
	}
}

func IncrementFramesDropped() {
	framesDropped.Inc()
}

func RecordBusPublish(err error) {
	if err != nil {
		busPublished.WithLabelValues("error").Inc()
		return
	}
	busPublished.WithLabelValues("ok").Inc()
}

func SetBusConnected(connected bool) {
	if connected {
		busConnected.Set(1)
		return
	}
	busConnected.Set(0)
}

func RecordJob(queue, outcome string, duration time.Duration) {
	jobsProcessed.WithLabelValues(queue, outcome).Inc()
	jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func SetQueueDepth(queue, state string, n int64) {
	queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

func RecordPush(success, failure int) {
	pushSent.WithLabelValues("success").Add(float64(success))
	pushSent.WithLabelValues("failure").Add(float64(failure))
}

func UpdateSystemMetrics(rssBytes uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(rssBytes))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// RecordError counts an error by type ("panic", "bus", "store", ...).
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
