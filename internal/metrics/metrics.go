// Package metrics exposes the gateway's Prometheus instrumentation.
// Grounded on the teacher's metrics.go: one struct of promauto-registered
// collectors with thin increment/observe methods, generalized from
// websocket_* naming to the gateway's session/bus/historian/audit domains.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide collector set, registered once at startup
// and threaded through the session core, bus adapter, historian, and
// audit chain.
type Metrics struct {
	sessionsTotal    prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	sessionsEvicted  prometheus.Counter
	authFailures     prometheus.Counter

	messagesIn       prometheus.Counter
	messagesOut      prometheus.Counter
	messageSize      prometheus.Histogram
	rateLimitDrops   prometheus.Counter
	outboundDrops    prometheus.Counter

	busPublishes     prometheus.Counter
	busPublishErrors prometheus.Counter
	busPublishRetry  prometheus.Counter
	busReconnects    prometheus.Counter
	busConnected     prometheus.Gauge
	busDeliverLatency prometheus.Histogram

	historianBatchesFlushed *prometheus.CounterVec
	historianBatchesDropped *prometheus.CounterVec
	historianRecordsWritten *prometheus.CounterVec

	auditAppends prometheus.Counter
	auditErrors  prometheus.Counter

	errorsByKind *prometheus.CounterVec

	goroutines prometheus.Gauge
	memoryMB   prometheus.Gauge
	cpuPercent prometheus.Gauge
}

// New builds and registers all collectors against the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer builds and registers all collectors against reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated calls within one test
// binary don't collide on the default, process-wide registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "Total number of sessions accepted",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of currently connected sessions",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_session_duration_seconds",
			Help:    "Duration of sessions from authentication to close",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		sessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_evicted_total",
			Help: "Total number of sessions evicted by a newer session for the same client id",
		}),
		authFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_authentication_failures_total",
			Help: "Total number of failed authentication attempts",
		}),

		messagesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_in_total",
			Help: "Total number of frames received from devices",
		}),
		messagesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_out_total",
			Help: "Total number of frames delivered to devices",
		}),
		messageSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_message_size_bytes",
			Help:    "Size of frames exchanged with devices",
			Buckets: []float64{128, 512, 1024, 4096, 16384, 65536},
		}),
		rateLimitDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total number of frames rejected by the per-client rate limiter",
		}),
		outboundDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbound_buffer_drops_total",
			Help: "Total number of outbound messages dropped because a client's buffer was full",
		}),

		busPublishes: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_publishes_total",
			Help: "Total number of publishes accepted by the durable bus",
		}),
		busPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_publish_errors_total",
			Help: "Total number of publishes that failed, on a permanent error or after retries ran out",
		}),
		busPublishRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_publish_retries_total",
			Help: "Total number of publish retry attempts",
		}),
		busReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_reconnects_total",
			Help: "Total number of bus reconnection events",
		}),
		busConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_bus_connected",
			Help: "Whether the durable bus connection is currently up (1) or down (0)",
		}),
		busDeliverLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_bus_deliver_latency_seconds",
			Help:    "Latency between bus message timestamp and handler invocation",
			Buckets: prometheus.DefBuckets,
		}),

		historianBatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_historian_batches_flushed_total",
			Help: "Total number of historian batches flushed to storage, by data family",
		}, []string{"family"}),
		historianBatchesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_historian_batches_dropped_total",
			Help: "Total number of historian batches dropped after a failed retry, by data family",
		}, []string{"family"}),
		historianRecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_historian_records_written_total",
			Help: "Total number of historian records persisted, by data family",
		}, []string{"family"}),

		auditAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_appends_total",
			Help: "Total number of audit chain entries appended",
		}),
		auditErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_append_errors_total",
			Help: "Total number of audit chain append failures",
		}),

		errorsByKind: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total number of errors observed, by kind",
		}, []string{"kind"}),

		goroutines: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_goroutines",
			Help: "Number of live goroutines",
		}),
		memoryMB: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_memory_heap_mb",
			Help: "Heap memory in use, megabytes",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cpu_percent",
			Help: "Host-wide CPU usage percentage, smoothed",
		}),
	}
}

func (m *Metrics) SessionAccepted()                    { m.sessionsTotal.Inc(); m.sessionsActive.Inc() }
func (m *Metrics) SessionClosed(d time.Duration)        { m.sessionsActive.Dec(); m.sessionDuration.Observe(d.Seconds()) }
func (m *Metrics) SessionEvicted()                      { m.sessionsEvicted.Inc() }
func (m *Metrics) AuthFailure()                         { m.authFailures.Inc() }

func (m *Metrics) MessageIn(size int)  { m.messagesIn.Inc(); m.messageSize.Observe(float64(size)) }
func (m *Metrics) MessageOut(size int) { m.messagesOut.Inc(); m.messageSize.Observe(float64(size)) }
func (m *Metrics) RateLimitDrop()      { m.rateLimitDrops.Inc() }
func (m *Metrics) OutboundDrop()       { m.outboundDrops.Inc() }

func (m *Metrics) BusPublish()         { m.busPublishes.Inc() }
func (m *Metrics) BusPublishRetry()    { m.busPublishRetry.Inc() }
func (m *Metrics) BusPublishError()    { m.busPublishErrors.Inc() }
func (m *Metrics) BusReconnect()       { m.busReconnects.Inc() }
func (m *Metrics) SetBusConnected(up bool) {
	if up {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}
func (m *Metrics) BusDeliverLatency(d time.Duration) { m.busDeliverLatency.Observe(d.Seconds()) }

func (m *Metrics) HistorianBatchFlushed(family string, records int) {
	m.historianBatchesFlushed.WithLabelValues(family).Inc()
	m.historianRecordsWritten.WithLabelValues(family).Add(float64(records))
}
func (m *Metrics) HistorianBatchDropped(family string) {
	m.historianBatchesDropped.WithLabelValues(family).Inc()
}

func (m *Metrics) AuditAppend()      { m.auditAppends.Inc() }
func (m *Metrics) AuditAppendError() { m.auditErrors.Inc() }

func (m *Metrics) RecordError(kind string) { m.errorsByKind.WithLabelValues(kind).Inc() }

func (m *Metrics) SetGoroutines(n int)       { m.goroutines.Set(float64(n)) }
func (m *Metrics) SetMemoryMB(mb float64)    { m.memoryMB.Set(mb) }
func (m *Metrics) SetCPUPercent(pct float64) { m.cpuPercent.Set(pct) }
