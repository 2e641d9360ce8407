package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Datagram directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Datagram outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeEncodeError = "encode_error"
	OutcomeSendError   = "send_error"
	OutcomeDecodeError = "decode_error"
	OutcomeUnsupported = "unsupported"
	OutcomeSentinel    = "sentinel"
	OutcomeDropped     = "dropped"
	OutcomeDiscarded   = "discarded"
)

var (
	registerOnce sync.Once

	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgpipe",
			Subsystem: "pipeline",
			Name:      "datagrams_total",
			Help:      "Datagrams handled by pipeline workers.",
		},
		[]string{"node", "direction", "outcome"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dgpipe",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Items waiting in a pipeline queue.",
		},
		[]string{"node", "queue"},
	)
	putRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgpipe",
			Subsystem: "pipeline",
			Name:      "put_retries_total",
			Help:      "Inbound queue put attempts that timed out and were retried.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgpipe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgpipe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(datagrams, queueDepth, putRetries, httpRequests, httpDuration)
	})
}

func RecordDatagram(node, direction, outcome string) {
	RegisterMetrics()
	datagrams.WithLabelValues(node, direction, outcome).Inc()
}

func RecordDatagrams(node, direction, outcome string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	datagrams.WithLabelValues(node, direction, outcome).Add(float64(n))
}

func SetQueueDepth(node, queue string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(node, queue).Set(float64(depth))
}

func RecordPutRetry(node string) {
	RegisterMetrics()
	putRetries.WithLabelValues(node).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
