package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	registerOnce sync.Once

	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pktlink",
			Subsystem: "session",
			Name:      "packets_total",
			Help:      "Packets moved over link sessions.",
		},
		[]string{"direction", "command"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pktlink",
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Encoded packet bytes moved over link sessions.",
		},
		[]string{"direction"},
	)
	sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pktlink",
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Session operation failures by kind.",
		},
		[]string{"op", "kind"},
	)
	connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pktlink",
			Subsystem: "session",
			Name:      "connect_duration_seconds",
			Help:      "Time spent establishing link sessions.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pktlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pktlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(packetsTotal, bytesTotal, sessionErrors, connectDuration, httpRequests, httpDuration)
	})
}

func RecordPacket(direction string, command uint8, size int) {
	RegisterMetrics()
	packetsTotal.WithLabelValues(direction, CommandLabel(command)).Inc()
	bytesTotal.WithLabelValues(direction).Add(float64(size))
}

func RecordSessionError(op, kind string) {
	RegisterMetrics()
	sessionErrors.WithLabelValues(op, kind).Inc()
}

func RecordConnect(duration time.Duration, success bool) {
	RegisterMetrics()
	connectDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// CommandLabel renders a command byte as a bounded-cardinality label.
func CommandLabel(command uint8) string {
	return fmt.Sprintf("0x%02x", command)
}
