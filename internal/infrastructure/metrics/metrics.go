package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bot metrics
var (
	// Exchange counters
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "exchanges_total",
			Help:      "Total number of message exchanges",
		},
		[]string{"status"},
	)

	// Exchange duration histogram
	ExchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "exchange_duration_seconds",
			Help:      "End-to-end exchange duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// Tool call counters
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "tool_calls_total",
			Help:      "Total tool invocations",
		},
		[]string{"tool_name", "status"},
	)

	// Tool duration histogram
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool_name"},
	)

	// Node cache gauge
	CachedNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "cached_nodes",
			Help:      "Number of message nodes currently cached",
		},
	)

	// Platform write counters
	PlatformWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmcord",
			Subsystem: "bot",
			Name:      "platform_writes_total",
			Help:      "Messages sent or edited on the platform",
		},
		[]string{"op", "status"},
	)
)

// RecordExchange records one completed exchange
func RecordExchange(status string, durationSec float64) {
	ExchangesTotal.WithLabelValues(status).Inc()
	ExchangeDuration.Observe(durationSec)
}

// RecordToolCall records a tool invocation
func RecordToolCall(toolName, status string, durationSec float64) {
	ToolCallsTotal.WithLabelValues(toolName, status).Inc()
	ToolDuration.WithLabelValues(toolName).Observe(durationSec)
}

// SetCachedNodes sets the current node cache size
func SetCachedNodes(n int) {
	CachedNodes.Set(float64(n))
}

// RecordPlatformWrite records one send or edit against the platform
func RecordPlatformWrite(op, status string) {
	PlatformWritesTotal.WithLabelValues(op, status).Inc()
}
