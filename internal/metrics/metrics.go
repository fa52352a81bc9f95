// Package metrics provides Prometheus metrics for monitoring the browser
// streaming server's pool, session and stream-engine health.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SocketMessagesTotal counts inbound control messages by name and outcome.
	SocketMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserstream_socket_messages_total",
			Help: "Total control-socket messages processed",
		},
		[]string{"message", "status"},
	)

	// MessageHandleDuration tracks how long a control message takes to handle.
	MessageHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browserstream_message_handle_duration_seconds",
			Help:    "Control message handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"message"},
	)

	// BrowserPoolCapacity shows the configured maximum pool size.
	BrowserPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_browser_pool_capacity",
			Help: "Configured maximum number of dedicated browser instances",
		},
	)

	// BrowserPoolInUse shows live browser instances.
	BrowserPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_browser_pool_in_use",
			Help: "Number of currently live browser instances",
		},
	)

	// BrowserPoolCreated counts total browser instance creations.
	BrowserPoolCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserstream_browser_pool_created_total",
			Help: "Total browser instances created",
		},
	)

	// BrowserPoolEvicted counts LRU/idle evictions, by reason.
	BrowserPoolEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserstream_browser_pool_evicted_total",
			Help: "Total browser instances evicted, by reason",
		},
		[]string{"reason"},
	)

	// ActiveSessions shows current bound sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_active_sessions",
			Help: "Number of currently bound sessions",
		},
	)

	// ActiveSockets shows current open control-socket connections.
	ActiveSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_active_sockets",
			Help: "Number of currently open control-socket connections",
		},
	)

	// FramesEmittedTotal counts frames sent, by keyframe-ness.
	FramesEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserstream_frames_emitted_total",
			Help: "Total frames emitted to clients",
		},
		[]string{"keyframe"},
	)

	// FramesDroppedTotal counts frames dropped under outbound backpressure.
	FramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserstream_frames_dropped_total",
			Help: "Total frames dropped because the outbound socket buffer was full",
		},
	)

	// FrameBytesTotal sums encoded frame payload bytes sent.
	FrameBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserstream_frame_bytes_total",
			Help: "Total bytes of encoded frame payload sent",
		},
	)

	// StreamQuality tracks the current encode quality in use, by connection and device class.
	StreamQuality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserstream_stream_quality",
			Help: "Current JPEG/PNG encode quality in use",
		},
		[]string{"connection_class", "device_class"},
	)

	// StreamFPS tracks the current target fps in use.
	StreamFPS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserstream_stream_fps",
			Help: "Current target frames per second",
		},
		[]string{"connection_class", "device_class"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserstream_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserstream_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		SocketMessagesTotal,
		MessageHandleDuration,
		BrowserPoolCapacity,
		BrowserPoolInUse,
		BrowserPoolCreated,
		BrowserPoolEvicted,
		ActiveSessions,
		ActiveSockets,
		FramesEmittedTotal,
		FramesDroppedTotal,
		FrameBytesTotal,
		StreamQuality,
		StreamFPS,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordMessage records the outcome of handling one control-socket message.
func RecordMessage(name, status string, duration time.Duration) {
	SocketMessagesTotal.WithLabelValues(name, status).Inc()
	MessageHandleDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordBrowserCreated records a new browser instance creation.
func RecordBrowserCreated() {
	BrowserPoolCreated.Inc()
}

// RecordBrowserEvicted records a browser eviction by reason ("lru", "idle", "explicit", "shutdown").
func RecordBrowserEvicted(reason string) {
	BrowserPoolEvicted.WithLabelValues(reason).Inc()
}

// RecordFrame records one emitted frame's size and keyframe-ness.
func RecordFrame(isKeyframe bool, byteLen int) {
	label := "false"
	if isKeyframe {
		label = "true"
	}
	FramesEmittedTotal.WithLabelValues(label).Inc()
	FrameBytesTotal.Add(float64(byteLen))
}

// RecordFrameDropped records a frame dropped under outbound backpressure.
func RecordFrameDropped() {
	FramesDroppedTotal.Inc()
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(capacity, inUse int) {
	BrowserPoolCapacity.Set(float64(capacity))
	BrowserPoolInUse.Set(float64(inUse))
}

// UpdateSessionMetrics updates session and socket count gauges.
func UpdateSessionMetrics(sessions, sockets int) {
	ActiveSessions.Set(float64(sessions))
	ActiveSockets.Set(float64(sockets))
}

// UpdateStreamSettings updates the per-class quality/fps gauges.
func UpdateStreamSettings(connectionClass, deviceClass string, quality, fps int) {
	StreamQuality.WithLabelValues(connectionClass, deviceClass).Set(float64(quality))
	StreamFPS.WithLabelValues(connectionClass, deviceClass).Set(float64(fps))
}
