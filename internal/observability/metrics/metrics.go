// Package metrics exposes relay instrumentation through a Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitriver_relay"

// Recorder owns a Prometheus registry and the relay's collectors. It
// satisfies the metrics interfaces of the broadcast and encoder packages.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	streamEvents    *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	encoderStarts   *prometheus.CounterVec
	encoderExits    *prometheus.CounterVec
	compensation    *prometheus.CounterVec
	uploads         *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_stage_duration_seconds",
			Help:      "Time from the start of a stream attempt until each stage completed or failed.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
		}, []string{"stage", "outcome"}),
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events: start and end outcomes.",
		}, []string{"event"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Broadcasts currently live.",
		}),
		encoderStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_starts_total",
			Help:      "Encoder process start attempts by result.",
		}, []string{"result"}),
		encoderExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_exits_total",
			Help:      "Encoder process exits by outcome.",
		}, []string{"outcome"}),
		compensation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Rollback steps that failed and were left behind.",
		}, []string{"step"}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Media uploads by outcome.",
		}, []string{"outcome"}),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request. path should be a route pattern;
// raw paths are normalised so identifiers do not explode label cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveStage records how long a stream attempt took to reach stage.
func (r *Recorder) ObserveStage(stage, outcome string, duration time.Duration) {
	r.stageDuration.WithLabelValues(normalizeName(stage), normalizeName(outcome)).Observe(duration.Seconds())
}

// StreamStarted records a broadcast going live.
func (r *Recorder) StreamStarted() {
	r.streamEvents.WithLabelValues("start").Inc()
	r.activeStreams.Inc()
}

// StreamEnded records a live broadcast's encoder ending with outcome.
func (r *Recorder) StreamEnded(outcome string) {
	r.streamEvents.WithLabelValues("end_" + normalizeName(outcome)).Inc()
	r.activeStreams.Dec()
}

// CompensationFailed records a rollback step that could not be completed.
func (r *Recorder) CompensationFailed(step string) {
	r.compensation.WithLabelValues(normalizeName(step)).Inc()
}

// EncoderStarted records a confirmed encoder start.
func (r *Recorder) EncoderStarted() {
	r.encoderStarts.WithLabelValues("ok").Inc()
}

// EncoderStartFailed records an encoder that never confirmed startup.
func (r *Recorder) EncoderStartFailed() {
	r.encoderStarts.WithLabelValues("error").Inc()
}

// EncoderExited records how a started encoder ended.
func (r *Recorder) EncoderExited(outcome string) {
	r.encoderExits.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveUpload records an upload outcome such as "stored" or "too_large".
func (r *Recorder) ObserveUpload(outcome string) {
	r.uploads.WithLabelValues(normalizeName(outcome)).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
