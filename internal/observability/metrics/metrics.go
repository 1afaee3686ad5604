package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audiopirate"

// Recorder owns a private Prometheus registry holding the HTTP, auth, session
// and capture series for one server process.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	authAttempts     *prometheus.CounterVec
	tokensIssued     prometheus.Counter
	tokensRevoked    prometheus.Counter
	tokensPurged     prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsStream   prometheus.Gauge
	sessionsClosed   *prometheus.CounterVec
	chunksCaptured   prometheus.Counter
	chunksDropped    prometheus.Counter
	captureFaults    prometheus.Counter
	captureReacquire *prometheus.CounterVec
	captureState     *prometheus.GaugeVec
	subscribers      prometheus.Gauge
}

var defaultRecorder atomic.Pointer[Recorder]

func init() {
	defaultRecorder.Store(New())
}

// New constructs a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by method and result",
		}, []string{"method", "result"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Session tokens issued",
		}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Session tokens revoked by logout",
		}),
		tokensPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_purges_total",
			Help:      "Completed expired-token purge passes",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open client connections",
		}),
		sessionsStream: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_streaming",
			Help:      "Client connections currently receiving audio",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed client connections by reason",
		}, []string{"reason"}),
		chunksCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_captured_total",
			Help:      "Audio chunks read from the capture device",
		}),
		chunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Audio chunks discarded from full session queues",
		}),
		captureFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_faults_total",
			Help:      "Unrecoverable capture device faults",
		}),
		captureReacquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_reacquire_total",
			Help:      "Capture device open attempts after release or fault",
		}, []string{"result"}),
		captureState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_state",
			Help:      "Capture device state, 1 for the current state",
		}, []string{"state"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Session queues registered with the broadcaster",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.authAttempts,
		r.tokensIssued,
		r.tokensRevoked,
		r.tokensPurged,
		r.sessionsActive,
		r.sessionsStream,
		r.sessionsClosed,
		r.chunksCaptured,
		r.chunksDropped,
		r.captureFaults,
		r.captureReacquire,
		r.captureState,
		r.subscribers,
	)
	r.SetCaptureState("closed")
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder.Load()
}

// SetDefault swaps the process-wide Recorder, mainly so tests can observe a
// fresh registry.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder.Store(r)
	}
}

// Registry exposes the underlying registry for gathering in tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records a request by method, normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.httpRequests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveAuthAttempt records a credential or token check. method is
// "credential" or "token"; result is "success", "failure", "expired" or
// "rate_limited".
func (r *Recorder) ObserveAuthAttempt(method, result string) {
	r.authAttempts.WithLabelValues(normalizeName(method), normalizeName(result)).Inc()
}

func (r *Recorder) TokenIssued()  { r.tokensIssued.Inc() }
func (r *Recorder) TokenRevoked() { r.tokensRevoked.Inc() }
func (r *Recorder) TokensPurged() { r.tokensPurged.Inc() }

// SessionOpened tracks a new client connection.
func (r *Recorder) SessionOpened() {
	r.sessionsActive.Inc()
}

// SessionClosed tracks a finished client connection and why it ended.
func (r *Recorder) SessionClosed(reason string) {
	r.sessionsActive.Dec()
	r.sessionsClosed.WithLabelValues(normalizeName(reason)).Inc()
}

func (r *Recorder) StreamingStarted() { r.sessionsStream.Inc() }
func (r *Recorder) StreamingStopped() { r.sessionsStream.Dec() }

func (r *Recorder) ChunkCaptured() { r.chunksCaptured.Inc() }

// ChunksDropped adds n drop-oldest evictions.
func (r *Recorder) ChunksDropped(n int) {
	if n > 0 {
		r.chunksDropped.Add(float64(n))
	}
}

func (r *Recorder) CaptureFault() { r.captureFaults.Inc() }

// CaptureReacquire records an attempt to reopen the device.
func (r *Recorder) CaptureReacquire(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	r.captureReacquire.WithLabelValues(result).Inc()
}

// SetCaptureState flags the current device state.
func (r *Recorder) SetCaptureState(state string) {
	for _, s := range []string{"closed", "open", "faulted"} {
		value := 0.0
		if s == state {
			value = 1
		}
		r.captureState.WithLabelValues(s).Set(value)
	}
}

func (r *Recorder) SetSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
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

// looksLikeIdentifier keeps label cardinality bounded when clients probe
// arbitrary paths.
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
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
