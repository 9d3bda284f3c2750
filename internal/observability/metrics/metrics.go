package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, fan-out deliveries, and frame relay throughput.
// It coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for active session and connection tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	broadcastCount  map[string]uint64
	broadcastSent   map[string]uint64
	deliveryErrors  map[string]uint64
	framesRelayed   atomic.Uint64
	activeSessions  atomic.Int64
	connections     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		broadcastCount:  make(map[string]uint64),
		broadcastSent:   make(map[string]uint64),
		deliveryErrors:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// RecordSessionEvent records a session lifecycle event (created, started,
// ended, swept).
func (r *Recorder) RecordSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// RecordBroadcast accumulates one fan-out by envelope kind and the number of
// recipients reached.
func (r *Recorder) RecordBroadcast(kind string, recipients int) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.broadcastCount[normalized]++
	if recipients > 0 {
		r.broadcastSent[normalized] += uint64(recipients)
	}
	r.mu.Unlock()
}

// RecordDeliveryError counts a failed envelope delivery by kind.
func (r *Recorder) RecordDeliveryError(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.deliveryErrors[normalized]++
	r.mu.Unlock()
}

// RecordFrame counts one relayed data frame.
func (r *Recorder) RecordFrame() {
	r.framesRelayed.Add(1)
}

// ObserveActiveSessions sets the live-session gauge.
func (r *Recorder) ObserveActiveSessions(count int) {
	r.activeSessions.Store(int64(count))
}

// ObserveConnections sets the connection gauge.
func (r *Recorder) ObserveConnections(count int) {
	r.connections.Store(int64(count))
}

// ActiveSessions exposes the current gauge of live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// Connections exposes the current gauge of open connections.
func (r *Recorder) Connections() int64 {
	return r.connections.Load()
}

// FramesRelayed exposes the total number of frames relayed.
func (r *Recorder) FramesRelayed() uint64 {
	return r.framesRelayed.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.broadcastCount = make(map[string]uint64)
	r.broadcastSent = make(map[string]uint64)
	r.deliveryErrors = make(map[string]uint64)
	r.framesRelayed.Store(0)
	r.activeSessions.Store(0)
	r.connections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	broadcastKinds := r.sortedBroadcastKinds()
	errorKinds := sortedKeys(r.deliveryErrors)

	fmt.Fprintln(w, "# HELP streamhub_http_requests_total Total number of HTTP requests processed by the server")
	fmt.Fprintln(w, "# TYPE streamhub_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamhub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamhub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamhub_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamhub_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE streamhub_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamhub_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamhub_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamhub_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "streamhub_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamhub_active_sessions Current number of live sessions")
	fmt.Fprintln(w, "# TYPE streamhub_active_sessions gauge")
	fmt.Fprintf(w, "streamhub_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamhub_connections Current number of open connections")
	fmt.Fprintln(w, "# TYPE streamhub_connections gauge")
	fmt.Fprintf(w, "streamhub_connections %d\n", r.connections.Load())

	fmt.Fprintln(w, "# HELP streamhub_broadcasts_total Fan-out operations by envelope kind")
	fmt.Fprintln(w, "# TYPE streamhub_broadcasts_total counter")
	for _, kind := range broadcastKinds {
		fmt.Fprintf(w, "streamhub_broadcasts_total{kind=\"%s\"} %d\n", kind, r.broadcastCount[kind])
	}

	fmt.Fprintln(w, "# HELP streamhub_broadcast_recipients_total Envelopes delivered across all fan-outs by kind")
	fmt.Fprintln(w, "# TYPE streamhub_broadcast_recipients_total counter")
	for _, kind := range broadcastKinds {
		fmt.Fprintf(w, "streamhub_broadcast_recipients_total{kind=\"%s\"} %d\n", kind, r.broadcastSent[kind])
	}

	fmt.Fprintln(w, "# HELP streamhub_delivery_errors_total Failed envelope deliveries by kind")
	fmt.Fprintln(w, "# TYPE streamhub_delivery_errors_total counter")
	for _, kind := range errorKinds {
		fmt.Fprintf(w, "streamhub_delivery_errors_total{kind=\"%s\"} %d\n", kind, r.deliveryErrors[kind])
	}

	fmt.Fprintln(w, "# HELP streamhub_frames_relayed_total Total data frames relayed to session members")
	fmt.Fprintln(w, "# TYPE streamhub_frames_relayed_total counter")
	fmt.Fprintf(w, "streamhub_frames_relayed_total %d\n", r.framesRelayed.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBroadcastKinds() []string {
	seen := make(map[string]struct{}, len(r.broadcastCount)+len(r.broadcastSent))
	for kind := range r.broadcastCount {
		seen[kind] = struct{}{}
	}
	for kind := range r.broadcastSent {
		seen[kind] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
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
	if len(segment) >= 8 {
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
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// RecordSessionEvent records a session lifecycle event on the default
// recorder.
func RecordSessionEvent(event string) {
	defaultRecorder.RecordSessionEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
