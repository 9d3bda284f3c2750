package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/users/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/users/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "sessions/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestGaugesConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	frames := 200
	wg.Add(frames + 2)
	for i := 0; i < frames; i++ {
		go func() {
			defer wg.Done()
			recorder.RecordFrame()
		}()
	}
	go func() {
		defer wg.Done()
		recorder.ObserveActiveSessions(3)
	}()
	go func() {
		defer wg.Done()
		recorder.ObserveConnections(7)
	}()

	wg.Wait()

	if relayed := recorder.FramesRelayed(); relayed != uint64(frames) {
		t.Fatalf("unexpected frame count: got %d want %d", relayed, frames)
	}
	if active := recorder.ActiveSessions(); active != 3 {
		t.Fatalf("unexpected active sessions gauge: got %d", active)
	}
	if conns := recorder.Connections(); conns != 7 {
		t.Fatalf("unexpected connections gauge: got %d", conns)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/users/abc123def/chat", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/users/456/chat/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/ws", 101, time.Second)

	recorder.RecordSessionEvent("Created")
	recorder.RecordSessionEvent("started")
	recorder.RecordSessionEvent("started")

	recorder.ObserveActiveSessions(2)
	recorder.ObserveConnections(5)

	recorder.RecordBroadcast("chat", 3)
	recorder.RecordBroadcast("chat", 2)
	recorder.RecordBroadcast("data_frame", 0)
	recorder.RecordDeliveryError("data_frame")

	recorder.RecordFrame()
	recorder.RecordFrame()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP streamhub_http_requests_total Total number of HTTP requests processed by the server
# TYPE streamhub_http_requests_total counter
streamhub_http_requests_total{method="GET",path="/users/:id/chat",status="200"} 2
streamhub_http_requests_total{method="POST",path="/ws",status="101"} 1
# HELP streamhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE streamhub_http_request_duration_seconds_sum counter
streamhub_http_request_duration_seconds_sum{method="GET",path="/users/:id/chat",status="200"} 0.200000
streamhub_http_request_duration_seconds_sum{method="POST",path="/ws",status="101"} 1.000000
# HELP streamhub_http_request_duration_seconds_count Total number of observations for request durations
# TYPE streamhub_http_request_duration_seconds_count counter
streamhub_http_request_duration_seconds_count{method="GET",path="/users/:id/chat",status="200"} 2
streamhub_http_request_duration_seconds_count{method="POST",path="/ws",status="101"} 1
# HELP streamhub_session_events_total Session lifecycle events by type
# TYPE streamhub_session_events_total counter
streamhub_session_events_total{event="created"} 1
streamhub_session_events_total{event="started"} 2
# HELP streamhub_active_sessions Current number of live sessions
# TYPE streamhub_active_sessions gauge
streamhub_active_sessions 2
# HELP streamhub_connections Current number of open connections
# TYPE streamhub_connections gauge
streamhub_connections 5
# HELP streamhub_broadcasts_total Fan-out operations by envelope kind
# TYPE streamhub_broadcasts_total counter
streamhub_broadcasts_total{kind="chat"} 2
streamhub_broadcasts_total{kind="data_frame"} 1
# HELP streamhub_broadcast_recipients_total Envelopes delivered across all fan-outs by kind
# TYPE streamhub_broadcast_recipients_total counter
streamhub_broadcast_recipients_total{kind="chat"} 5
streamhub_broadcast_recipients_total{kind="data_frame"} 0
# HELP streamhub_delivery_errors_total Failed envelope deliveries by kind
# TYPE streamhub_delivery_errors_total counter
streamhub_delivery_errors_total{kind="data_frame"} 1
# HELP streamhub_frames_relayed_total Total data frames relayed to session members
# TYPE streamhub_frames_relayed_total counter
streamhub_frames_relayed_total 2`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	recorder.RecordSessionEvent("created")
	recorder.RecordFrame()
	recorder.ObserveConnections(4)

	recorder.Reset()

	if len(recorder.requestCount) != 0 || len(recorder.sessionEvents) != 0 {
		t.Fatal("reset should clear counters")
	}
	if recorder.FramesRelayed() != 0 || recorder.Connections() != 0 {
		t.Fatal("reset should clear gauges")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
