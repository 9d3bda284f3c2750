package metrics

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `streamhub_http_requests_total{method="GET",path="/widgets/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestHTTPMiddlewareDefaultsStatusToOK(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `streamhub_http_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	server, client := net.Pipe()
	client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestResponseRecorderPreservesHijacker(t *testing.T) {
	underlying := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	rr := NewResponseRecorder(underlying)

	conn, _, err := rr.Hijack()
	if err != nil {
		t.Fatalf("hijack failed: %v", err)
	}
	conn.Close()
	if !underlying.hijacked {
		t.Fatal("hijack should delegate to the underlying writer")
	}

	// Plain recorders do not support hijacking.
	plain := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := plain.Hijack(); err == nil {
		t.Fatal("expected hijack to fail on a plain writer")
	}
}
