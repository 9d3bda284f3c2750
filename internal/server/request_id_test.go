package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"streamhub/internal/observability/logging"
)

func TestRequestIDMiddlewareEchoesHeader(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddleware(nil, next)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-42" {
		t.Fatalf("expected request id in context, got %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != "req-42" {
		t.Fatal("request id should be echoed in the response")
	}
}

func TestRequestIDMiddlewareGeneratesWhenMissing(t *testing.T) {
	handler := requestIDMiddlewareWithGenerator(nil, func() string { return "generated-1" },
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-Id") != "generated-1" {
		t.Fatalf("expected generated id, got %q", rec.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewarePropagatesSessionID(t *testing.T) {
	var session string
	handler := requestIDMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ = logging.SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-Id", "sess-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if session != "sess-7" {
		t.Fatalf("expected session id in context, got %q", session)
	}
}
