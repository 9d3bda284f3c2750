package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startEcho(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			payload, err := conn.ReadMessage(r.Context())
			if err != nil {
				return
			}
			if err := conn.WriteText(payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnEchoAcrossFrameSizes(t *testing.T) {
	url := startEcho(t)
	conn := dial(t, url)

	// Cover the 7-bit, 16-bit, and 64-bit payload length encodings.
	for _, size := range []int{5, 300, 70000} {
		payload := bytes.Repeat([]byte("x"), size)
		if err := conn.WriteText(payload); err != nil {
			t.Fatalf("write %d bytes: %v", size, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		echoed, err := conn.ReadMessage(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read %d bytes: %v", size, err)
		}
		if !bytes.Equal(echoed, payload) {
			t.Fatalf("echo mismatch at size %d: got %d bytes", size, len(echoed))
		}
	}
}

func TestConnAnswersPings(t *testing.T) {
	url := startEcho(t)
	conn := dial(t, url)

	if err := conn.Ping([]byte("hb")); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// The echo handler's ReadMessage consumes the ping and answers with a
	// pong; a following text frame round-trips normally.
	if err := conn.WriteText([]byte("after-ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "after-ping" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestDialRejectsNonWebSocketScheme(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "http://127.0.0.1:0/", nil, nil); err == nil {
		t.Fatal("expected an error for a non-websocket scheme")
	}
}

func TestWriteAfterClose(t *testing.T) {
	url := startEcho(t)
	conn := dial(t, url)
	conn.Close()
	if err := conn.WriteText([]byte("late")); err == nil {
		t.Fatal("expected an error writing to a closed connection")
	}
}
