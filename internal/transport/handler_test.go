package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamhub/internal/hub"
)

func startServer(t *testing.T, heartbeat time.Duration) (*hub.Coordinator, string) {
	t.Helper()
	coordinator := hub.NewCoordinator(hub.CoordinatorConfig{Queue: hub.NewMemoryQueue(16)})
	handler := NewHandler(HandlerConfig{Coordinator: coordinator, HeartbeatInterval: heartbeat})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return coordinator, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *Conn, cmd hub.Command) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := conn.WriteText(payload); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

// awaitEnvelope reads frames until one of the wanted kind arrives.
func awaitEnvelope(t *testing.T, conn *Conn, kind hub.Kind) hub.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		payload, err := conn.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", kind, err)
		}
		var env hub.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Kind == kind {
			return env
		}
	}
}

func TestRegisterOverWebSocket(t *testing.T) {
	_, url := startServer(t, 0)
	conn := dial(t, url)

	sendCommand(t, conn, hub.Command{Type: hub.CmdRegister, DisplayName: "Ada", Role: "publisher"})
	env := awaitEnvelope(t, conn, hub.KindRegistered)
	if env.Registered.User.DisplayName != "Ada" {
		t.Fatalf("unexpected user %+v", env.Registered.User)
	}
}

func TestSessionFlowOverWebSocket(t *testing.T) {
	_, url := startServer(t, 0)

	pub := dial(t, url)
	sendCommand(t, pub, hub.Command{Type: hub.CmdRegister, DisplayName: "Ada", Role: "publisher"})
	awaitEnvelope(t, pub, hub.KindRegistered)

	sendCommand(t, pub, hub.Command{Type: hub.CmdCreateSession})
	created := awaitEnvelope(t, pub, hub.KindSessionCreated)
	key := created.Session.Session.Key
	if key == "" {
		t.Fatal("created session should carry a join key")
	}
	sendCommand(t, pub, hub.Command{Type: hub.CmdStartSession, Key: key})
	awaitEnvelope(t, pub, hub.KindSessionStarted)

	viewer := dial(t, url)
	sendCommand(t, viewer, hub.Command{Type: hub.CmdRegister, DisplayName: "Bob", Role: "subscriber"})
	awaitEnvelope(t, viewer, hub.KindRegistered)
	sendCommand(t, viewer, hub.Command{Type: hub.CmdJoinSession, Key: key})
	awaitEnvelope(t, viewer, hub.KindSessionJoined)

	sendCommand(t, viewer, hub.Command{Type: hub.CmdSendChat, Content: "hello"})
	env := awaitEnvelope(t, pub, hub.KindChat)
	if env.Chat.Content != "hello" || env.Chat.DisplayName != "Bob" {
		t.Fatalf("unexpected chat %+v", env.Chat)
	}
}

func TestMalformedCommandIgnored(t *testing.T) {
	_, url := startServer(t, 0)
	conn := dial(t, url)

	if err := conn.WriteText([]byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The connection survives the bad payload.
	sendCommand(t, conn, hub.Command{Type: hub.CmdRegister, DisplayName: "Ada", Role: "subscriber"})
	awaitEnvelope(t, conn, hub.KindRegistered)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	_, url := startServer(t, 20*time.Millisecond)
	conn := dial(t, url)

	sendCommand(t, conn, hub.Command{Type: hub.CmdRegister, DisplayName: "Ada", Role: "subscriber"})
	awaitEnvelope(t, conn, hub.KindRegistered)

	// Several heartbeat intervals pass; ReadMessage answers pings under the
	// hood and the connection keeps serving commands.
	time.Sleep(100 * time.Millisecond)
	sendCommand(t, conn, hub.Command{Type: hub.CmdListUsers})
	awaitEnvelope(t, conn, hub.KindUsers)
}

func TestDisconnectEndsPublisherSession(t *testing.T) {
	coordinator, url := startServer(t, 0)

	pub := dial(t, url)
	sendCommand(t, pub, hub.Command{Type: hub.CmdRegister, DisplayName: "Ada", Role: "publisher"})
	awaitEnvelope(t, pub, hub.KindRegistered)
	sendCommand(t, pub, hub.Command{Type: hub.CmdCreateSession})
	created := awaitEnvelope(t, pub, hub.KindSessionCreated)
	sendCommand(t, pub, hub.Command{Type: hub.CmdStartSession, Key: created.Session.Session.Key})
	awaitEnvelope(t, pub, hub.KindSessionStarted)

	viewer := dial(t, url)
	sendCommand(t, viewer, hub.Command{Type: hub.CmdRegister, DisplayName: "Bob", Role: "subscriber"})
	awaitEnvelope(t, viewer, hub.KindRegistered)
	sendCommand(t, viewer, hub.Command{Type: hub.CmdJoinSession, Key: created.Session.Session.Key})
	awaitEnvelope(t, viewer, hub.KindSessionJoined)

	pub.Close()

	env := awaitEnvelope(t, viewer, hub.KindSessionEnded)
	if env.SessionEnded.Reason != "publisher disconnected" {
		t.Fatalf("unexpected reason %q", env.SessionEnded.Reason)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(coordinator.LiveSessions()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session should no longer be live")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgradeRequired(t *testing.T) {
	coordinator := hub.NewCoordinator(hub.CoordinatorConfig{})
	handler := NewHandler(HandlerConfig{Coordinator: coordinator})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
