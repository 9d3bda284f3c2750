package hub

import (
	"errors"
	"sync"
	"testing"
)

type recordingMetrics struct {
	mu         sync.Mutex
	broadcasts map[string]int
	errors     map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{broadcasts: make(map[string]int), errors: make(map[string]int)}
}

func (m *recordingMetrics) RecordBroadcast(kind string, recipients int) {
	m.mu.Lock()
	m.broadcasts[kind] += recipients
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordDeliveryError(kind string) {
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}

func TestDispatcherSendUnknownConnection(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if d.Send("missing", Envelope{Kind: KindChat}) {
		t.Fatal("send to an unknown connection should report failure")
	}
}

func TestDispatcherSendStampsOccurredAt(t *testing.T) {
	d := NewDispatcher(nil, nil)
	conn := &fakeConn{id: "conn-1"}
	d.Attach(conn)

	if !d.Send(conn.id, Envelope{Kind: KindChat}) {
		t.Fatal("send should succeed")
	}
	env := conn.last(t, KindChat)
	if env.OccurredAt.IsZero() {
		t.Fatal("dispatcher should stamp OccurredAt")
	}
}

func TestDispatcherSendFailureRecordsMetric(t *testing.T) {
	metrics := newRecordingMetrics()
	d := NewDispatcher(nil, metrics)
	d.Attach(&fakeConn{id: "conn-1", err: errors.New("broken pipe")})

	if d.Send("conn-1", Envelope{Kind: KindDataFrame}) {
		t.Fatal("failed delivery should report false")
	}
	if metrics.errors[string(KindDataFrame)] != 1 {
		t.Fatalf("expected 1 recorded delivery error, got %d", metrics.errors[string(KindDataFrame)])
	}
}

func TestDispatcherBroadcastExcludesAndCounts(t *testing.T) {
	metrics := newRecordingMetrics()
	d := NewDispatcher(nil, metrics)
	a := &fakeConn{id: "conn-a"}
	b := &fakeConn{id: "conn-b"}
	broken := &fakeConn{id: "conn-broken", err: errors.New("broken pipe")}
	d.Attach(a)
	d.Attach(b)
	d.Attach(broken)

	targets := []string{"conn-a", "conn-b", "conn-broken", "conn-missing", ""}
	delivered := d.Broadcast(targets, Envelope{Kind: KindChat}, "conn-b")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if len(a.byKind(KindChat)) != 1 {
		t.Fatal("conn-a should have received the envelope")
	}
	if len(b.byKind(KindChat)) != 0 {
		t.Fatal("excluded connection should receive nothing")
	}
	if metrics.broadcasts[string(KindChat)] != 1 {
		t.Fatalf("expected broadcast metric 1, got %d", metrics.broadcasts[string(KindChat)])
	}
}

func TestDispatcherAttachReplacesAndDetach(t *testing.T) {
	d := NewDispatcher(nil, nil)
	stale := &fakeConn{id: "conn-1", err: errors.New("stale")}
	fresh := &fakeConn{id: "conn-1"}
	d.Attach(stale)
	d.Attach(fresh)

	if !d.Send("conn-1", Envelope{Kind: KindChat}) {
		t.Fatal("replacement connection should receive the envelope")
	}
	if !d.Connected("conn-1") {
		t.Fatal("connection should be attached")
	}
	d.Detach("conn-1")
	if d.Connected("conn-1") {
		t.Fatal("connection should be detached")
	}
	d.Detach("conn-1")
}
