package hub

import (
	"log/slog"
	"sync"
	"time"
)

// Connection is the transport-side handle the dispatcher delivers envelopes
// to. Send must not block indefinitely: transports queue outbound messages on
// a bounded channel and report an error when the peer cannot keep up.
type Connection interface {
	ID() string
	Send(env Envelope) error
}

// DeliveryMetrics records fan-out outcomes. Implemented by the observability
// recorder; a nil value disables recording.
type DeliveryMetrics interface {
	RecordBroadcast(kind string, recipients int)
	RecordDeliveryError(kind string)
}

// Dispatcher tracks live connections and delivers envelopes to them. It knows
// nothing about sessions or users: callers resolve recipient connection IDs
// and the dispatcher handles lookup, per-recipient isolation, and accounting.
type Dispatcher struct {
	logger  *slog.Logger
	metrics DeliveryMetrics

	mu    sync.RWMutex
	conns map[string]Connection
}

// NewDispatcher initialises an empty dispatcher.
func NewDispatcher(logger *slog.Logger, metrics DeliveryMetrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[string]Connection),
	}
}

// Attach registers a connection for delivery. A connection reusing an ID
// replaces the previous registration.
func (d *Dispatcher) Attach(conn Connection) {
	if conn == nil {
		return
	}
	d.mu.Lock()
	d.conns[conn.ID()] = conn
	d.mu.Unlock()
}

// Detach removes a connection. Safe to call for unknown IDs.
func (d *Dispatcher) Detach(connID string) {
	d.mu.Lock()
	delete(d.conns, connID)
	d.mu.Unlock()
}

// Connected reports whether a connection is currently attached.
func (d *Dispatcher) Connected(connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[connID]
	return ok
}

// Send delivers an envelope to a single connection. Returns false when the
// connection is unknown or delivery failed; a failed send never propagates to
// the caller beyond the boolean.
func (d *Dispatcher) Send(connID string, env Envelope) bool {
	d.mu.RLock()
	conn, ok := d.conns[connID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if err := conn.Send(env); err != nil {
		d.logger.Warn("envelope delivery failed", "connection", connID, "kind", env.Kind, "error", err)
		if d.metrics != nil {
			d.metrics.RecordDeliveryError(string(env.Kind))
		}
		return false
	}
	return true
}

// Broadcast delivers an envelope to every listed connection except exclude.
// One slow or failed recipient never affects the others. Returns the number
// of successful deliveries.
func (d *Dispatcher) Broadcast(connIDs []string, env Envelope, exclude string) int {
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	delivered := 0
	for _, id := range connIDs {
		if id == "" || id == exclude {
			continue
		}
		if d.Send(id, env) {
			delivered++
		}
	}
	if d.metrics != nil {
		d.metrics.RecordBroadcast(string(env.Kind), delivered)
	}
	return delivered
}
