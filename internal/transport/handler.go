package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"streamhub/internal/hub"
)

const sendQueueDepth = 32

// ErrSlowConsumer is reported when a connection's outbound queue is full.
var ErrSlowConsumer = errors.New("outbound queue full")

// HandlerConfig configures the WebSocket entry point.
type HandlerConfig struct {
	Coordinator *hub.Coordinator
	Logger      *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent to
	// connected peers. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Handler upgrades HTTP requests to WebSocket connections and bridges them to
// the coordinator: inbound text frames decode to commands, outbound envelopes
// encode to text frames.
type Handler struct {
	coordinator       *hub.Coordinator
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewHandler initialises a handler from the provided configuration.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coordinator:       cfg.Coordinator,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// ServeHTTP upgrades the request and runs the connection until the peer goes
// away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := generateConnectionID()
	if err != nil {
		conn.Close()
		h.logger.Error("connection id generation failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		handler: h,
		conn:    conn,
		id:      id,
		send:    make(chan []byte, sendQueueDepth),
		cancel:  cancel,
	}
	h.coordinator.Connect(c)
	h.logger.Info("connection opened", "connection", id, "remote", r.RemoteAddr)

	go c.writeLoop()
	if h.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, h.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// client binds one WebSocket connection to the coordinator. It satisfies
// hub.Connection.
type client struct {
	handler *Handler
	conn    *Conn
	id      string
	send    chan []byte
	closed  sync.Once
	cancel  context.CancelFunc
}

func (c *client) ID() string {
	return c.id
}

// Send queues an envelope for delivery. A full queue means the peer is not
// draining; the envelope is dropped and the caller told.
func (c *client) Send(env hub.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var cmd hub.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.handler.logger.Debug("invalid command payload", "connection", c.id, "error", err)
			continue
		}
		c.handler.coordinator.HandleCommand(ctx, c.id, cmd)
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.handler.coordinator.Disconnect(disconnectCtx, c.id)
		close(c.send)
		c.conn.Close()
	})
}

func generateConnectionID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
