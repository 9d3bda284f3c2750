package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"streamhub/internal/hub"
	"streamhub/internal/models"
	"streamhub/internal/storage"
)

// Handler serves the read-only HTTP surface next to the WebSocket entry
// point.
type Handler struct {
	coordinator *hub.Coordinator
	store       storage.Repository
	logger      *slog.Logger
	startedAt   time.Time
}

// NewHandler initialises the HTTP handler set.
func NewHandler(coordinator *hub.Coordinator, store storage.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coordinator: coordinator,
		store:       store,
		logger:      logger,
		startedAt:   time.Now().UTC(),
	}
}

type healthResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
	Storage       string        `json:"storage"`
	Stats         storage.Stats `json:"stats"`
}

// Health reports process liveness and archive reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Storage:       "ok",
	}
	status := http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("storage ping failed", "error", err)
			resp.Status = "degraded"
			resp.Storage = "unreachable"
			status = http.StatusServiceUnavailable
		} else if stats, err := h.store.Stats(ctx); err == nil {
			resp.Stats = stats
		}
	}
	writeJSON(w, status, resp)
}

type sessionsResponse struct {
	Live     []models.SessionSummary `json:"live"`
	Archived []storage.SessionRecord `json:"archived,omitempty"`
}

// Sessions lists live sessions and, when requested, recent archived ones.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := sessionsResponse{Live: h.coordinator.LiveSessions()}

	if r.URL.Query().Get("archived") == "true" && h.store != nil {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		records, err := h.store.ListSessions(ctx, limit)
		if err != nil {
			h.logger.Error("archived session listing failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not list archived sessions")
			return
		}
		// Key digests stay internal.
		for i := range records {
			records[i].KeyDigest = ""
		}
		resp.Archived = records
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionChat lists the archived chat log of a session.
func (h *Handler) SessionChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}
	if h.store == nil {
		writeJSON(w, http.StatusOK, []models.ChatMessage{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	messages, err := h.store.ListChatMessages(ctx, sessionID, limit)
	if err != nil {
		h.logger.Error("chat log listing failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list chat messages")
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
