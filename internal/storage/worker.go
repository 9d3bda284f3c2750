package storage

import (
	"context"
	"log/slog"
	"time"

	"streamhub/internal/hub"
	"streamhub/internal/models"
)

// ArchiveWorker consumes coordinator events from the queue and persists them.
// It is the only writer the live path ever waits on, and it never blocks the
// coordinator: the queue decouples the two.
type ArchiveWorker struct {
	queue  hub.Queue
	store  Repository
	logger *slog.Logger
}

// NewArchiveWorker prepares a worker that persists coordinator events
// delivered via the queue.
func NewArchiveWorker(store Repository, queue hub.Queue, logger *slog.Logger) *ArchiveWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveWorker{queue: queue, store: store, logger: logger}
}

// Run blocks until the context is cancelled, persisting events as they
// arrive.
func (w *ArchiveWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.apply(ctx, event); err != nil {
				w.logger.Error("failed to archive event", "type", event.Type, "error", err)
			}
		}
	}
}

func (w *ArchiveWorker) apply(ctx context.Context, event hub.Event) error {
	applyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch event.Type {
	case hub.EventTypeUserRegistered:
		if event.User == nil {
			return nil
		}
		return w.store.SaveUser(applyCtx, *event.User)
	case hub.EventTypeChat:
		if event.Chat == nil {
			return nil
		}
		return w.store.SaveChatMessage(applyCtx, *event.Chat)
	case hub.EventTypeReaction:
		if event.Reaction == nil {
			return nil
		}
		return w.store.SaveReaction(applyCtx, *event.Reaction)
	case hub.EventTypeNotice:
		if event.Notice == nil {
			return nil
		}
		// Notices share the chat log, attributed to the system sentinel.
		return w.store.SaveChatMessage(applyCtx, models.ChatMessage{
			ID:          event.Notice.ID,
			SessionID:   event.Notice.SessionID,
			UserID:      event.Notice.UserID,
			DisplayName: models.SystemUserID,
			Content:     event.Notice.Content,
			CreatedAt:   event.Notice.CreatedAt,
		})
	case hub.EventTypeFollowed:
		if event.Follow == nil {
			return nil
		}
		return w.store.SaveFollow(applyCtx, models.FollowEdge{
			FollowerID: event.Follow.FollowerID,
			FolloweeID: event.Follow.FolloweeID,
			CreatedAt:  event.Follow.CreatedAt,
		})
	case hub.EventTypeUnfollowed:
		if event.Follow == nil {
			return nil
		}
		return w.store.DeleteFollow(applyCtx, event.Follow.FollowerID, event.Follow.FolloweeID)
	case hub.EventTypeSessionEnded:
		if event.Session == nil {
			return nil
		}
		record := SessionRecord{SessionSummary: *event.Session}
		if event.SessionKey != "" {
			digest, err := DigestKey(event.SessionKey)
			if err != nil {
				return err
			}
			record.KeyDigest = digest
		}
		return w.store.ArchiveSession(applyCtx, record)
	default:
		w.logger.Debug("ignoring unknown event type", "type", event.Type)
		return nil
	}
}
