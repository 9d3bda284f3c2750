package hub

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"streamhub/internal/models"
)

const maxChatRunes = 500

// NewChatMessage builds a canonical chat record. Content is trimmed and
// bounded; the timestamp is stamped here so ordering within a session follows
// construction order.
func NewChatMessage(sessionID, userID, displayName, content string) (models.ChatMessage, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.ChatMessage{}, fmt.Errorf("message cannot be empty")
	}
	if len([]rune(trimmed)) > maxChatRunes {
		return models.ChatMessage{}, fmt.Errorf("message exceeds %d characters", maxChatRunes)
	}
	id, err := generateEventID()
	if err != nil {
		return models.ChatMessage{}, err
	}
	return models.ChatMessage{
		ID:          id,
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Content:     trimmed,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// NewReaction builds a canonical reaction record.
func NewReaction(sessionID, userID, displayName, emoji string) (models.Reaction, error) {
	trimmed := strings.TrimSpace(emoji)
	if trimmed == "" {
		return models.Reaction{}, fmt.Errorf("emoji cannot be empty")
	}
	id, err := generateEventID()
	if err != nil {
		return models.Reaction{}, err
	}
	return models.Reaction{
		ID:          id,
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Emoji:       trimmed,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// NewSystemNotice builds a dispatcher-originated notice. The originator is
// always the system sentinel and the timestamp is dispatch time, never
// caller-supplied.
func NewSystemNotice(sessionID, content string) (models.SystemNotice, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.SystemNotice{}, fmt.Errorf("notice cannot be empty")
	}
	id, err := generateEventID()
	if err != nil {
		return models.SystemNotice{}, err
	}
	return models.SystemNotice{
		ID:        id,
		SessionID: sessionID,
		UserID:    models.SystemUserID,
		Content:   trimmed,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func generateEventID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
