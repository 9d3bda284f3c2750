package storage

import (
	"context"
	"errors"
	"time"

	"streamhub/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRecord is an archived session. The join key is stored only as an
// irreversible digest.
type SessionRecord struct {
	models.SessionSummary
	KeyDigest string `json:"keyDigest,omitempty"`
}

// Stats summarises the archive contents for the health endpoint.
type Stats struct {
	Users        int `json:"users"`
	Follows      int `json:"follows"`
	Sessions     int `json:"sessions"`
	ChatMessages int `json:"chatMessages"`
	Reactions    int `json:"reactions"`
}

// Repository is the archive datastore behind the coordinator: identities and
// the follow graph survive restarts, ended sessions and their chat logs are
// kept for listing until swept.
type Repository interface {
	Ping(ctx context.Context) error

	SaveUser(ctx context.Context, user models.User) error
	ListUsers(ctx context.Context) ([]models.User, error)

	SaveFollow(ctx context.Context, edge models.FollowEdge) error
	DeleteFollow(ctx context.Context, followerID, followeeID string) error
	ListFollows(ctx context.Context) ([]models.FollowEdge, error)

	ArchiveSession(ctx context.Context, record SessionRecord) error
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	SaveChatMessage(ctx context.Context, msg models.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	SaveReaction(ctx context.Context, reaction models.Reaction) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
