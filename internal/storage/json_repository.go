package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"streamhub/internal/models"
)

type dataset struct {
	Users        map[string]models.User        `json:"users"`
	Follows      []models.FollowEdge           `json:"follows"`
	Sessions     map[string]SessionRecord      `json:"sessions"`
	ChatMessages map[string]models.ChatMessage `json:"chatMessages"`
	Reactions    map[string]models.Reaction    `json:"reactions"`
}

func newDataset() dataset {
	return dataset{
		Users:        make(map[string]models.User),
		Sessions:     make(map[string]SessionRecord),
		ChatMessages: make(map[string]models.ChatMessage),
		Reactions:    make(map[string]models.Reaction),
	}
}

// JSONRepository persists the archive to a single JSON file with atomic
// replace-on-write. Suited to single-node deployments and tests.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
}

// NewJSONRepository opens (or creates) the JSON-backed archive at path.
func NewJSONRepository(path string) (*JSONRepository, error) {
	repo := &JSONRepository{filePath: path}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		r.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&r.data); err != nil {
		if errors.Is(err, io.EOF) {
			r.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	r.ensureInitializedLocked()
	return nil
}

func (r *JSONRepository) ensureInitializedLocked() {
	if r.data.Users == nil {
		r.data.Users = make(map[string]models.User)
	}
	if r.data.Sessions == nil {
		r.data.Sessions = make(map[string]SessionRecord)
	}
	if r.data.ChatMessages == nil {
		r.data.ChatMessages = make(map[string]models.ChatMessage)
	}
	if r.data.Reactions == nil {
		r.data.Reactions = make(map[string]models.Reaction)
	}
}

func (r *JSONRepository) persistLocked() error {
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (r *JSONRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *JSONRepository) SaveUser(_ context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Connection handles are transient and never archived.
	user.ConnectionID = ""
	r.data.Users[user.ID] = user
	return r.persistLocked()
}

func (r *JSONRepository) ListUsers(_ context.Context) ([]models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]models.User, 0, len(r.data.Users))
	for _, u := range r.data.Users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *JSONRepository) SaveFollow(_ context.Context, edge models.FollowEdge) error {
	if edge.FollowerID == "" || edge.FolloweeID == "" {
		return fmt.Errorf("follower and followee ids are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.data.Follows {
		if existing.FollowerID == edge.FollowerID && existing.FolloweeID == edge.FolloweeID {
			return nil
		}
	}
	r.data.Follows = append(r.data.Follows, edge)
	return r.persistLocked()
}

func (r *JSONRepository) DeleteFollow(_ context.Context, followerID, followeeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.data.Follows[:0]
	removed := false
	for _, edge := range r.data.Follows {
		if edge.FollowerID == followerID && edge.FolloweeID == followeeID {
			removed = true
			continue
		}
		kept = append(kept, edge)
	}
	r.data.Follows = kept
	if !removed {
		return nil
	}
	return r.persistLocked()
}

func (r *JSONRepository) ListFollows(_ context.Context) ([]models.FollowEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	edges := make([]models.FollowEdge, len(r.data.Follows))
	copy(edges, r.data.Follows)
	return edges, nil
}

func (r *JSONRepository) ArchiveSession(_ context.Context, record SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Sessions[record.SessionID] = record
	return r.persistLocked()
}

func (r *JSONRepository) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]SessionRecord, 0, len(r.data.Sessions))
	for _, rec := range r.data.Sessions {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r *JSONRepository) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.data.Sessions {
		if rec.EndedAt == nil || !rec.EndedAt.Before(cutoff) {
			continue
		}
		delete(r.data.Sessions, id)
		for msgID, msg := range r.data.ChatMessages {
			if msg.SessionID == id {
				delete(r.data.ChatMessages, msgID)
			}
		}
		for reactionID, reaction := range r.data.Reactions {
			if reaction.SessionID == id {
				delete(r.data.Reactions, reactionID)
			}
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, r.persistLocked()
}

func (r *JSONRepository) SaveChatMessage(_ context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.ChatMessages[msg.ID] = msg
	return r.persistLocked()
}

func (r *JSONRepository) ListChatMessages(_ context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var messages []models.ChatMessage
	for _, msg := range r.data.ChatMessages {
		if msg.SessionID == sessionID {
			messages = append(messages, msg)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (r *JSONRepository) SaveReaction(_ context.Context, reaction models.Reaction) error {
	if reaction.ID == "" {
		return fmt.Errorf("reaction id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Reactions[reaction.ID] = reaction
	return r.persistLocked()
}

func (r *JSONRepository) Stats(_ context.Context) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Users:        len(r.data.Users),
		Follows:      len(r.data.Follows),
		Sessions:     len(r.data.Sessions),
		ChatMessages: len(r.data.ChatMessages),
		Reactions:    len(r.data.Reactions),
	}, nil
}

func (r *JSONRepository) Close() error {
	return nil
}

var _ Repository = (*JSONRepository)(nil)
