// Package identity maps connection handles to stable user identities. A user
// keeps their identity, role, and follow edges across reconnects; only the
// connection handle is rebound.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"streamhub/internal/models"
)

// ErrInvalidName is returned when a display name is empty after trimming.
var ErrInvalidName = errors.New("display name is required")

// PurgeListener is invoked after an identity is permanently removed so other
// components (the follow graph) can drop state keyed by the identity.
type PurgeListener func(userID string)

// Registry owns all user state. It carries no lock of its own: callers must
// serialise mutations, which the hub coordinator does for every unit of work.
type Registry struct {
	users  map[string]models.User
	byName map[string]string
	byConn map[string]string

	folder   cases.Caser
	onPurge  PurgeListener
	now      func() time.Time
	idSource func() (string, error)
}

// NewRegistry initialises an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]models.User),
		byName:   make(map[string]string),
		byConn:   make(map[string]string),
		folder:   cases.Fold(),
		now:      func() time.Time { return time.Now().UTC() },
		idSource: newID,
	}
}

// SetPurgeListener installs the callback fired by Purge.
func (r *Registry) SetPurgeListener(listener PurgeListener) {
	r.onPurge = listener
}

// Register resolves or creates the identity for displayName. A name that
// already exists (compared case-insensitively) is a reconnection: the existing
// identity's connection handle is rebound to connID and the stored role wins
// over the requested one.
func (r *Registry) Register(displayName string, role models.Role, connID string) (models.User, error) {
	trimmed := strings.TrimSpace(displayName)
	if trimmed == "" {
		return models.User{}, ErrInvalidName
	}
	if !role.Valid() {
		return models.User{}, fmt.Errorf("unknown role %q", role)
	}

	folded := r.folder.String(trimmed)
	if id, exists := r.byName[folded]; exists {
		user := r.users[id]
		if user.ConnectionID != "" {
			delete(r.byConn, user.ConnectionID)
		}
		user.ConnectionID = connID
		r.users[id] = user
		if connID != "" {
			r.byConn[connID] = id
		}
		return user, nil
	}

	id, err := r.idSource()
	if err != nil {
		return models.User{}, fmt.Errorf("generate user id: %w", err)
	}
	user := models.User{
		ID:           id,
		DisplayName:  trimmed,
		Role:         role,
		ConnectionID: connID,
		CreatedAt:    r.now(),
	}
	r.users[id] = user
	r.byName[folded] = id
	if connID != "" {
		r.byConn[connID] = id
	}
	return user, nil
}

// ResolveByConnection returns the identity bound to a connection handle.
func (r *Registry) ResolveByConnection(connID string) (models.User, bool) {
	id, ok := r.byConn[connID]
	if !ok {
		return models.User{}, false
	}
	user, ok := r.users[id]
	return user, ok
}

// Get returns a user by identity.
func (r *Registry) Get(id string) (models.User, bool) {
	user, ok := r.users[id]
	return user, ok
}

// Disconnect clears the connection handle but retains the identity. It is a
// no-op for unknown identities or identities already disconnected.
func (r *Registry) Disconnect(id string) {
	user, ok := r.users[id]
	if !ok || user.ConnectionID == "" {
		return
	}
	delete(r.byConn, user.ConnectionID)
	user.ConnectionID = ""
	r.users[id] = user
}

// Purge permanently removes an identity and fires the purge listener so
// dependent state (follow edges) is dropped.
func (r *Registry) Purge(id string) {
	user, ok := r.users[id]
	if !ok {
		return
	}
	if user.ConnectionID != "" {
		delete(r.byConn, user.ConnectionID)
	}
	delete(r.byName, r.folder.String(user.DisplayName))
	delete(r.users, id)
	if r.onPurge != nil {
		r.onPurge(id)
	}
}

// List returns all identities ordered by display name.
func (r *Registry) List() []models.User {
	out := make([]models.User, 0, len(r.users))
	for _, user := range r.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Restore seeds identities recovered from the archive repository. Connection
// handles never survive a restart and are cleared on the way in.
func (r *Registry) Restore(users []models.User) {
	for _, user := range users {
		if user.ID == "" || strings.TrimSpace(user.DisplayName) == "" {
			continue
		}
		folded := r.folder.String(strings.TrimSpace(user.DisplayName))
		if _, exists := r.byName[folded]; exists {
			continue
		}
		user.ConnectionID = ""
		r.users[user.ID] = user
		r.byName[folded] = user.ID
	}
}

func newID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
