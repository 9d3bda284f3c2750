// Package session owns the lifecycle, membership, and catch-up buffering of
// broadcast sessions.
package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"streamhub/internal/models"
)

var (
	// ErrNotFound covers unknown join keys and sessions already Ended.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition signals a state-machine violation.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrPublisherBusy signals a second concurrent session for one publisher.
	ErrPublisherBusy = errors.New("publisher already has an active session")
	// ErrRoleConflict signals a publisher joining their own session as a
	// viewer, which the coordinator rejects.
	ErrRoleConflict = errors.New("publisher cannot join their own session")
)

const keyCollisionRetries = 5

// Registry owns Session and Membership state. Mutations are serialised by the
// hub coordinator; the registry itself carries no lock.
type Registry struct {
	sessions    map[string]*models.Session
	byKey       map[string]string
	byPublisher map[string]string

	members    map[string]map[string]struct{}
	connByID   map[string]string
	buffers    map[string]*frameBuffer
	memberPeak map[string]int
	frameSeq   map[string]uint64

	bufferCapacity int
	now            func() time.Time
}

// NewRegistry initialises an empty registry. capacity bounds the per-session
// catch-up buffer; zero selects DefaultBufferCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Registry{
		sessions:       make(map[string]*models.Session),
		byKey:          make(map[string]string),
		byPublisher:    make(map[string]string),
		members:        make(map[string]map[string]struct{}),
		connByID:       make(map[string]string),
		buffers:        make(map[string]*frameBuffer),
		memberPeak:     make(map[string]int),
		frameSeq:       make(map[string]uint64),
		bufferCapacity: capacity,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a Pending session for the publisher. A publisher owns at most
// one non-Ended session at a time.
func (r *Registry) Create(publisherID string) (models.Session, error) {
	if publisherID == "" {
		return models.Session{}, fmt.Errorf("publisher id is required")
	}
	if existingID, ok := r.byPublisher[publisherID]; ok {
		if existing := r.sessions[existingID]; existing != nil && existing.Active() {
			return models.Session{}, ErrPublisherBusy
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	key, err := r.uniqueKey()
	if err != nil {
		return models.Session{}, err
	}

	s := &models.Session{
		ID:          id,
		Key:         key,
		PublisherID: publisherID,
		Status:      models.SessionPending,
		CreatedAt:   r.now(),
	}
	r.sessions[id] = s
	r.byKey[key] = id
	r.byPublisher[publisherID] = id
	r.members[id] = make(map[string]struct{})
	r.buffers[id] = newFrameBuffer(r.bufferCapacity)
	return *s, nil
}

func (r *Registry) uniqueKey() (string, error) {
	for attempt := 0; attempt < keyCollisionRetries; attempt++ {
		key, err := generateKey()
		if err != nil {
			return "", err
		}
		if _, taken := r.byKey[key]; !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("session key space exhausted after %d attempts", keyCollisionRetries)
}

// Start transitions Pending -> Live and stamps the start time.
func (r *Registry) Start(key string) (models.Session, error) {
	s, err := r.activeByKey(key)
	if err != nil {
		return models.Session{}, err
	}
	if s.Status != models.SessionPending {
		return models.Session{}, fmt.Errorf("%w: cannot start %s session", ErrInvalidTransition, s.Status)
	}
	started := r.now()
	s.Status = models.SessionLive
	s.StartedAt = &started
	return *s, nil
}

// End transitions Pending or Live -> Ended, tears down membership and the
// catch-up buffer, and returns the connection handles that were members so
// callers can notify them. The teardown is atomic from the caller's view.
func (r *Registry) End(key string) (models.Session, []string, error) {
	s, err := r.activeByKey(key)
	if err != nil {
		return models.Session{}, nil, err
	}
	ended := r.now()
	s.Status = models.SessionEnded
	s.EndedAt = &ended

	cleared := make([]string, 0, len(r.members[s.ID]))
	for connID := range r.members[s.ID] {
		cleared = append(cleared, connID)
		delete(r.connByID, connID)
	}
	sort.Strings(cleared)
	delete(r.members, s.ID)
	delete(r.buffers, s.ID)
	delete(r.frameSeq, s.ID)
	delete(r.byKey, s.Key)
	s.MemberCount = 0
	return *s, cleared, nil
}

// Join adds a subscriber connection to the session's membership and returns
// the catch-up buffer contents for replay to that connection only. joinerID is
// the joining user's identity, used to reject a publisher viewing their own
// session. A connection already belonging to another session is moved: the
// implicit leave is the caller's to announce via SessionOfConnection before
// calling Join.
func (r *Registry) Join(key, connID, joinerID string) (models.Session, []models.Frame, error) {
	s, err := r.activeByKey(key)
	if err != nil {
		return models.Session{}, nil, err
	}
	if joinerID != "" && joinerID == s.PublisherID {
		return models.Session{}, nil, ErrRoleConflict
	}
	if prevID, ok := r.connByID[connID]; ok && prevID != s.ID {
		r.removeMember(prevID, connID)
	}
	if _, already := r.members[s.ID][connID]; !already {
		r.members[s.ID][connID] = struct{}{}
		r.connByID[connID] = s.ID
		s.MemberCount = len(r.members[s.ID])
		if s.MemberCount > r.memberPeak[s.ID] {
			r.memberPeak[s.ID] = s.MemberCount
		}
	}

	var frames []models.Frame
	if buffer := r.buffers[s.ID]; buffer != nil {
		frames = buffer.snapshot()
	}
	return *s, frames, nil
}

// Leave removes a connection from the session's membership. Removing a
// non-member is a no-op returning the current count.
func (r *Registry) Leave(key, connID string) (int, error) {
	s, err := r.activeByKey(key)
	if err != nil {
		return 0, err
	}
	r.removeMember(s.ID, connID)
	s.MemberCount = len(r.members[s.ID])
	return s.MemberCount, nil
}

func (r *Registry) removeMember(sessionID, connID string) {
	if set := r.members[sessionID]; set != nil {
		delete(set, connID)
	}
	if r.connByID[connID] == sessionID {
		delete(r.connByID, connID)
	}
	if s := r.sessions[sessionID]; s != nil {
		s.MemberCount = len(r.members[sessionID])
	}
}

// SessionOfConnection returns the session a connection currently belongs to.
func (r *Registry) SessionOfConnection(connID string) (models.Session, bool) {
	id, ok := r.connByID[connID]
	if !ok {
		return models.Session{}, false
	}
	s := r.sessions[id]
	if s == nil {
		return models.Session{}, false
	}
	return *s, true
}

// Members returns the current member connection handles of a session.
func (r *Registry) Members(key string) []string {
	id, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members[id]))
	for connID := range r.members[id] {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// NextFrameSequence hands out the next sequence number for frames of the
// session reachable by key. Sequences start at 1 and reset only when the
// session ends. Unknown keys return 0.
func (r *Registry) NextFrameSequence(key string) uint64 {
	id, ok := r.byKey[key]
	if !ok {
		return 0
	}
	r.frameSeq[id]++
	return r.frameSeq[id]
}

// AppendFrame stores a frame in the session's catch-up buffer.
func (r *Registry) AppendFrame(key string, frame models.Frame) error {
	s, err := r.activeByKey(key)
	if err != nil {
		return err
	}
	if buffer := r.buffers[s.ID]; buffer != nil {
		buffer.append(frame)
	}
	return nil
}

// BufferedFrames returns the current catch-up window, oldest first.
func (r *Registry) BufferedFrames(key string) []models.Frame {
	id, ok := r.byKey[key]
	if !ok {
		return nil
	}
	if buffer := r.buffers[id]; buffer != nil {
		return buffer.snapshot()
	}
	return nil
}

// ByKey looks a session up by join key. Ended sessions are not reachable by
// key.
func (r *Registry) ByKey(key string) (models.Session, bool) {
	id, ok := r.byKey[key]
	if !ok {
		return models.Session{}, false
	}
	s := r.sessions[id]
	if s == nil {
		return models.Session{}, false
	}
	return *s, true
}

// ByPublisher returns the publisher's most recent session, ended or not.
func (r *Registry) ByPublisher(publisherID string) (models.Session, bool) {
	id, ok := r.byPublisher[publisherID]
	if !ok {
		return models.Session{}, false
	}
	s := r.sessions[id]
	if s == nil {
		return models.Session{}, false
	}
	return *s, true
}

// ListLive returns all Live sessions ordered by creation time.
func (r *Registry) ListLive() []models.Session {
	var out []models.Session
	for _, s := range r.sessions {
		if s.Status == models.SessionLive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MemberPeak reports the highest concurrent member count the session reached.
func (r *Registry) MemberPeak(sessionID string) int {
	return r.memberPeak[sessionID]
}

// SweepStale drops Ended sessions whose end time is older than maxAge,
// returning how many were removed. Garbage collection only; live state is
// never touched.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, s := range r.sessions {
		if s.Status != models.SessionEnded || s.EndedAt == nil || !s.EndedAt.Before(cutoff) {
			continue
		}
		delete(r.sessions, id)
		delete(r.memberPeak, id)
		if r.byPublisher[s.PublisherID] == id {
			delete(r.byPublisher, s.PublisherID)
		}
		removed++
	}
	return removed
}

func (r *Registry) activeByKey(key string) (*models.Session, error) {
	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	s := r.sessions[id]
	if s == nil || !s.Active() {
		return nil, ErrNotFound
	}
	return s, nil
}
