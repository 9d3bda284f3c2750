package models

import (
	"strings"
	"time"
)

// Role describes how a user participates in broadcast sessions.
type Role string

const (
	// RolePublisher may create and drive sessions.
	RolePublisher Role = "publisher"
	// RoleSubscriber may join sessions and follow publishers.
	RoleSubscriber Role = "subscriber"
)

// ParseRole normalises a raw role string.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePublisher:
		return RolePublisher, true
	case RoleSubscriber:
		return RoleSubscriber, true
	default:
		return "", false
	}
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// SessionStatus tracks the lifecycle of a broadcast session.
type SessionStatus string

const (
	// SessionPending means the session exists but the publisher has not
	// signalled start.
	SessionPending SessionStatus = "pending"
	// SessionLive means the publisher has started broadcasting.
	SessionLive SessionStatus = "live"
	// SessionEnded is terminal.
	SessionEnded SessionStatus = "ended"
)

// Valid reports whether the status is one of the known values.
func (s SessionStatus) Valid() bool {
	return s == SessionPending || s == SessionLive || s == SessionEnded
}

// SystemUserID is the sentinel originator for dispatcher-generated notices.
const SystemUserID = "system"

// User identifies a participant. The identity survives reconnects; only the
// connection handle changes.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Role         Role      `json:"role"`
	ConnectionID string    `json:"connectionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Connected reports whether the user currently holds a live connection handle.
func (u User) Connected() bool {
	return u.ConnectionID != ""
}

// Session is one publisher's broadcast instance, identified by its join key.
type Session struct {
	ID          string        `json:"id"`
	Key         string        `json:"key"`
	PublisherID string        `json:"publisherId"`
	Status      SessionStatus `json:"status"`
	MemberCount int           `json:"memberCount"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
}

// Active reports whether the session is still Pending or Live.
func (s Session) Active() bool {
	return s.Status != SessionEnded
}

// SessionSummary is the shape delivered in follower notifications and archived
// after a session ends. It never carries the join key in clear.
type SessionSummary struct {
	SessionID     string        `json:"sessionId"`
	PublisherID   string        `json:"publisherId"`
	PublisherName string        `json:"publisherName"`
	Status        SessionStatus `json:"status"`
	MemberPeak    int           `json:"memberPeak,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// FollowEdge records that Follower wants notifications about Followee's
// sessions.
type FollowEdge struct {
	FollowerID string    `json:"followerId"`
	FolloweeID string    `json:"followeeId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatMessage is an immutable chat record scoped to one session.
type ChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Reaction is an immutable emoji reaction scoped to one session.
type Reaction struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Emoji       string    `json:"emoji"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SystemNotice is a dispatcher-generated chat record (joins, leaves, lifecycle
// announcements). UserID is always SystemUserID and CreatedAt is stamped at
// dispatch time.
type SystemNotice struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Frame is one opaque unit of broadcast data. Payload is not interpreted by
// the coordinator. Sequence increases by one per frame within a session, so
// receivers can detect gaps between the live feed and the catch-up replay.
type Frame struct {
	SessionID string    `json:"sessionId"`
	Sequence  uint64    `json:"sequence"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
