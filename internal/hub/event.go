package hub

import (
	"encoding/json"
	"time"

	"streamhub/internal/models"
)

// Kind enumerates every outbound message the coordinator can deliver to a
// connection. The set is closed: each kind has exactly one payload field on
// Envelope.
type Kind string

const (
	KindRegistered     Kind = "registered"
	KindSessionCreated Kind = "session_created"
	KindSessionJoined  Kind = "session_joined"
	KindSessionLeft    Kind = "session_left"
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
	KindMemberJoined   Kind = "member_joined"
	KindMemberLeft     Kind = "member_left"
	KindMemberCount    Kind = "member_count"
	KindDataFrame      Kind = "data_frame"
	KindBufferedFrames Kind = "buffered_frames"
	KindChat           Kind = "chat"
	KindReaction       Kind = "reaction"
	KindSystemNotice   Kind = "system_notice"
	KindFollowerNotice Kind = "follower_notification"
	KindSignal         Kind = "signal"
	KindUsers          Kind = "users"
	KindSubscriptions  Kind = "subscriptions"
	KindFollowed       Kind = "followed"
	KindUnfollowed     Kind = "unfollowed"
	KindError          Kind = "error"
)

// NotificationKind distinguishes follower pushes for session start and end.
type NotificationKind string

const (
	NotificationStarted NotificationKind = "started"
	NotificationEnded   NotificationKind = "ended"
)

// Envelope is the tagged outbound variant delivered to connections. Exactly
// one payload pointer is set, matching Kind.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`

	Registered     *RegisteredPayload     `json:"registered,omitempty"`
	Session        *SessionPayload        `json:"session,omitempty"`
	SessionEnded   *SessionEndedPayload   `json:"sessionEnded,omitempty"`
	Member         *MemberPayload         `json:"member,omitempty"`
	MemberCount    *MemberCountPayload    `json:"memberCount,omitempty"`
	Frame          *models.Frame          `json:"frame,omitempty"`
	BufferedFrames *BufferedFramesPayload `json:"bufferedFrames,omitempty"`
	Chat           *models.ChatMessage    `json:"chat,omitempty"`
	Reaction       *models.Reaction       `json:"reaction,omitempty"`
	Notice         *models.SystemNotice   `json:"notice,omitempty"`
	FollowerNotice *FollowerNoticePayload `json:"followerNotice,omitempty"`
	Signal         *SignalPayload         `json:"signal,omitempty"`
	Users          *UsersPayload          `json:"users,omitempty"`
	Follow         *FollowPayload         `json:"follow,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty"`
}

// RegisteredPayload confirms a register call.
type RegisteredPayload struct {
	User models.User `json:"user"`
}

// SessionPayload carries the session for created/joined/started confirmations.
type SessionPayload struct {
	Session models.Session `json:"session"`
}

// SessionEndedPayload carries the ended session and an optional reason.
type SessionEndedPayload struct {
	Session models.Session `json:"session"`
	Reason  string         `json:"reason,omitempty"`
}

// MemberPayload announces membership changes to a session's members.
type MemberPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	MemberCount int    `json:"memberCount"`
}

// MemberCountPayload carries a bare member-count update.
type MemberCountPayload struct {
	SessionID   string `json:"sessionId"`
	MemberCount int    `json:"memberCount"`
}

// BufferedFramesPayload is the join-time catch-up replay, sent to the joining
// connection right after its session_joined confirmation and to nobody else.
type BufferedFramesPayload struct {
	SessionID string         `json:"sessionId"`
	Frames    []models.Frame `json:"frames"`
}

// FollowerNoticePayload is a targeted push to a publisher's followers.
type FollowerNoticePayload struct {
	Kind    NotificationKind      `json:"kind"`
	Summary models.SessionSummary `json:"summary"`
}

// SignalPayload relays opaque negotiation data between two connections. The
// coordinator never interprets Data.
type SignalPayload struct {
	Type           string          `json:"type"`
	FromConnection string          `json:"fromConnection"`
	Data           json.RawMessage `json:"data"`
}

// UserStatus is one row of the users/subscriptions listings.
type UserStatus struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	Role        models.Role `json:"role"`
	Connected   bool        `json:"connected"`
	IsFollowed  bool        `json:"isFollowed"`
	Live        bool        `json:"live"`
	SessionKey  string      `json:"sessionKey,omitempty"`
}

// UsersPayload lists users with live-session and subscription state relative
// to the requester.
type UsersPayload struct {
	Users []UserStatus `json:"users"`
}

// FollowPayload confirms follow/unfollow actions.
type FollowPayload struct {
	TargetID    string `json:"targetId"`
	TargetName  string `json:"targetName,omitempty"`
	IsFollowing bool   `json:"isFollowing"`
	Changed     bool   `json:"changed"`
}

// ErrorPayload reports a recoverable failure to the originating connection.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// CommandType enumerates every inbound operation a connection may request.
type CommandType string

const (
	CmdRegister          CommandType = "register"
	CmdCreateSession     CommandType = "create_session"
	CmdStartSession      CommandType = "start_session"
	CmdJoinSession       CommandType = "join_session"
	CmdLeaveSession      CommandType = "leave_session"
	CmdEndSession        CommandType = "end_session"
	CmdSendChat          CommandType = "chat"
	CmdSendReaction      CommandType = "reaction"
	CmdSendFrame         CommandType = "frame"
	CmdFollow            CommandType = "follow"
	CmdUnfollow          CommandType = "unfollow"
	CmdListUsers         CommandType = "list_users"
	CmdListSubscriptions CommandType = "list_subscriptions"
	CmdSignalOffer       CommandType = "offer"
	CmdSignalAnswer      CommandType = "answer"
	CmdSignalCandidate   CommandType = "ice_candidate"
)

// Command is the decoded inbound message. The transport decodes JSON into this
// shape and hands it to the coordinator, which matches over Type.
type Command struct {
	Type             CommandType     `json:"type"`
	DisplayName      string          `json:"displayName,omitempty"`
	Role             string          `json:"role,omitempty"`
	Key              string          `json:"key,omitempty"`
	Content          string          `json:"content,omitempty"`
	Emoji            string          `json:"emoji,omitempty"`
	Payload          []byte          `json:"payload,omitempty"`
	TargetID         string          `json:"targetId,omitempty"`
	TargetConnection string          `json:"targetConnection,omitempty"`
	Signal           json.RawMessage `json:"signal,omitempty"`
}

// EventType enumerates the records forwarded to the archive queue.
type EventType string

const (
	EventTypeChat           EventType = "chat"
	EventTypeReaction       EventType = "reaction"
	EventTypeNotice         EventType = "notice"
	EventTypeUserRegistered EventType = "user_registered"
	EventTypeFollowed       EventType = "followed"
	EventTypeUnfollowed     EventType = "unfollowed"
	EventTypeSessionEnded   EventType = "session_ended"
)

// Event is the wire representation forwarded to the archive queue.
type Event struct {
	Type       EventType              `json:"type"`
	Chat       *models.ChatMessage    `json:"chat,omitempty"`
	Reaction   *models.Reaction       `json:"reaction,omitempty"`
	Notice     *models.SystemNotice   `json:"notice,omitempty"`
	User       *models.User           `json:"user,omitempty"`
	Follow     *FollowChange          `json:"follow,omitempty"`
	Session    *models.SessionSummary `json:"session,omitempty"`
	SessionKey string                 `json:"sessionKey,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// FollowChange describes a follow-graph mutation for the archive worker.
type FollowChange struct {
	FollowerID string    `json:"followerId"`
	FolloweeID string    `json:"followeeId"`
	CreatedAt  time.Time `json:"createdAt"`
}
