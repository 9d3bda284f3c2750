package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamhub/internal/follow"
	"streamhub/internal/identity"
	"streamhub/internal/models"
	"streamhub/internal/session"
)

// StateMetrics records coordinator-level gauges and counters. Implemented by
// the observability recorder; a nil value disables recording.
type StateMetrics interface {
	RecordSessionEvent(event string)
	RecordFrame()
	ObserveActiveSessions(count int)
	ObserveConnections(count int)
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Identity   *identity.Registry
	Follows    *follow.Graph
	Sessions   *session.Registry
	Dispatcher *Dispatcher
	Queue      Queue
	Logger     *slog.Logger
	Metrics    StateMetrics
}

// Coordinator owns all live state mutation. Every inbound command and
// disconnect is processed under a single mutex, so the identity, follow, and
// session registries never see concurrent access and observers always see a
// consistent snapshot.
type Coordinator struct {
	identity   *identity.Registry
	follows    *follow.Graph
	sessions   *session.Registry
	dispatcher *Dispatcher
	queue      Queue
	logger     *slog.Logger
	metrics    StateMetrics

	mu          sync.Mutex
	connections int
	pending     []Event
}

// NewCoordinator initialises a coordinator from the provided configuration.
// Identity, follow, and session registries default to empty ones when nil.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ident := cfg.Identity
	if ident == nil {
		ident = identity.NewRegistry()
	}
	follows := cfg.Follows
	if follows == nil {
		follows = follow.NewGraph()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(0)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger, nil)
	}
	ident.SetPurgeListener(follows.DropAll)
	return &Coordinator{
		identity:   ident,
		follows:    follows,
		sessions:   sessions,
		dispatcher: dispatcher,
		queue:      cfg.Queue,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Connect attaches a transport connection for delivery. Commands from the
// connection are only honoured after a successful register.
func (c *Coordinator) Connect(conn Connection) {
	c.dispatcher.Attach(conn)
	c.mu.Lock()
	c.connections++
	count := c.connections
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ObserveConnections(count)
	}
}

// Disconnect tears down everything the connection was involved in: session
// membership, a publisher's running session, and the identity binding. The
// identity itself survives for reconnection.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	c.disconnectLocked(connID)
	events := c.takePending()
	c.mu.Unlock()
	c.flushEvents(ctx, events)
}

func (c *Coordinator) disconnectLocked(connID string) {
	c.dispatcher.Detach(connID)
	if c.connections > 0 {
		c.connections--
	}
	if c.metrics != nil {
		c.metrics.ObserveConnections(c.connections)
	}

	user, ok := c.identity.ResolveByConnection(connID)
	if !ok {
		return
	}

	if s, member := c.sessions.SessionOfConnection(connID); member {
		c.leaveLocked(s, connID, user)
	}
	if s, owns := c.sessions.ByPublisher(user.ID); owns && s.Active() {
		c.endLocked(s.Key, user, "publisher disconnected")
	}

	c.identity.Disconnect(user.ID)
	c.logger.Info("connection closed", "connection", connID, "user", user.ID)
}

// HandleCommand executes one inbound command on behalf of connID. All
// failures are reported back to the originating connection; the method never
// returns an error to the transport. Queue events raised by the command are
// published after the mutex is released, so a slow queue cannot stall other
// connections.
func (c *Coordinator) HandleCommand(ctx context.Context, connID string, cmd Command) {
	c.mu.Lock()
	c.handleLocked(connID, cmd)
	events := c.takePending()
	c.mu.Unlock()
	c.flushEvents(ctx, events)
}

func (c *Coordinator) handleLocked(connID string, cmd Command) {
	if cmd.Type == CmdRegister {
		c.register(connID, cmd)
		return
	}

	user, ok := c.identity.ResolveByConnection(connID)
	if !ok {
		c.sendError(connID, "register first", "")
		return
	}

	switch cmd.Type {
	case CmdCreateSession:
		c.createSession(connID, user)
	case CmdStartSession:
		c.startSession(connID, user, cmd.Key)
	case CmdJoinSession:
		c.joinSession(connID, user, cmd.Key)
	case CmdLeaveSession:
		c.leaveSession(connID, user)
	case CmdEndSession:
		c.endSession(connID, user, cmd.Key)
	case CmdSendChat:
		c.sendChat(connID, user, cmd.Content)
	case CmdSendReaction:
		c.sendReaction(connID, user, cmd.Emoji)
	case CmdSendFrame:
		c.sendFrame(connID, user, cmd.Payload)
	case CmdFollow:
		c.setFollow(connID, user, cmd.TargetID, true)
	case CmdUnfollow:
		c.setFollow(connID, user, cmd.TargetID, false)
	case CmdListUsers:
		c.listUsers(connID, user, false)
	case CmdListSubscriptions:
		c.listUsers(connID, user, true)
	case CmdSignalOffer, CmdSignalAnswer, CmdSignalCandidate:
		c.relaySignal(connID, user, cmd)
	default:
		c.sendError(connID, fmt.Sprintf("unknown command %q", cmd.Type), "")
	}
}

func (c *Coordinator) register(connID string, cmd Command) {
	role, ok := models.ParseRole(cmd.Role)
	if !ok {
		c.sendError(connID, fmt.Sprintf("unknown role %q", cmd.Role), "")
		return
	}
	user, err := c.identity.Register(cmd.DisplayName, role, connID)
	if err != nil {
		c.sendError(connID, "registration failed", err.Error())
		return
	}
	c.dispatcher.Send(connID, Envelope{Kind: KindRegistered, Registered: &RegisteredPayload{User: user}})
	c.queueEvent(Event{Type: EventTypeUserRegistered, User: &user})
	c.logger.Info("user registered", "user", user.ID, "name", user.DisplayName, "role", user.Role)
}

func (c *Coordinator) createSession(connID string, user models.User) {
	if user.Role != models.RolePublisher {
		c.sendError(connID, "publisher role required", "")
		return
	}
	s, err := c.sessions.Create(user.ID)
	if err != nil {
		if errors.Is(err, session.ErrPublisherBusy) {
			c.sendError(connID, "session already open", "")
			return
		}
		c.sendError(connID, "could not create session", err.Error())
		return
	}
	c.dispatcher.Send(connID, Envelope{Kind: KindSessionCreated, Session: &SessionPayload{Session: s}})
	c.recordSessionEvent("created")
	c.logger.Info("session created", "session", s.ID, "publisher", user.ID)
}

func (c *Coordinator) startSession(connID string, user models.User, key string) {
	s, ok := c.sessions.ByKey(key)
	if !ok || s.PublisherID != user.ID {
		c.sendError(connID, "session not found", "")
		return
	}
	s, err := c.sessions.Start(key)
	if err != nil {
		c.sendError(connID, "could not start session", err.Error())
		return
	}
	env := Envelope{Kind: KindSessionStarted, Session: &SessionPayload{Session: s}}
	c.dispatcher.Send(connID, env)
	c.dispatcher.Broadcast(c.sessions.Members(key), env, connID)
	c.notifyFollowers(user, NotificationStarted, c.summarize(s, user))
	c.recordSessionEvent("started")
	c.observeSessions()
	c.logger.Info("session started", "session", s.ID, "publisher", user.ID)
}

func (c *Coordinator) joinSession(connID string, user models.User, key string) {
	if prev, ok := c.sessions.SessionOfConnection(connID); ok && prev.Key != key {
		c.leaveLocked(prev, connID, user)
	}
	s, frames, err := c.sessions.Join(key, connID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRoleConflict):
			c.sendError(connID, "cannot join your own session", "")
		case errors.Is(err, session.ErrNotFound):
			c.sendError(connID, "session not found", "")
		default:
			c.sendError(connID, "could not join session", err.Error())
		}
		return
	}
	c.dispatcher.Send(connID, Envelope{Kind: KindSessionJoined, Session: &SessionPayload{Session: s}})
	if len(frames) > 0 {
		c.dispatcher.Send(connID, Envelope{Kind: KindBufferedFrames, BufferedFrames: &BufferedFramesPayload{
			SessionID: s.ID,
			Frames:    frames,
		}})
	}
	c.announceMembership(s, connID, user, true)
	c.logger.Info("member joined", "session", s.ID, "user", user.ID, "members", s.MemberCount)
}

func (c *Coordinator) leaveSession(connID string, user models.User) {
	s, ok := c.sessions.SessionOfConnection(connID)
	if !ok {
		c.sendError(connID, "not in a session", "")
		return
	}
	c.leaveLocked(s, connID, user)
	c.dispatcher.Send(connID, Envelope{Kind: KindSessionLeft, Session: &SessionPayload{Session: s}})
}

// leaveLocked removes the connection from s and announces the departure to
// the remaining audience. Caller holds c.mu.
func (c *Coordinator) leaveLocked(s models.Session, connID string, user models.User) {
	count, err := c.sessions.Leave(s.Key, connID)
	if err != nil {
		return
	}
	s.MemberCount = count
	c.announceMembership(s, connID, user, false)
	c.logger.Info("member left", "session", s.ID, "user", user.ID, "members", count)
}

// announceMembership broadcasts the member change and a system notice to the
// session audience, excluding the affected connection, then a bare count
// update to everyone so every client can track membership without parsing the
// join/leave stream. Caller holds c.mu.
func (c *Coordinator) announceMembership(s models.Session, connID string, user models.User, joined bool) {
	kind := KindMemberLeft
	verb := "left"
	if joined {
		kind = KindMemberJoined
		verb = "joined"
	}
	audience := c.audience(s)
	c.dispatcher.Broadcast(audience, Envelope{Kind: kind, Member: &MemberPayload{
		SessionID:   s.ID,
		DisplayName: user.DisplayName,
		MemberCount: s.MemberCount,
	}}, connID)
	c.dispatcher.Broadcast(audience, Envelope{Kind: KindMemberCount, MemberCount: &MemberCountPayload{
		SessionID:   s.ID,
		MemberCount: s.MemberCount,
	}}, "")

	notice, err := NewSystemNotice(s.ID, fmt.Sprintf("%s %s the session", user.DisplayName, verb))
	if err != nil {
		return
	}
	c.dispatcher.Broadcast(audience, Envelope{Kind: KindSystemNotice, Notice: &notice}, connID)
	c.queueEvent(Event{Type: EventTypeNotice, Notice: &notice})
}

func (c *Coordinator) endSession(connID string, user models.User, key string) {
	s, ok := c.sessions.ByKey(key)
	if !ok || s.PublisherID != user.ID {
		c.sendError(connID, "session not found", "")
		return
	}
	c.endLocked(key, user, "")
}

// endLocked ends the session, notifies members, followers, and the archive
// queue. Caller holds c.mu.
func (c *Coordinator) endLocked(key string, publisher models.User, reason string) {
	s, cleared, err := c.sessions.End(key)
	if err != nil {
		return
	}
	env := Envelope{Kind: KindSessionEnded, SessionEnded: &SessionEndedPayload{Session: s, Reason: reason}}
	c.dispatcher.Broadcast(cleared, env, "")
	if publisher.Connected() {
		c.dispatcher.Send(publisher.ConnectionID, env)
	}
	summary := c.summarize(s, publisher)
	c.notifyFollowers(publisher, NotificationEnded, summary)
	c.queueEvent(Event{Type: EventTypeSessionEnded, Session: &summary, SessionKey: s.Key})
	c.recordSessionEvent("ended")
	c.observeSessions()
	c.logger.Info("session ended", "session", s.ID, "publisher", publisher.ID, "reason", reason, "peak", summary.MemberPeak)
}

func (c *Coordinator) sendChat(connID string, user models.User, content string) {
	s, ok := c.sessionOf(connID, user)
	if !ok {
		c.sendError(connID, "not in a session", "")
		return
	}
	msg, err := NewChatMessage(s.ID, user.ID, user.DisplayName, content)
	if err != nil {
		c.sendError(connID, err.Error(), "")
		return
	}
	c.dispatcher.Broadcast(c.audience(s), Envelope{Kind: KindChat, Chat: &msg}, "")
	c.queueEvent(Event{Type: EventTypeChat, Chat: &msg})
}

func (c *Coordinator) sendReaction(connID string, user models.User, emoji string) {
	s, ok := c.sessionOf(connID, user)
	if !ok {
		c.sendError(connID, "not in a session", "")
		return
	}
	reaction, err := NewReaction(s.ID, user.ID, user.DisplayName, emoji)
	if err != nil {
		c.sendError(connID, err.Error(), "")
		return
	}
	c.dispatcher.Broadcast(c.audience(s), Envelope{Kind: KindReaction, Reaction: &reaction}, "")
	c.queueEvent(Event{Type: EventTypeReaction, Reaction: &reaction})
}

// sendFrame relays a payload from the publisher to every member and records
// it in the catch-up buffer. Only the owning publisher may send frames, and
// only while the session is live.
func (c *Coordinator) sendFrame(connID string, user models.User, payload []byte) {
	s, ok := c.sessions.ByPublisher(user.ID)
	if !ok || !s.Active() || user.ConnectionID != connID {
		c.sendError(connID, "no active session", "")
		return
	}
	if s.Status != models.SessionLive {
		c.sendError(connID, "session is not live", "")
		return
	}
	frame := models.Frame{
		SessionID: s.ID,
		Sequence:  c.sessions.NextFrameSequence(s.Key),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := c.sessions.AppendFrame(s.Key, frame); err != nil {
		c.sendError(connID, "could not buffer frame", err.Error())
		return
	}
	c.dispatcher.Broadcast(c.sessions.Members(s.Key), Envelope{Kind: KindDataFrame, Frame: &frame}, "")
	if c.metrics != nil {
		c.metrics.RecordFrame()
	}
}

func (c *Coordinator) setFollow(connID string, user models.User, targetID string, wantFollow bool) {
	target, ok := c.identity.Get(targetID)
	if !ok {
		c.sendError(connID, "user not found", "")
		return
	}
	if target.ID == user.ID {
		c.sendError(connID, "cannot follow yourself", "")
		return
	}
	var changed bool
	if wantFollow {
		changed = c.follows.Follow(user.ID, target.ID)
	} else {
		changed = c.follows.Unfollow(user.ID, target.ID)
	}
	kind := KindUnfollowed
	eventType := EventTypeUnfollowed
	if wantFollow {
		kind = KindFollowed
		eventType = EventTypeFollowed
	}
	c.dispatcher.Send(connID, Envelope{Kind: kind, Follow: &FollowPayload{
		TargetID:    target.ID,
		TargetName:  target.DisplayName,
		IsFollowing: c.follows.IsFollowing(user.ID, target.ID),
		Changed:     changed,
	}})
	if changed {
		c.queueEvent(Event{Type: eventType, Follow: &FollowChange{
			FollowerID: user.ID,
			FolloweeID: target.ID,
			CreatedAt:  time.Now().UTC(),
		}})
	}
}

// listUsers replies with the user directory, or with the requester's
// subscriptions only when subscriptionsOnly is set. Each row is annotated
// with follow state and live-session visibility relative to the requester.
func (c *Coordinator) listUsers(connID string, requester models.User, subscriptionsOnly bool) {
	var ids map[string]struct{}
	if subscriptionsOnly {
		ids = make(map[string]struct{})
		for _, id := range c.follows.FollowingOf(requester.ID) {
			ids[id] = struct{}{}
		}
	}
	users := c.identity.List()
	statuses := make([]UserStatus, 0, len(users))
	for _, u := range users {
		if u.ID == requester.ID {
			continue
		}
		if subscriptionsOnly {
			if _, ok := ids[u.ID]; !ok {
				continue
			}
		}
		status := UserStatus{
			UserID:      u.ID,
			DisplayName: u.DisplayName,
			Role:        u.Role,
			Connected:   u.Connected(),
			IsFollowed:  c.follows.IsFollowing(requester.ID, u.ID),
		}
		if s, ok := c.sessions.ByPublisher(u.ID); ok && s.Status == models.SessionLive {
			status.Live = true
			status.SessionKey = s.Key
		}
		statuses = append(statuses, status)
	}
	kind := KindUsers
	if subscriptionsOnly {
		kind = KindSubscriptions
	}
	c.dispatcher.Send(connID, Envelope{Kind: kind, Users: &UsersPayload{Users: statuses}})
}

// relaySignal forwards opaque negotiation data to another connection in the
// same session. The coordinator never inspects the signal body.
func (c *Coordinator) relaySignal(connID string, user models.User, cmd Command) {
	if cmd.TargetConnection == "" {
		c.sendError(connID, "target connection required", "")
		return
	}
	own, ok := c.signalScope(connID, user)
	if !ok {
		c.sendError(connID, "not in a session", "")
		return
	}
	targetScope, ok := c.signalScopeOfConnection(cmd.TargetConnection)
	if !ok || targetScope != own {
		c.sendError(connID, "target is not in your session", "")
		return
	}
	delivered := c.dispatcher.Send(cmd.TargetConnection, Envelope{Kind: KindSignal, Signal: &SignalPayload{
		Type:           string(cmd.Type),
		FromConnection: connID,
		Data:           cmd.Signal,
	}})
	if !delivered {
		c.sendError(connID, "target unavailable", "")
	}
}

// signalScope resolves the session a connection participates in, covering
// both members and the owning publisher.
func (c *Coordinator) signalScope(connID string, user models.User) (string, bool) {
	if s, ok := c.sessions.SessionOfConnection(connID); ok {
		return s.ID, true
	}
	if s, ok := c.sessions.ByPublisher(user.ID); ok && s.Active() && user.ConnectionID == connID {
		return s.ID, true
	}
	return "", false
}

func (c *Coordinator) signalScopeOfConnection(connID string) (string, bool) {
	if s, ok := c.sessions.SessionOfConnection(connID); ok {
		return s.ID, true
	}
	if user, ok := c.identity.ResolveByConnection(connID); ok {
		if s, ok := c.sessions.ByPublisher(user.ID); ok && s.Active() {
			return s.ID, true
		}
	}
	return "", false
}

// sessionOf resolves the session a connection is chatting in: membership
// first, then publisher ownership.
func (c *Coordinator) sessionOf(connID string, user models.User) (models.Session, bool) {
	if s, ok := c.sessions.SessionOfConnection(connID); ok {
		return s, true
	}
	if s, ok := c.sessions.ByPublisher(user.ID); ok && s.Active() && user.ConnectionID == connID {
		return s, true
	}
	return models.Session{}, false
}

// audience returns the delivery targets for session-scoped envelopes: every
// member connection plus the publisher's, when connected.
func (c *Coordinator) audience(s models.Session) []string {
	targets := c.sessions.Members(s.Key)
	if publisher, ok := c.identity.Get(s.PublisherID); ok && publisher.Connected() {
		targets = append(targets, publisher.ConnectionID)
	}
	return targets
}

// notifyFollowers pushes a session notification to every connected follower
// of the publisher. Offline followers are skipped, not queued.
func (c *Coordinator) notifyFollowers(publisher models.User, kind NotificationKind, summary models.SessionSummary) {
	env := Envelope{Kind: KindFollowerNotice, FollowerNotice: &FollowerNoticePayload{Kind: kind, Summary: summary}}
	for _, followerID := range c.follows.FollowersOf(publisher.ID) {
		follower, ok := c.identity.Get(followerID)
		if !ok || !follower.Connected() {
			continue
		}
		c.dispatcher.Send(follower.ConnectionID, env)
	}
}

func (c *Coordinator) summarize(s models.Session, publisher models.User) models.SessionSummary {
	return models.SessionSummary{
		SessionID:     s.ID,
		PublisherID:   s.PublisherID,
		PublisherName: publisher.DisplayName,
		Status:        s.Status,
		MemberPeak:    c.sessions.MemberPeak(s.ID),
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}
}

// queueEvent stamps and holds an event until the current unit of work
// releases the mutex. Caller holds c.mu.
func (c *Coordinator) queueEvent(event Event) {
	if c.queue == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	c.pending = append(c.pending, event)
}

// takePending drains the events collected during the current unit of work.
// Caller holds c.mu.
func (c *Coordinator) takePending() []Event {
	events := c.pending
	c.pending = nil
	return events
}

// flushEvents publishes collected events without holding c.mu, so queue
// latency never stalls commands from other connections.
func (c *Coordinator) flushEvents(ctx context.Context, events []Event) {
	for _, event := range events {
		publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.queue.Publish(publishCtx, event)
		cancel()
		if err != nil {
			c.logger.Error("event publish failed", "type", event.Type, "error", err)
		}
	}
}

func (c *Coordinator) sendError(connID, message, detail string) {
	c.dispatcher.Send(connID, Envelope{Kind: KindError, Error: &ErrorPayload{Message: message, Detail: detail}})
}

func (c *Coordinator) recordSessionEvent(event string) {
	if c.metrics != nil {
		c.metrics.RecordSessionEvent(event)
	}
}

func (c *Coordinator) observeSessions() {
	if c.metrics != nil {
		c.metrics.ObserveActiveSessions(len(c.sessions.ListLive()))
	}
}

// LiveSessions returns summaries of currently live sessions for the HTTP
// listing endpoint.
func (c *Coordinator) LiveSessions() []models.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.sessions.ListLive()
	out := make([]models.SessionSummary, 0, len(live))
	for _, s := range live {
		publisher, _ := c.identity.Get(s.PublisherID)
		out = append(out, c.summarize(s, publisher))
	}
	return out
}

// SweepStale drops ended sessions older than maxAge. Called by the cleanup
// worker.
func (c *Coordinator) SweepStale(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.SweepStale(maxAge)
}

// Restore seeds the registries from archived state at startup.
func (c *Coordinator) Restore(users []models.User, edges []follow.Edge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.Restore(users)
	c.follows.Restore(edges)
}
