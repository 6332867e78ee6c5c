package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"syncsession/internal/auth"
	"syncsession/internal/session"
)

// 连接状态机：Connected → Authenticated → Joined → Closed。
// 只有 Authenticated 及之后的连接可以 create/join。
type connState int32

const (
	stateConnected connState = iota
	stateAuthenticated
	stateJoined
	stateClosed
)

type Conn struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	registry *session.Registry
	authn    auth.Authenticator
	logger   *slog.Logger

	send      chan ServerMessage
	closeOnce sync.Once

	mu        sync.Mutex
	state     connState
	identity  auth.Identity
	caps      session.Capabilities
	sessionID string

	lastHeartbeat atomic.Int64 // unix nanos
	stale         atomic.Bool
}

func newConn(id string, ws *websocket.Conn, hub *Hub, registry *session.Registry, authn auth.Authenticator, logger *slog.Logger) *Conn {
	c := &Conn{
		id:       id,
		ws:       ws,
		hub:      hub,
		registry: registry,
		authn:    authn,
		logger:   logger,
		send:     make(chan ServerMessage, 32),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Conn) markStale()    { c.stale.Store(true) }
func (c *Conn) isStale() bool { return c.stale.Load() }

// Enqueue 不阻塞入队；队列满或连接已关闭返回 false，由调用方决定是否标记连接。
// 和 Close 共用 c.mu，保证不会向已关闭的通道发送。
func (c *Conn) Enqueue(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears down the transport and the send queue; the write loop drains and
// exits. Safe to call more than once, and Enqueue after Close reports failure
// instead of panicking.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		close(c.send)
		c.mu.Unlock()
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug("write failed", slog.String("connId", c.id), slog.Any("error", err))
			c.markStale()
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug("read loop ending",
				slog.String("connId", c.id),
				slog.Any("error", err))
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "ping":
		c.lastHeartbeat.Store(time.Now().UnixNano())
		if sid := c.SessionID(); sid != "" {
			c.hub.TouchPresence(sid, c)
		}
		c.Enqueue(ServerMessage{Type: "pong"})

	case "auth":
		c.handleAuth(ctx, msg)

	case "create_session":
		c.handleCreate(ctx, msg)

	case "join_session":
		c.handleJoin(ctx, msg)

	case "leave_session":
		c.handleLeave()

	case "state_update":
		c.handleStateUpdate(ctx, msg)

	case "sync_request":
		c.handleSyncRequest(ctx, msg)

	default:
		c.Enqueue(errorMessage("UNKNOWN_MESSAGE", "unknown message type: "+msg.Type))
	}
}

func (c *Conn) handleAuth(ctx context.Context, msg ClientMessage) {
	if !session.Platform(msg.Platform).Valid() {
		c.Enqueue(errorMessage("AUTHENTICATION_FAILED", "unknown platform: "+msg.Platform))
		return
	}
	identity, err := c.authn.Authenticate(ctx, msg.Platform, msg.UserID, msg.Token)
	if err != nil {
		c.Enqueue(errorMessage("AUTHENTICATION_FAILED", "identity rejected"))
		return
	}

	c.mu.Lock()
	// 幂等：重复 auth 只刷新元数据，不回退状态机
	if c.state == stateConnected {
		c.state = stateAuthenticated
	}
	c.identity = identity
	c.caps = session.CapabilitiesFor(session.Platform(identity.Platform))
	caps := c.caps
	c.mu.Unlock()

	c.Enqueue(ServerMessage{
		Type:         "auth_success",
		Platform:     identity.Platform,
		UserID:       identity.UserID,
		Capabilities: &caps,
	})
}

func (c *Conn) handleCreate(ctx context.Context, msg ClientMessage) {
	identity, ok := c.requireAuthenticated()
	if !ok {
		return
	}
	sess, err := c.registry.Create(ctx, identity.UserID, session.Kind(msg.Kind), session.Platform(identity.Platform), msg.InitialState)
	if err != nil {
		c.enqueueError(err)
		return
	}
	c.bind(sess.ID)
	c.Enqueue(ServerMessage{
		Type:      "session_created",
		SessionID: sess.ID,
		Kind:      string(sess.Kind),
		State:     &sess.Snapshot,
	})
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	identity, ok := c.requireAuthenticated()
	if !ok {
		return
	}
	sess, err := c.registry.Authorize(ctx, msg.SessionID, identity.UserID)
	if err != nil {
		c.enqueueError(err)
		return
	}
	history, err := c.registry.History(ctx, sess.ID, c.registry.JoinReplay())
	if err != nil {
		c.enqueueError(err)
		return
	}
	c.bind(sess.ID)
	c.Enqueue(ServerMessage{
		Type:          "session_joined",
		SessionID:     sess.ID,
		Kind:          string(sess.Kind),
		State:         &sess.Snapshot,
		RecentHistory: history,
	})
	c.hub.NotifyJoined(sess.ID, c)
}

// bind moves the connection into the given session, leaving any previous one.
func (c *Conn) bind(sessionID string) {
	c.mu.Lock()
	prev := c.sessionID
	c.sessionID = sessionID
	c.state = stateJoined
	c.mu.Unlock()

	if prev != "" && prev != sessionID {
		c.hub.Leave(prev, c)
	}
	c.hub.Join(sessionID, c)
}

func (c *Conn) handleLeave() {
	c.mu.Lock()
	prev := c.sessionID
	c.sessionID = ""
	if c.state == stateJoined {
		c.state = stateAuthenticated
	}
	c.mu.Unlock()

	if prev != "" {
		c.hub.Leave(prev, c)
	}
}

func (c *Conn) handleStateUpdate(ctx context.Context, msg ClientMessage) {
	identity, sessionID, ok := c.requireJoined()
	if !ok {
		return
	}
	rec, snap, err := c.registry.ApplyChange(ctx, session.ApplyRequest{
		SessionID:          sessionID,
		FieldPath:          msg.Field,
		NewValue:           msg.Value,
		Platform:           session.Platform(identity.Platform),
		UserID:             identity.UserID,
		SourceConnectionID: c.id,
	})
	if err != nil {
		c.enqueueError(err)
		return
	}
	// 发起方的回执：其余连接由广播引擎在应用路径上推送
	c.Enqueue(ServerMessage{
		Type:      "state_changed",
		SessionID: sessionID,
		Change:    &rec,
		State:     &snap,
	})
}

func (c *Conn) handleSyncRequest(ctx context.Context, msg ClientMessage) {
	_, sessionID, ok := c.requireJoined()
	if !ok {
		return
	}
	records, snap, err := c.registry.ChangesSince(ctx, sessionID, msg.Since)
	if err != nil {
		c.enqueueError(err)
		return
	}
	c.Enqueue(ServerMessage{
		Type:          "sync_response",
		SessionID:     sessionID,
		State:         &snap,
		RecentHistory: records,
	})
}

func (c *Conn) requireAuthenticated() (auth.Identity, bool) {
	c.mu.Lock()
	ok := c.state >= stateAuthenticated && c.state != stateClosed
	identity := c.identity
	c.mu.Unlock()
	if !ok {
		c.Enqueue(errorMessage("AUTHENTICATION_FAILED", "authenticate first"))
		return auth.Identity{}, false
	}
	return identity, true
}

func (c *Conn) requireJoined() (auth.Identity, string, bool) {
	c.mu.Lock()
	ok := c.state == stateJoined && c.sessionID != ""
	identity := c.identity
	sessionID := c.sessionID
	c.mu.Unlock()
	if !ok {
		c.Enqueue(errorMessage("SESSION_NOT_FOUND", "join a session first"))
		return auth.Identity{}, "", false
	}
	return identity, sessionID, true
}

func (c *Conn) enqueueError(err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.Enqueue(errorMessage("SESSION_NOT_FOUND", "unknown or expired session"))
	case errors.Is(err, session.ErrAccessDenied):
		c.Enqueue(errorMessage("ACCESS_DENIED", "access policy forbids this"))
	case errors.Is(err, session.ErrConflictPending):
		c.Enqueue(errorMessage("CONFLICT_PENDING", "change queued for adjudication, previous value retained"))
	case errors.Is(err, session.ErrConflictResolution):
		c.Enqueue(errorMessage("CONFLICT_RESOLUTION_FAILED", "change rejected"))
	case errors.Is(err, session.ErrBadField):
		c.Enqueue(errorMessage("INVALID_FIELD_PATH", "field path does not address an object slot"))
	case errors.Is(err, auth.ErrAuthentication):
		c.Enqueue(errorMessage("AUTHENTICATION_FAILED", "identity rejected"))
	default:
		c.Enqueue(errorMessage("INTERNAL", "internal error"))
	}
}
