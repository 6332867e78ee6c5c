package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"syncsession/internal/cache"
	"syncsession/internal/session"
)

// Hub 广播引擎：按会话维护订阅者集合，把已应用的变更按应用顺序扇出给
// 除发起者外的所有连接。顺序保证来自上游（注册表持锁时调用 StateChanged，
// 入队到各连接的 FIFO 通道），Hub 本身只做不阻塞的入队。
type Hub struct {
	mu sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// all registered connections, for heartbeat sweeping
	conns map[string]*Conn

	// optional cross-instance roster, refreshed by heartbeats
	presence    cache.Presence
	presenceTTL time.Duration

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// SetPresence wires the cross-instance roster. ttl is the heartbeat deadline:
// connections that stop pinging age out of the roster without a Remove.
func (h *Hub) SetPresence(p cache.Presence, ttl time.Duration) {
	h.presence = p
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	h.presenceTTL = ttl
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// Unregister removes the connection everywhere. Session state is untouched.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	left := make([]string, 0, 1)
	for sid, conns := range h.rooms {
		if _, ok := conns[c]; !ok {
			continue
		}
		delete(conns, c)
		left = append(left, sid)
		if len(conns) == 0 {
			delete(h.rooms, sid)
		}
	}
	h.mu.Unlock()

	for _, sid := range left {
		h.dropPresence(sid, c)
	}
}

func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	if h.rooms[sessionID] == nil {
		// 房间里存连接而不是 userID：同一用户可多端同时在线，广播要逐连接发
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
	h.mu.Unlock()

	h.TouchPresence(sessionID, c)
}

func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()

	h.dropPresence(sessionID, c)
}

// TouchPresence refreshes the connection's roster entry; also the heartbeat
// refresh path. Best effort and off the hot path.
func (h *Hub) TouchPresence(sessionID string, c *Conn) {
	if h.presence == nil || sessionID == "" {
		return
	}
	identity := c.Identity()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Touch(ctx, sessionID, c.id, identity.UserID, identity.Platform, h.presenceTTL); err != nil {
			h.logger.Debug("presence touch failed",
				slog.String("connId", c.id),
				slog.Any("error", err))
		}
	}()
}

func (h *Hub) dropPresence(sessionID string, c *Conn) {
	if h.presence == nil || sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Remove(ctx, sessionID, c.id); err != nil {
			h.logger.Debug("presence remove failed",
				slog.String("connId", c.id),
				slog.Any("error", err))
		}
	}()
}

// StateChanged implements session.Broadcaster. A connection whose queue is
// full is flagged stale instead of blocking delivery to the rest.
func (h *Hub) StateChanged(sessionID string, rec session.ChangeRecord, snap session.StateSnapshot, excludeConnID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := ServerMessage{
		Type:      "state_changed",
		SessionID: sessionID,
		Change:    &rec,
		State:     &snap,
	}
	for _, c := range conns {
		if c.id == excludeConnID {
			continue
		}
		if !c.Enqueue(msg) {
			h.logger.Warn("delivery queue full, flagging connection",
				slog.String("connId", c.id),
				slog.String("sessionId", sessionID))
			c.markStale()
		}
	}
}

// NotifyJoined tells existing members that a new client joined the session.
func (h *Hub) NotifyJoined(sessionID string, joined *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	identity := joined.Identity()
	msg := ServerMessage{
		Type:         "client_joined",
		SessionID:    sessionID,
		ConnectionID: joined.id,
		Platform:     identity.Platform,
		UserID:       identity.UserID,
	}
	for _, c := range conns {
		if c == joined {
			continue
		}
		if !c.Enqueue(msg) {
			c.markStale()
		}
	}
}

// CloseStale force-closes connections that missed their heartbeat deadline or
// were flagged by failed deliveries. Returns how many were closed.
func (h *Hub) CloseStale(maxIdle time.Duration) int {
	h.mu.RLock()
	stale := make([]*Conn, 0)
	cutoff := time.Now().Add(-maxIdle)
	for _, c := range h.conns {
		if c.isStale() || c.LastHeartbeat().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("closing stale connection",
			slog.String("connId", c.id),
			slog.String("userId", c.Identity().UserID))
		c.Close()
		h.Unregister(c)
	}
	return len(stale)
}

// CloseAll shuts every connection down, used on graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.rooms = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
