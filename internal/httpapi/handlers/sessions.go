package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"syncsession/internal/cache"
	"syncsession/internal/session"
)

// 业务层协作方（奖励结算、机器人指令、后台工具）不经长连接，直接从这里
// 进入注册表。语义与长连接路径完全一致。
type SessionAPI struct {
	registry *session.Registry
	presence cache.Presence
	logger   *slog.Logger
}

func NewSessionAPI(registry *session.Registry, presence cache.Presence, logger *slog.Logger) *SessionAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAPI{registry: registry, presence: presence, logger: logger}
}

func (h *SessionAPI) Register(r gin.IRouter) {
	r.POST("/sessions", h.createSession)
	r.GET("/sessions/:sessionID", h.getSession)
	r.PUT("/sessions/:sessionID/state", h.updateState)
	r.GET("/sessions/:sessionID/history", h.getHistory)
	r.GET("/sessions/:sessionID/presence", h.getPresence)
	r.GET("/sessions/:sessionID/conflicts", h.listConflicts)
	r.POST("/sessions/:sessionID/conflicts/:conflictID", h.resolveConflict)
	r.PUT("/sessions/:sessionID/access", h.updateAccess)
	r.DELETE("/sessions/:sessionID", h.closeSession)
}

type createSessionRequest struct {
	UserID       string         `json:"userId" binding:"required"`
	Kind         string         `json:"kind" binding:"required"`
	Platform     string         `json:"platform" binding:"required"`
	InitialState map[string]any `json:"initialState"`
}

func (h *SessionAPI) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if !session.Platform(req.Platform).Valid() {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "unknown platform: " + req.Platform})
		return
	}
	sess, err := h.registry.Create(c.Request.Context(), req.UserID, session.Kind(req.Kind), session.Platform(req.Platform), req.InitialState)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, sess)
}

func (h *SessionAPI) getSession(c *gin.Context) {
	sess, err := h.registry.Get(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, sess)
}

type updateStateRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Platform string `json:"platform" binding:"required"`
	Field    string `json:"field" binding:"required"`
	Value    any    `json:"value"`
}

func (h *SessionAPI) updateState(c *gin.Context) {
	var req updateStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if !session.Platform(req.Platform).Valid() {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "unknown platform: " + req.Platform})
		return
	}
	rec, snap, err := h.registry.ApplyChange(c.Request.Context(), session.ApplyRequest{
		SessionID: c.Param("sessionID"),
		FieldPath: req.Field,
		NewValue:  req.Value,
		Platform:  session.Platform(req.Platform),
		UserID:    req.UserID,
		// 编程接口的每个调用方身份算一个独立来源
		SourceConnectionID: "api:" + req.UserID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"change": rec, "state": snap})
}

func (h *SessionAPI) getHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "invalid limit"})
			return
		}
		limit = n
	}
	records, err := h.registry.History(c.Request.Context(), c.Param("sessionID"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"history": records})
}

func (h *SessionAPI) getPresence(c *gin.Context) {
	// 先确认会话存在，避免给已过期会话返回残留的在线名单
	if _, err := h.registry.Get(c.Request.Context(), c.Param("sessionID")); err != nil {
		h.writeError(c, err)
		return
	}
	if h.presence == nil {
		c.JSON(200, gin.H{"members": []cache.Member{}})
		return
	}
	members, err := h.presence.Alive(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		h.logger.Warn("presence lookup failed", slog.Any("error", err))
		c.JSON(500, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}
	if members == nil {
		members = []cache.Member{}
	}
	c.JSON(200, gin.H{"members": members})
}

func (h *SessionAPI) listConflicts(c *gin.Context) {
	pending, err := h.registry.PendingConflicts(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"conflicts": pending})
}

type resolveConflictRequest struct {
	UserID string `json:"userId" binding:"required"`
	Choice string `json:"choice" binding:"required,oneof=keep take"`
}

func (h *SessionAPI) resolveConflict(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	snap, err := h.registry.ResolvePending(c.Request.Context(), c.Param("sessionID"), c.Param("conflictID"), req.Choice, req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"state": snap})
}

type updateAccessRequest struct {
	UserID        string   `json:"userId" binding:"required"`
	Mode          string   `json:"mode" binding:"required,oneof=owner-only public collaborators"`
	Collaborators []string `json:"collaborators"`
}

func (h *SessionAPI) updateAccess(c *gin.Context) {
	var req updateAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	err := h.registry.UpdateAccess(c.Request.Context(), c.Param("sessionID"), req.UserID, session.AccessPolicy{
		Mode:          session.AccessMode(req.Mode),
		Collaborators: req.Collaborators,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (h *SessionAPI) closeSession(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "userId required"})
		return
	}
	if err := h.registry.Close(c.Request.Context(), c.Param("sessionID"), userID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"ok": true})
}

func (h *SessionAPI) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(404, gin.H{"code": "SESSION_NOT_FOUND", "message": "unknown or expired session"})
	case errors.Is(err, session.ErrAccessDenied):
		c.JSON(403, gin.H{"code": "ACCESS_DENIED", "message": "access policy forbids this"})
	case errors.Is(err, session.ErrConflictNotFound):
		c.JSON(404, gin.H{"code": "CONFLICT_NOT_FOUND", "message": "unknown or already adjudicated conflict"})
	case errors.Is(err, session.ErrConflictPending):
		c.JSON(409, gin.H{"code": "CONFLICT_PENDING", "message": "change queued for adjudication"})
	case errors.Is(err, session.ErrConflictResolution):
		c.JSON(409, gin.H{"code": "CONFLICT_RESOLUTION_FAILED", "message": "change rejected"})
	case errors.Is(err, session.ErrBadField):
		c.JSON(400, gin.H{"code": "INVALID_FIELD_PATH", "message": "field path does not address an object slot"})
	default:
		h.logger.Error("unhandled api error", slog.Any("error", err))
		c.JSON(500, gin.H{"code": "INTERNAL", "message": "internal error"})
	}
}
