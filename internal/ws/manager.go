package ws

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncsession/internal/auth"
	"syncsession/internal/session"
)

// 各平台的客户端（bot 网关、浏览器、移动端）来源各异，这里不做 Origin 白名单，
// 身份校验在 auth 消息里完成。
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type Manager struct {
	hub      *Hub
	registry *session.Registry
	authn    auth.Authenticator
	logger   *slog.Logger
}

func NewManager(hub *Hub, registry *session.Registry, authn auth.Authenticator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{hub: hub, registry: registry, authn: authn, logger: logger}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed",
			slog.Any("error", err),
			slog.String("origin", c.Request.Header.Get("Origin")))
		return
	}

	connID := uuid.NewString()
	connLogger := m.logger.With(slog.String("connId", connID))
	conn := newConn(connID, ws, m.hub, m.registry, m.authn, connLogger)
	m.hub.Register(conn)

	// 先启动写循环，保证 welcome 和后续入队的消息能被发送
	go conn.writeLoop()
	conn.Enqueue(welcomeMessage(conn.id))

	// 读循环阻塞至连接关闭
	conn.readLoop(c.Request.Context())

	// 注销在先：hub 不再广播到这个连接之后才关闭发送队列
	m.hub.Unregister(conn)
	conn.Close()
	connLogger.Info("connection closed", slog.String("userId", conn.Identity().UserID))
}
