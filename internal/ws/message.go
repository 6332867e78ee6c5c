package ws

import "syncsession/internal/session"

// 客户端 → 服务端
type ClientMessage struct {
	Type         string         `json:"type"`
	Platform     string         `json:"platform,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Token        string         `json:"token,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	InitialState map[string]any `json:"initialState,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	Field        string         `json:"field,omitempty"`
	Value        any            `json:"value,omitempty"`
	Since        uint64         `json:"since,omitempty"`
}

// 服务端 → 客户端
type ServerMessage struct {
	Type          string                 `json:"type"`
	ConnectionID  string                 `json:"connectionId,omitempty"`
	Platform      string                 `json:"platform,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	Capabilities  *session.Capabilities  `json:"capabilities,omitempty"`
	SessionID     string                 `json:"sessionId,omitempty"`
	Kind          string                 `json:"kind,omitempty"`
	State         *session.StateSnapshot `json:"state,omitempty"`
	Change        *session.ChangeRecord  `json:"change,omitempty"`
	RecentHistory []session.ChangeRecord `json:"recentHistory,omitempty"`
	Code          string                 `json:"code,omitempty"`
	Message       string                 `json:"message,omitempty"`
}

func errorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: "error", Code: code, Message: message}
}

// welcomeMessage 连接建立即下发：连接 id 加上认证前的默认能力集，auth_success
// 时再按平台刷新。
func welcomeMessage(connID string) ServerMessage {
	caps := session.CapabilitiesFor("")
	return ServerMessage{Type: "welcome", ConnectionID: connID, Capabilities: &caps}
}
