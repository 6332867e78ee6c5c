package events

import "time"

type Type string

const (
	TypeSessionCreated   Type = "SESSION_CREATED"
	TypeSessionClosed    Type = "SESSION_CLOSED"
	TypeSessionExpired   Type = "SESSION_EXPIRED"
	TypeStateChanged     Type = "STATE_CHANGED"
	TypeConflictDetected Type = "CONFLICT_DETECTED"
	TypeSnapshotFlushed  Type = "SNAPSHOT_FLUSHED"
)

// Event 会话生命周期/指标事件，按 sessionId 作为分区键，保证同一会话内有序。
type Event struct {
	EventType    Type      `json:"eventType"`
	SessionID    string    `json:"sessionId"`
	Kind         string    `json:"kind,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	FieldPath    string    `json:"fieldPath,omitempty"`
	Version      uint64    `json:"version,omitempty"`
	Strategy     string    `json:"strategy,omitempty"`
	At           time.Time `json:"at"`
}

// Sink consumes events without ever blocking the caller.
type Sink interface {
	Emit(evt Event)
}

// NopSink drops everything; used when Kafka is not configured.
type NopSink struct{}

func (NopSink) Emit(Event) {}
