package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound    = errors.New("SESSION_NOT_FOUND")
	ErrAccessDenied       = errors.New("ACCESS_DENIED")
	ErrConflictResolution = errors.New("CONFLICT_RESOLUTION_FAILED")
	ErrConflictPending    = errors.New("CONFLICT_PENDING")
	ErrConflictNotFound   = errors.New("CONFLICT_NOT_FOUND")
	ErrBadField           = errors.New("INVALID_FIELD_PATH")
)

// Platform 接入面：变更或连接来自哪个外部表面。
type Platform string

const (
	PlatformDiscord Platform = "discord"
	PlatformWeb     Platform = "web"
	PlatformMobile  Platform = "mobile"
	PlatformAPI     Platform = "api"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformDiscord, PlatformWeb, PlatformMobile, PlatformAPI:
		return true
	}
	return false
}

// Capabilities 由平台推导出的客户端能力。
type Capabilities struct {
	RealtimePush bool `json:"realtimePush"`
	RichUI       bool `json:"richUI"`
}

func CapabilitiesFor(p Platform) Capabilities {
	switch p {
	case PlatformWeb, PlatformMobile:
		return Capabilities{RealtimePush: true, RichUI: true}
	case PlatformDiscord:
		return Capabilities{RealtimePush: true, RichUI: false}
	default:
		return Capabilities{RealtimePush: false, RichUI: false}
	}
}

type Kind string

const (
	KindArena      Kind = "arena"
	KindCollab     Kind = "collab"
	KindTournament Kind = "tournament"
)

type AccessMode string

const (
	AccessOwnerOnly     AccessMode = "owner-only"
	AccessPublic        AccessMode = "public"
	AccessCollaborators AccessMode = "collaborators"
)

type AccessPolicy struct {
	Mode          AccessMode `json:"mode"`
	Collaborators []string   `json:"collaborators,omitempty"`
}

func (a AccessPolicy) Allows(userID, ownerID string) bool {
	if userID == ownerID {
		return true
	}
	switch a.Mode {
	case AccessPublic:
		return true
	case AccessCollaborators:
		for _, c := range a.Collaborators {
			if c == userID {
				return true
			}
		}
	}
	return false
}

// StateSnapshot 会话的权威负载：版本号单调 +1，校验和只由 payload 决定。
type StateSnapshot struct {
	Version   uint64         `json:"version"`
	Payload   map[string]any `json:"payload"`
	Checksum  string         `json:"checksum"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Dirty     bool           `json:"-"`
}

// Session one unit of shared state with its owner, lifecycle and snapshot.
type Session struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"ownerId"`
	Kind           Kind          `json:"kind"`
	OriginPlatform Platform      `json:"originPlatform"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	Access         AccessPolicy  `json:"access"`
	Snapshot       StateSnapshot `json:"snapshot"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ChangeRecord 一次已应用变更的不可变日志，用于冲突检测和加入时的追平回放。
type ChangeRecord struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"sessionId"`
	FieldPath          string    `json:"fieldPath"`
	OldValue           any       `json:"oldValue"`
	NewValue           any       `json:"newValue"`
	Version            uint64    `json:"version"`
	AppliedAt          time.Time `json:"appliedAt"`
	OriginPlatform     Platform  `json:"originPlatform"`
	SourceConnectionID string    `json:"sourceConnectionId"`
}

// PendingConflict user-choice 策略下待业务层裁决的冲突对。
type PendingConflict struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	FieldPath       string    `json:"fieldPath"`
	OldValue        any       `json:"oldValue"`
	NewValue        any       `json:"newValue"`
	OldPlatform     Platform  `json:"oldPlatform"`
	NewPlatform     Platform  `json:"newPlatform"`
	NewConnectionID string    `json:"newConnectionId"`
	NewUserID       string    `json:"newUserId"`
	DetectedAt      time.Time `json:"detectedAt"`
}
