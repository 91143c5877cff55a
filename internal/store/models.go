package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Session statuses.
const (
	SessionRequested = "requested"
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionEnded     = "ended"
)

// Participant statuses.
const (
	ParticipantActive    = "active"
	ParticipantPending   = "pending"
	ParticipantSuspended = "suspended"
)

// Edit modes.
const (
	EditCollaborative = "collaborative"
	EditTurnBased     = "turn-based"
	EditLocked        = "locked"
)

// Conflict resolution modes.
const (
	ConflictManual        = "manual"
	ConflictAutomatic     = "automatic"
	ConflictLastWriteWins = "last-write-wins"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// ShareSettings controls who can enter a session and under what constraints.
// LinkExpiration is the default TTL applied to newly generated share links.
type ShareSettings struct {
	IsPublic          bool
	AllowAnonymous    bool
	RequireApproval   bool
	MaxParticipants   int
	LinkExpiration    time.Duration
	PasswordProtected bool
	PasswordHash      string
	DefaultRole       string
}

type Session struct {
	ID                 string
	DocumentID         string
	Name               string
	Status             string
	CreatedBy          string
	EditMode           string
	ConflictResolution string
	Settings           ShareSettings
	CreatedAt          time.Time
	LastActivity       time.Time
}

type Participant struct {
	SessionID   string
	UserID      string
	DisplayName string
	Role        string
	Status      string
	JoinedAt    time.Time
	LastActive  time.Time
}

// ShareToken persists only the hash of the opaque credential; the raw token
// is returned to the caller once and never stored.
type ShareToken struct {
	TokenHash    string
	SessionID    string
	CreatedBy    string
	DefaultRole  string
	ExpiresAt    *time.Time
	SingleUse    bool
	UsedAt       *time.Time
	Revoked      bool
	PasswordHash string
	CreatedAt    time.Time
}

type Team struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}
