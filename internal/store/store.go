// ABOUTME: Store interface and data types for forge persistence
// ABOUTME: Defines Project, Session structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"

	"github.com/driftbuild/forge/internal/event"
)

// ErrProjectNotFound is returned when a requested project does not exist
var ErrProjectNotFound = errors.New("project not found")

// ErrSessionNotFound is returned when a requested session does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrEventNotFound is returned when a requested event does not exist
var ErrEventNotFound = errors.New("event not found")

// ErrDuplicateProject is returned when creating a project that already exists
var ErrDuplicateProject = errors.New("project already exists")

// SandboxStatus tracks the lifecycle of a project's current sandbox.
type SandboxStatus string

const (
	SandboxStatusNone         SandboxStatus = "none"
	SandboxStatusProvisioning SandboxStatus = "provisioning"
	SandboxStatusReady        SandboxStatus = "ready"
	SandboxStatusExpired      SandboxStatus = "expired"
)

// Project is the aggregate root. It is mutated by the launcher on
// start/ready and by the stop operation (clears the PID); never deleted
// by this subsystem. All project-field writes are last-write-wins.
type Project struct {
	ID            string
	Name          string
	SandboxID     *string
	SandboxStatus SandboxStatus
	Backend       string // agent backend selector ("claude", "codex", ...)
	PreviewURL    *string
	LastSessionID *string
	AgentPID      *int // tracked OS pid of the running agent, for cancellation
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusExpired   SessionStatus = "expired"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError || s == SessionStatusExpired
}

// Session is one resumable conversation with a specific agent backend.
// The id is opaque and assigned by the backend; it is discovered from
// the backend's initialization event and persisted here before any
// other event referencing it is trusted.
type Session struct {
	ID             string
	ProjectID      string
	UserID         string
	Backend        string
	WorkingDir     string
	Status         SessionStatus
	ErrorMessage   *string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Store defines the interface for project, session, and event persistence.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	SetSandbox(ctx context.Context, projectID, sandboxID string, status SandboxStatus) error
	SetSandboxStatus(ctx context.Context, projectID string, status SandboxStatus) error
	SetAgentPID(ctx context.Context, projectID string, pid int) error
	ClearAgentPID(ctx context.Context, projectID string) error
	SetPreviewURL(ctx context.Context, projectID, url string) error
	SetLastSessionID(ctx context.Context, projectID, sessionID string) error
	ListProjectsWithAgentPID(ctx context.Context) ([]*Project, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionStatus(ctx context.Context, id string, status SessionStatus, errorMessage *string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
	ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]*Session, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, ev *event.Event) error
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	EventsSince(ctx context.Context, projectID string, after time.Time, limit int) ([]*event.Event, error)
	LatestEvent(ctx context.Context, projectID string) (*event.Event, error)

	// Close releases any resources held by the store
	Close() error
}

// Notifier receives a callback after each successful event insert.
// This is the push-notification hook consumed by the event bus.
type Notifier interface {
	Notify(ev *event.Event)
}
