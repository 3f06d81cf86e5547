// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides project/session persistence with automatic schema creation

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// timeFormat is a fixed-width RFC 3339 layout. Fixed fractional width
// keeps lexicographic order on the stored strings identical to
// chronological order, which the event queries rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	notifier Notifier

	// Event id/timestamp assignment state. lastEventAt enforces a
	// strictly increasing created_at per store instance.
	idMu        sync.Mutex
	entropy     *ulid.MonotonicEntropy
	lastEventAt time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// SetNotifier installs the insert-notification hook. Must be called
// before writers start; nil disables notifications.
func (s *SQLiteStore) SetNotifier(n Notifier) {
	s.notifier = n
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			project_id      TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			sandbox_id      TEXT,
			sandbox_status  TEXT NOT NULL DEFAULT 'none',
			backend         TEXT NOT NULL,
			preview_url     TEXT,
			last_session_id TEXT,
			agent_pid       INTEGER,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (sandbox_status IN ('none', 'provisioning', 'ready', 'expired'))
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			project_id       TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			backend          TEXT NOT NULL,
			working_dir      TEXT NOT NULL,
			status           TEXT NOT NULL,
			error_message    TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,

			CHECK (status IN ('active', 'completed', 'error', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at);

		CREATE TABLE IF NOT EXISTS events (
			event_id   TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			session_id TEXT,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (event_type IN ('system', 'user', 'assistant', 'tool_result', 'result'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_project_created ON events(project_id, created_at, event_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

// CreateProject persists a new project row.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	if project.SandboxStatus == "" {
		project.SandboxStatus = SandboxStatusNone
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	query := `
		INSERT INTO projects (
			project_id, name, sandbox_id, sandbox_status, backend,
			preview_url, last_session_id, agent_pid, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.SandboxID,
		string(project.SandboxStatus),
		project.Backend,
		project.PreviewURL,
		project.LastSessionID,
		project.AgentPID,
		project.CreatedAt.Format(timeFormat),
		project.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProject
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("project created", "project_id", project.ID, "backend", project.Backend)
	return nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT project_id, name, sandbox_id, sandbox_status, backend,
		       preview_url, last_session_id, agent_pid, created_at, updated_at
		FROM projects
		WHERE project_id = ?
	`

	project := &Project{}
	var status, createdStr, updatedStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.Name,
		&project.SandboxID,
		&status,
		&project.Backend,
		&project.PreviewURL,
		&project.LastSessionID,
		&project.AgentPID,
		&createdStr,
		&updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}

	project.SandboxStatus = SandboxStatus(status)
	if project.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if project.UpdatedAt, err = time.Parse(timeFormat, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return project, nil
}

// SetSandbox records the project's current sandbox id and status.
func (s *SQLiteStore) SetSandbox(ctx context.Context, projectID, sandboxID string, status SandboxStatus) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET sandbox_id = ?, sandbox_status = ?, updated_at = ? WHERE project_id = ?`,
		sandboxID, string(status), time.Now().UTC().Format(timeFormat), projectID)
}

// SetSandboxStatus updates only the sandbox status field.
func (s *SQLiteStore) SetSandboxStatus(ctx context.Context, projectID string, status SandboxStatus) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET sandbox_status = ?, updated_at = ? WHERE project_id = ?`,
		string(status), time.Now().UTC().Format(timeFormat), projectID)
}

// SetAgentPID records the tracked OS pid of the running agent.
func (s *SQLiteStore) SetAgentPID(ctx context.Context, projectID string, pid int) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET agent_pid = ?, updated_at = ? WHERE project_id = ?`,
		pid, time.Now().UTC().Format(timeFormat), projectID)
}

// ClearAgentPID clears the tracked pid (stop operation or watchdog).
func (s *SQLiteStore) ClearAgentPID(ctx context.Context, projectID string) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET agent_pid = NULL, updated_at = ? WHERE project_id = ?`,
		time.Now().UTC().Format(timeFormat), projectID)
}

// SetPreviewURL records the preview URL surfaced by the runner.
func (s *SQLiteStore) SetPreviewURL(ctx context.Context, projectID, url string) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET preview_url = ?, updated_at = ? WHERE project_id = ?`,
		url, time.Now().UTC().Format(timeFormat), projectID)
}

// SetLastSessionID records the most recent session for resume.
func (s *SQLiteStore) SetLastSessionID(ctx context.Context, projectID, sessionID string) error {
	return s.updateProject(ctx, projectID,
		`UPDATE projects SET last_session_id = ?, updated_at = ? WHERE project_id = ?`,
		sessionID, time.Now().UTC().Format(timeFormat), projectID)
}

// ListProjectsWithAgentPID returns projects with a tracked agent pid,
// used by the liveness watchdog.
func (s *SQLiteStore) ListProjectsWithAgentPID(ctx context.Context) ([]*Project, error) {
	query := `
		SELECT project_id, name, sandbox_id, sandbox_status, backend,
		       preview_url, last_session_id, agent_pid, created_at, updated_at
		FROM projects
		WHERE agent_pid IS NOT NULL
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project := &Project{}
		var status, createdStr, updatedStr string
		if err := rows.Scan(
			&project.ID,
			&project.Name,
			&project.SandboxID,
			&status,
			&project.Backend,
			&project.PreviewURL,
			&project.LastSessionID,
			&project.AgentPID,
			&createdStr,
			&updatedStr,
		); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		project.SandboxStatus = SandboxStatus(status)
		if project.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if project.UpdatedAt, err = time.Parse(timeFormat, updatedStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}

	return projects, nil
}

// updateProject runs an UPDATE and maps zero affected rows to ErrProjectNotFound.
func (s *SQLiteStore) updateProject(ctx context.Context, projectID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating project %s: %w", projectID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// --- Sessions ---

// CreateSession persists a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	if session.Status == "" {
		session.Status = SessionStatusActive
	}

	query := `
		INSERT INTO sessions (
			session_id, project_id, user_id, backend, working_dir,
			status, error_message, created_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ProjectID,
		session.UserID,
		session.Backend,
		session.WorkingDir,
		string(session.Status),
		session.ErrorMessage,
		session.CreatedAt.Format(timeFormat),
		session.LastActivityAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("session created",
		"session_id", session.ID,
		"project_id", session.ProjectID,
		"backend", session.Backend)
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT session_id, project_id, user_id, backend, working_dir,
		       status, error_message, created_at, last_activity_at
		FROM sessions
		WHERE session_id = ?
	`

	session := &Session{}
	var status, createdStr, activityStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.ProjectID,
		&session.UserID,
		&session.Backend,
		&session.WorkingDir,
		&status,
		&session.ErrorMessage,
		&createdStr,
		&activityStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.Status = SessionStatus(status)
	if session.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.LastActivityAt, err = time.Parse(timeFormat, activityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}

	return session, nil
}

// SetSessionStatus updates a session's status and optional error message.
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id string, status SessionStatus, errorMessage *string) error {
	query := `UPDATE sessions SET status = ?, error_message = ?, last_activity_at = ? WHERE session_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(status), errorMessage, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchSession bumps the session's last_activity_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`
	res, err := s.db.ExecContext(ctx, query, at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ExpireSessionsBefore marks active sessions with last_activity_at
// older than cutoff as expired. Returns the number of sessions swept.
func (s *SQLiteStore) ExpireSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE sessions
		SET status = 'expired'
		WHERE status = 'active' AND last_activity_at < ?
	`
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking affected rows: %w", err)
	}
	return int(affected), nil
}

// ListSessionsByProject returns sessions for a project, newest first.
func (s *SQLiteStore) ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, project_id, user_id, backend, working_dir,
		       status, error_message, created_at, last_activity_at
		FROM sessions
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		var status, createdStr, activityStr string
		if err := rows.Scan(
			&session.ID,
			&session.ProjectID,
			&session.UserID,
			&session.Backend,
			&session.WorkingDir,
			&status,
			&session.ErrorMessage,
			&createdStr,
			&activityStr,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		session.Status = SessionStatus(status)
		if session.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if session.LastActivityAt, err = time.Parse(timeFormat, activityStr); err != nil {
			return nil, fmt.Errorf("parsing last_activity_at: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
