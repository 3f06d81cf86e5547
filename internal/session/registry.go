// ABOUTME: Session registry managing resumable agent conversation sessions
// ABOUTME: Validates resume eligibility and tracks lifecycle transitions

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftbuild/forge/internal/store"
)

// ErrNotFound is returned when resuming a session id that was never
// registered.
var ErrNotFound = errors.New("session not found")

// ErrNotActive is returned when resuming a session that exists but has
// already completed, errored, or expired.
var ErrNotActive = errors.New("session is not active")

// Registry is the authority on which sessions exist and which may be
// resumed. Session ids are opaque strings assigned by the agent
// backend; a session becomes known here only after the backend's
// initialization event surfaces its id.
type Registry struct {
	store  store.Store
	maxAge time.Duration
	logger *slog.Logger
}

// NewRegistry creates a registry. maxAge is the idle lifetime of an
// active session; a session older than that is rejected on resume even
// if the background sweep has not yet marked it expired.
func NewRegistry(st store.Store, maxAge time.Duration) *Registry {
	return &Registry{
		store:  st,
		maxAge: maxAge,
		logger: slog.Default().With("component", "session"),
	}
}

// Register records a newly discovered session as active and points the
// project's last_session_id at it. Idempotent for the same id: the
// backend re-announces the session id on resume, and re-registering an
// existing session only bumps its activity time.
func (r *Registry) Register(ctx context.Context, sess *store.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id required")
	}
	if sess.ProjectID == "" {
		return fmt.Errorf("project id required")
	}

	existing, err := r.store.GetSession(ctx, sess.ID)
	if err == nil {
		if existing.Status.Terminal() {
			return fmt.Errorf("re-registering session %s: %w", sess.ID, ErrNotActive)
		}
		return r.Touch(ctx, sess.ID)
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("checking session %s: %w", sess.ID, err)
	}

	sess.Status = store.SessionStatusActive
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	if err := r.store.SetLastSessionID(ctx, sess.ProjectID, sess.ID); err != nil {
		return fmt.Errorf("recording last session: %w", err)
	}

	r.logger.Info("session registered",
		"session_id", sess.ID,
		"project_id", sess.ProjectID,
		"backend", sess.Backend)
	return nil
}

// Resumable checks whether the given session id may be resumed.
// Unknown ids fail with ErrNotFound and terminal sessions with
// ErrNotActive; both are hard rejections, never silent fallbacks to a
// fresh session.
func (r *Registry) Resumable(ctx context.Context, id string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session %s: %w", id, err)
	}
	if sess.Status != store.SessionStatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", id, sess.Status, ErrNotActive)
	}
	if r.maxAge > 0 && time.Since(sess.LastActivityAt) > r.maxAge {
		// Stale but not yet swept. Mark it now rather than letting a
		// resume race the sweeper.
		if err := r.store.SetSessionStatus(ctx, id, store.SessionStatusExpired, nil); err != nil {
			r.logger.Warn("marking stale session expired", "session_id", id, "error", err)
		}
		return nil, fmt.Errorf("session %s idle past %s: %w", id, r.maxAge, ErrNotActive)
	}
	return sess, nil
}

// Touch bumps the session's activity clock, deferring expiry.
func (r *Registry) Touch(ctx context.Context, id string) error {
	if err := r.store.TouchSession(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	return nil
}

// Complete marks a session as finished successfully.
func (r *Registry) Complete(ctx context.Context, id string) error {
	if err := r.store.SetSessionStatus(ctx, id, store.SessionStatusCompleted, nil); err != nil {
		return fmt.Errorf("completing session %s: %w", id, err)
	}
	r.logger.Info("session completed", "session_id", id)
	return nil
}

// Fail marks a session as errored with a human-readable reason.
func (r *Registry) Fail(ctx context.Context, id, reason string) error {
	if err := r.store.SetSessionStatus(ctx, id, store.SessionStatusError, &reason); err != nil {
		return fmt.Errorf("failing session %s: %w", id, err)
	}
	r.logger.Warn("session failed", "session_id", id, "reason", reason)
	return nil
}

// SweepExpired transitions active sessions idle longer than maxAge to
// expired. Returns the number of sessions swept.
func (r *Registry) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := r.store.ExpireSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	if n > 0 {
		r.logger.Info("expired idle sessions", "count", n, "max_age", maxAge)
	}
	return n, nil
}
