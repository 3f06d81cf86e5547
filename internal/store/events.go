// ABOUTME: Append-only event log backed by SQLite with insert notifications
// ABOUTME: Assigns server-side monotonic timestamps and ULID ids at write time

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/driftbuild/forge/internal/event"
)

// maxEventBatch caps a single catch-up fetch.
const maxEventBatch = 500

// AppendEvent persists an event. The store assigns the id (ULID, so
// lexicographic id order matches assignment order) and created_at
// (UTC, strictly increasing per store instance); callers must not set
// either. After a successful insert the notifier, if any, is invoked.
// Events are never mutated or deleted once written.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *event.Event) error {
	if ev.ProjectID == "" {
		return fmt.Errorf("project_id required")
	}
	if ev.Data == nil {
		return fmt.Errorf("event data required")
	}

	id, createdAt := s.nextEventID()
	ev.ID = id
	ev.CreatedAt = createdAt

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}

	query := `
		INSERT INTO events (event_id, project_id, session_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.ProjectID,
		ev.SessionID,
		string(ev.Type),
		string(data),
		ev.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("event appended",
		"event_id", ev.ID,
		"project_id", ev.ProjectID,
		"type", ev.Type)

	if s.notifier != nil {
		s.notifier.Notify(ev)
	}
	return nil
}

// nextEventID assigns a ULID and a strictly increasing UTC timestamp.
// Ties on the wall clock are broken by nudging the timestamp forward a
// nanosecond, so (created_at, event_id) is a total order even within a
// single clock tick.
func (s *SQLiteStore) nextEventID() (string, time.Time) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastEventAt) {
		now = s.lastEventAt.Add(time.Nanosecond)
	}
	s.lastEventAt = now

	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		// Entropy exhaustion within a millisecond; fall back to a
		// timestamp-only ULID which still sorts correctly.
		id = ulid.MustNew(ulid.Timestamp(now), nil)
	}
	return id.String(), now
}

// GetEvent retrieves a single event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	query := `
		SELECT event_id, project_id, session_id, event_type, event_data, created_at
		FROM events
		WHERE event_id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// EventsSince retrieves events for a project with created_at strictly
// greater than after, in ascending order with ties broken by event id.
// This is the catch-up fetch: a client replaying from its cursor gets
// exactly the events it has not yet seen, in log order.
func (s *SQLiteStore) EventsSince(ctx context.Context, projectID string, after time.Time, limit int) ([]*event.Event, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id required")
	}
	if limit <= 0 || limit > maxEventBatch {
		limit = maxEventBatch
	}

	query := `
		SELECT event_id, project_id, session_id, event_type, event_data, created_at
		FROM events
		WHERE project_id = ? AND created_at > ?
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, after.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return events, nil
}

// LatestEvent returns the most recent event for a project, or
// ErrEventNotFound if the log is empty. Used by the liveness watchdog
// to decide whether a vanished process already wrote its terminal
// result.
func (s *SQLiteStore) LatestEvent(ctx context.Context, projectID string) (*event.Event, error) {
	query := `
		SELECT event_id, project_id, session_id, event_type, event_data, created_at
		FROM events
		WHERE project_id = ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, projectID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one event row and decodes its payload variant.
func scanEvent(row scanner) (*event.Event, error) {
	ev := &event.Event{}
	var eventType, dataStr, createdStr string

	if err := row.Scan(
		&ev.ID,
		&ev.ProjectID,
		&ev.SessionID,
		&eventType,
		&dataStr,
		&createdStr,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Type = event.Type(eventType)

	payload, err := event.DecodePayload(ev.Type, json.RawMessage(dataStr))
	if err != nil {
		return nil, fmt.Errorf("decoding stored event %s: %w", ev.ID, err)
	}
	ev.Data = payload

	if ev.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return ev, nil
}

// EncodeCursor creates an opaque cursor string from a timestamp and event id.
// Format is base64(timestamp|event_id).
func EncodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", ts.UTC().Format(timeFormat), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// DecodeCursor parses an opaque cursor string into a timestamp and event id.
// Returns an error if the cursor is invalid.
func DecodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|event_id")
	}

	ts, err := time.Parse(timeFormat, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return ts, parts[1], nil
}
