// ABOUTME: Tests for the append-only event log
// ABOUTME: Covers ordering, strict-cursor catch-up, notification, and cursor codec

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbuild/forge/internal/event"
)

type recordingNotifier struct {
	events []*event.Event
}

func (n *recordingNotifier) Notify(ev *event.Event) {
	n.events = append(n.events, ev)
}

func appendAssistant(t *testing.T, s *SQLiteStore, projectID, text string) *event.Event {
	t.Helper()
	ev := &event.Event{
		ProjectID: projectID,
		Type:      event.TypeAssistant,
		Data:      event.AssistantPayload{Text: text},
	}
	require.NoError(t, s.AppendEvent(context.Background(), ev))
	return ev
}

func TestAppendEvent_AssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	ev := appendAssistant(t, s, "proj-1", "hello")
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, ev.CreatedAt.Location())
}

func TestAppendEvent_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendEvent(ctx, &event.Event{Type: event.TypeAssistant, Data: event.AssistantPayload{}})
	assert.Error(t, err)

	err = s.AppendEvent(ctx, &event.Event{ProjectID: "p", Type: event.TypeAssistant})
	assert.Error(t, err)
}

func TestAppendEvent_StrictOrder(t *testing.T) {
	s := newTestStore(t)

	// Rapid appends land within the same clock tick; ids and timestamps
	// must still be strictly increasing.
	var prev *event.Event
	for i := 0; i < 100; i++ {
		ev := appendAssistant(t, s, "proj-1", "msg")
		if prev != nil {
			assert.True(t, ev.CreatedAt.After(prev.CreatedAt),
				"created_at must be strictly increasing")
			assert.Greater(t, ev.ID, prev.ID, "ids must sort in append order")
		}
		prev = ev
	}
}

func TestAppendEvent_Notifies(t *testing.T) {
	s := newTestStore(t)
	n := &recordingNotifier{}
	s.SetNotifier(n)

	ev := appendAssistant(t, s, "proj-1", "hello")

	require.Len(t, n.events, 1)
	assert.Equal(t, ev.ID, n.events[0].ID)
}

func TestGetEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessID := "sess-1"
	ev := &event.Event{
		ProjectID: "proj-1",
		SessionID: &sessID,
		Type:      event.TypeUser,
		Data:      event.UserPayload{Text: "do the thing"},
	}
	require.NoError(t, s.AppendEvent(ctx, ev))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-1", *got.SessionID)

	payload, ok := got.Data.(event.UserPayload)
	require.True(t, ok)
	assert.Equal(t, "do the thing", payload.Text)

	_, err = s.GetEvent(ctx, "nope")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestEventsSince_StrictlyAfterCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var all []*event.Event
	for i := 0; i < 5; i++ {
		all = append(all, appendAssistant(t, s, "proj-1", "msg"))
	}
	appendAssistant(t, s, "proj-other", "noise")

	// From the beginning
	events, err := s.EventsSince(ctx, "proj-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, all[i].ID, ev.ID)
	}

	// Strictly greater than: the cursor event itself is excluded
	events, err = s.EventsSince(ctx, "proj-1", all[2].CreatedAt, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, all[3].ID, events[0].ID)
	assert.Equal(t, all[4].ID, events[1].ID)

	// After the last event there is nothing
	events, err = s.EventsSince(ctx, "proj-1", all[4].CreatedAt, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsSince_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendAssistant(t, s, "proj-1", "msg")
	}

	events, err := s.EventsSince(ctx, "proj-1", time.Time{}, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestEventsSince_RoundTripsPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &event.Event{
		ProjectID: "proj-1",
		Type:      event.TypeSystem,
		Data:      event.SystemPayload{Message: "Session started"},
	}))
	require.NoError(t, s.AppendEvent(ctx, &event.Event{
		ProjectID: "proj-1",
		Type:      event.TypeResult,
		Data:      event.ResultPayload{Subtype: event.SubtypeSuccess},
	}))

	events, err := s.EventsSince(ctx, "proj-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	sys, ok := events[0].Data.(event.SystemPayload)
	require.True(t, ok)
	assert.Equal(t, "Session started", sys.Message)

	res, ok := events[1].Data.(event.ResultPayload)
	require.True(t, ok)
	assert.Equal(t, event.SubtypeSuccess, res.Subtype)
	assert.True(t, events[1].IsTerminal())
}

func TestLatestEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestEvent(ctx, "proj-1")
	assert.ErrorIs(t, err, ErrEventNotFound)

	appendAssistant(t, s, "proj-1", "first")
	last := appendAssistant(t, s, "proj-1", "second")

	got, err := s.LatestEvent(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, last.ID, got.ID)
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	cursor := EncodeCursor(ts, "01ARZ3NDEKTSV4RRFFQ69G5FAV")

	gotTS, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTS))
	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", gotID)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	_, _, err := DecodeCursor("not base64!!!")
	assert.Error(t, err)

	_, _, err = DecodeCursor("bm8tcGlwZS1oZXJl") // "no-pipe-here"
	assert.Error(t, err)
}
