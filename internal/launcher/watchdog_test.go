// ABOUTME: Tests for the liveness watchdog
// ABOUTME: Verifies synthetic terminal events for processes that die silently

package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/store"
)

func TestWatchdog_AliveProcessUntouched(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	w := NewWatchdog(st, sessions, prov, time.Minute)
	w.Probe(ctx)

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, project.AgentPID)
	assert.Equal(t, res.PID, *project.AgentPID)

	_, err = st.LatestEvent(ctx, "proj-1")
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

func TestWatchdog_DeadProcessWithoutResult(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	require.NoError(t, sessions.Register(ctx, &store.Session{
		ID: "sess-1", ProjectID: "proj-1", UserID: "u", Backend: "claude", WorkingDir: "/w",
	}))

	prov.kill(res.PID)

	w := NewWatchdog(st, sessions, prov, time.Minute)
	w.Probe(ctx)

	// A synthetic terminal event was appended.
	latest, err := st.LatestEvent(ctx, "proj-1")
	require.NoError(t, err)
	require.True(t, latest.IsTerminal())
	payload, ok := latest.Data.(event.ResultPayload)
	require.True(t, ok)
	assert.Equal(t, event.SubtypeProcessDied, payload.Subtype)
	require.NotNil(t, latest.SessionID)
	assert.Equal(t, "sess-1", *latest.SessionID)

	// Session failed, PID cleared.
	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusError, sess.Status)

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, project.AgentPID)
}

func TestWatchdog_DeadProcessWithResult(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	// The run finished normally and wrote its result before exiting.
	require.NoError(t, st.AppendEvent(ctx, &event.Event{
		ProjectID: "proj-1",
		Type:      event.TypeResult,
		Data:      event.ResultPayload{Subtype: event.SubtypeSuccess},
	}))
	prov.kill(res.PID)

	w := NewWatchdog(st, sessions, prov, time.Minute)
	w.Probe(ctx)

	// No synthetic event; the existing result is still the latest.
	latest, err := st.LatestEvent(ctx, "proj-1")
	require.NoError(t, err)
	payload, ok := latest.Data.(event.ResultPayload)
	require.True(t, ok)
	assert.Equal(t, event.SubtypeSuccess, payload.Subtype)

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, project.AgentPID)
}

func TestWatchdog_ProbeIsIdempotent(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	prov.kill(res.PID)

	w := NewWatchdog(st, sessions, prov, time.Minute)
	w.Probe(ctx)
	w.Probe(ctx)

	// Only one synthetic event: after the first probe the PID is
	// cleared, so the project drops out of the tracked set.
	events, err := st.EventsSince(ctx, "proj-1", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	_ = l
	_ = prov

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWatchdog(st, sessions, prov, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop on context cancel")
	}
}
