// ABOUTME: Tests for the agent launcher
// ABOUTME: Uses a fake provisioner to cover launch, resume, stop, and the 409 guard

package launcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/sandbox"
	"github.com/driftbuild/forge/internal/session"
	"github.com/driftbuild/forge/internal/store"
)

// fakeProvisioner is an in-memory Provisioner with scripted failures.
type fakeProvisioner struct {
	mu        sync.Mutex
	nextPID   int
	alive     map[int]bool
	uploads   map[string][]string // sandboxID -> paths
	lastEnv   []string
	createErr error
	startErr  error
	signals   []sandbox.Signal
	destroyed []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		nextPID: 1000,
		alive:   make(map[int]bool),
		uploads: make(map[string][]string),
	}
}

func (f *fakeProvisioner) Create(ctx context.Context, projectID string, lifetime time.Duration) (*sandbox.Sandbox, error) {
	if f.createErr != nil {
		return nil, &sandbox.ProvisionError{Stage: "create", Err: f.createErr}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("sbx-%d", len(f.uploads)+1)
	f.uploads[id] = nil
	return &sandbox.Sandbox{ID: id, RootDir: "/tmp/" + id, ExpiresAt: time.Now().Add(lifetime)}, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeProvisioner) UploadFile(ctx context.Context, sandboxID, path string, content []byte, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[sandboxID] = append(f.uploads[sandboxID], path)
	return nil
}

func (f *fakeProvisioner) RunDetached(ctx context.Context, sandboxID string, cmd []string, env []string) (*sandbox.Process, error) {
	if f.startErr != nil {
		return nil, &sandbox.ProvisionError{Stage: "start", Err: f.startErr}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	f.lastEnv = env
	return &sandbox.Process{PID: f.nextPID, LogPath: "/tmp/" + sandboxID + "/agent.log"}, nil
}

func (f *fakeProvisioner) Signal(ctx context.Context, sandboxID string, pid int, sig sandbox.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	delete(f.alive, pid)
	return nil
}

func (f *fakeProvisioner) Alive(ctx context.Context, sandboxID string, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid], nil
}

func (f *fakeProvisioner) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

func envContains(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func newTestLauncher(t *testing.T) (*Launcher, *fakeProvisioner, store.Store, *session.Registry) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	prov := newFakeProvisioner()
	sessions := session.NewRegistry(st, 30*time.Minute)
	l := New(st, sessions, prov, time.Hour, "http://127.0.0.1:8790", "/usr/local/bin/forge-runner", "/var/lib/forge/snapshots")
	return l, prov, st, sessions
}

func seedProject(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateProject(context.Background(), &store.Project{
		ID: id, Backend: "claude",
	}))
}

func TestStartNew(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{
		ProjectID: "proj-1",
		UserID:    "user-1",
		Prompt:    "build me a todo app",
	})
	require.NoError(t, err)

	assert.Equal(t, "starting", res.Status)
	assert.NotEmpty(t, res.SandboxID)
	assert.Greater(t, res.PID, 0)

	// Sandbox and PID are persisted on the project.
	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.NotNil(t, project.SandboxID)
	assert.Equal(t, res.SandboxID, *project.SandboxID)
	assert.Equal(t, store.SandboxStatusReady, project.SandboxStatus)
	require.NotNil(t, project.AgentPID)
	assert.Equal(t, res.PID, *project.AgentPID)

	// Setup script was uploaded and the runner got its config via env.
	assert.Contains(t, prov.uploads[res.SandboxID], "bin/setup.sh")
	assert.True(t, envContains(prov.lastEnv, "FORGE_PROJECT_ID=proj-1"))
	assert.True(t, envContains(prov.lastEnv, "FORGE_PROMPT=build me a todo app"))
	assert.True(t, envContains(prov.lastEnv, "FORGE_BACKEND=claude"))
}

func TestStartNew_AppendsEnvironmentReady(t *testing.T) {
	l, _, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	_, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1", Prompt: "go"})
	require.NoError(t, err)

	// The launch marker is the first event in a new project's log,
	// ahead of anything the runner will emit.
	events, err := st.EventsSince(ctx, "proj-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeSystem, events[0].Type)

	payload, ok := events[0].Data.(event.SystemPayload)
	require.True(t, ok)
	assert.Equal(t, "environment ready", payload.Message)
}

func TestStartNew_UnknownProject(t *testing.T) {
	l, _, _, _ := newTestLauncher(t)

	_, err := l.StartNew(context.Background(), LaunchRequest{ProjectID: "nope"})
	assert.ErrorIs(t, err, store.ErrProjectNotFound)
}

func TestStartNew_ProvisioningFails(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")
	prov.createErr = errors.New("quota exceeded")

	_, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	var perr *sandbox.ProvisionError
	require.ErrorAs(t, err, &perr)

	// Status rolled back so a retry is possible.
	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusNone, project.SandboxStatus)
	assert.Nil(t, project.AgentPID)
}

func TestStartNew_RunnerStartFailureReclaimsSandbox(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")
	prov.startErr = errors.New("runner binary missing")

	_, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.Error(t, err)

	// The half-launched sandbox is destroyed and the project reset so a
	// retry provisions fresh.
	require.Len(t, prov.destroyed, 1)

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusNone, project.SandboxStatus)
	assert.Nil(t, project.AgentPID)
}

func TestStartNew_RejectsWhileRunning(t *testing.T) {
	l, _, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	_, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1", Prompt: "first"})
	require.NoError(t, err)

	_, err = l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1", Prompt: "second"})
	assert.ErrorIs(t, err, ErrAgentRunning)
}

func TestStartNew_DeadPIDDoesNotBlock(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	prov.kill(res.PID)

	_, err = l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	assert.NoError(t, err)
}

func TestResume(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	prov.kill(res.PID)

	require.NoError(t, sessions.Register(ctx, &store.Session{
		ID: "sess-1", ProjectID: "proj-1", UserID: "u", Backend: "claude", WorkingDir: "/w",
	}))

	resumed, err := l.Resume(ctx, LaunchRequest{
		ProjectID: "proj-1",
		SessionID: "sess-1",
		Prompt:    "keep going",
	})
	require.NoError(t, err)

	assert.Equal(t, "processing", resumed.Status)
	assert.Equal(t, res.SandboxID, resumed.SandboxID)
	assert.True(t, envContains(prov.lastEnv, "FORGE_SESSION_ID=sess-1"))
}

func TestResume_UnknownSession(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	prov.kill(res.PID)

	_, err = l.Resume(ctx, LaunchRequest{ProjectID: "proj-1", SessionID: "never-seen"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestResume_ExpiredSession(t *testing.T) {
	l, prov, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	prov.kill(res.PID)

	require.NoError(t, sessions.Register(ctx, &store.Session{
		ID: "sess-1", ProjectID: "proj-1", UserID: "u", Backend: "claude", WorkingDir: "/w",
	}))
	require.NoError(t, st.SetSessionStatus(ctx, "sess-1", store.SessionStatusExpired, nil))

	_, err = l.Resume(ctx, LaunchRequest{ProjectID: "proj-1", SessionID: "sess-1"})
	assert.ErrorIs(t, err, session.ErrNotActive)
}

func TestResume_NoSandbox(t *testing.T) {
	l, _, st, sessions := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	require.NoError(t, sessions.Register(ctx, &store.Session{
		ID: "sess-1", ProjectID: "proj-1", UserID: "u", Backend: "claude", WorkingDir: "/w",
	}))

	_, err := l.Resume(ctx, LaunchRequest{ProjectID: "proj-1", SessionID: "sess-1"})
	assert.Error(t, err)
}

func TestStop(t *testing.T) {
	l, prov, st, _ := newTestLauncher(t)
	ctx := context.Background()
	seedProject(t, st, "proj-1")

	res, err := l.StartNew(ctx, LaunchRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	require.NoError(t, l.Stop(ctx, "proj-1"))

	require.Len(t, prov.signals, 1)
	assert.Equal(t, sandbox.SignalTerminate, prov.signals[0])

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Nil(t, project.AgentPID)

	// Idempotent: stopping again with no PID is a no-op.
	require.NoError(t, l.Stop(ctx, "proj-1"))
	assert.Len(t, prov.signals, 1)
	_ = res
}
