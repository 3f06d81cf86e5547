// ABOUTME: Agent launcher starting detached runner processes in sandboxes
// ABOUTME: Handles new-project and resume paths plus best-effort stop

package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/sandbox"
	"github.com/driftbuild/forge/internal/session"
	"github.com/driftbuild/forge/internal/store"
)

// ErrAgentRunning is returned when a launch is requested while the
// project's tracked agent process is still alive.
var ErrAgentRunning = errors.New("agent already running for project")

// setupScript chains environment setup into the runner. Uploaded into
// every sandbox so a remote provisioner needs no pre-baked image.
const setupScript = `#!/bin/sh
set -e
cd "${FORGE_WORKDIR:-workspace}"
exec "$FORGE_RUNNER" run
`

// LaunchRequest describes one agent start.
type LaunchRequest struct {
	ProjectID  string
	UserID     string
	Prompt     string
	SessionID  string // set on resume
	WorkingDir string
}

// LaunchResult is returned synchronously; the run itself is observed
// through the event store only.
type LaunchResult struct {
	Status    string // "starting" for a fresh sandbox, "processing" for resume
	SandboxID string
	PID       int
	LogPath   string
}

// Launcher provisions sandboxes and starts detached agent runs. It
// returns as soon as the process exists; there is no completion
// callback, and the watchdog covers the crash case.
type Launcher struct {
	store       store.Store
	sessions    *session.Registry
	provisioner sandbox.Provisioner
	lifetime    time.Duration
	gatewayURL  string
	runnerBin   string
	snapshotDir string
	logger      *slog.Logger

	// Serializes the running-check-then-start window per gateway
	// instance. The check itself is advisory across instances.
	mu sync.Mutex
}

func New(st store.Store, sessions *session.Registry, prov sandbox.Provisioner, lifetime time.Duration, gatewayURL, runnerBin, snapshotDir string) *Launcher {
	return &Launcher{
		store:       st,
		sessions:    sessions,
		provisioner: prov,
		lifetime:    lifetime,
		gatewayURL:  gatewayURL,
		runnerBin:   runnerBin,
		snapshotDir: snapshotDir,
		logger:      slog.Default().With("component", "launcher"),
	}
}

// StartNew provisions a fresh sandbox for the project and starts the
// runner detached with the user's prompt. Returns once the process
// exists with status "starting".
func (l *Launcher) StartNew(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	project, err := l.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := l.checkNotRunning(ctx, project); err != nil {
		return nil, err
	}

	if err := l.store.SetSandboxStatus(ctx, req.ProjectID, store.SandboxStatusProvisioning); err != nil {
		return nil, err
	}

	sb, err := l.provisioner.Create(ctx, req.ProjectID, l.lifetime)
	if err != nil {
		// Provisioning failures are synchronous and fatal to the request.
		_ = l.store.SetSandboxStatus(ctx, req.ProjectID, store.SandboxStatusNone)
		return nil, fmt.Errorf("provisioning sandbox: %w", err)
	}

	if err := l.store.SetSandbox(ctx, req.ProjectID, sb.ID, store.SandboxStatusReady); err != nil {
		return nil, err
	}

	// The environment-ready marker is the first event a new project's
	// clients observe. It is appended before the runner starts so it
	// always precedes anything the runner emits.
	readyEv := &event.Event{
		ProjectID: req.ProjectID,
		Type:      event.TypeSystem,
		Data:      event.SystemPayload{Message: "environment ready"},
	}
	if err := l.store.AppendEvent(ctx, readyEv); err != nil {
		l.reclaim(ctx, req.ProjectID, sb.ID)
		return nil, fmt.Errorf("recording environment ready: %w", err)
	}

	proc, err := l.startRunner(ctx, sb.ID, project.Backend, req, "")
	if err != nil {
		l.reclaim(ctx, req.ProjectID, sb.ID)
		return nil, err
	}

	if err := l.store.SetAgentPID(ctx, req.ProjectID, proc.PID); err != nil {
		l.reclaim(ctx, req.ProjectID, sb.ID)
		return nil, err
	}

	l.logger.Info("agent launched",
		"project_id", req.ProjectID,
		"sandbox_id", sb.ID,
		"pid", proc.PID)

	return &LaunchResult{
		Status:    "starting",
		SandboxID: sb.ID,
		PID:       proc.PID,
		LogPath:   proc.LogPath,
	}, nil
}

// Resume continues an existing session in the project's current
// sandbox. The session must be known and active; an unknown or
// expired session is a hard failure, never a silent fresh start.
func (l *Launcher) Resume(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	project, err := l.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := l.checkNotRunning(ctx, project); err != nil {
		return nil, err
	}

	if _, err := l.sessions.Resumable(ctx, req.SessionID); err != nil {
		return nil, err
	}

	if project.SandboxID == nil || project.SandboxStatus != store.SandboxStatusReady {
		return nil, fmt.Errorf("project %s has no ready sandbox", req.ProjectID)
	}

	proc, err := l.startRunner(ctx, *project.SandboxID, project.Backend, req, req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := l.store.SetAgentPID(ctx, req.ProjectID, proc.PID); err != nil {
		return nil, err
	}
	if err := l.sessions.Touch(ctx, req.SessionID); err != nil {
		l.logger.Warn("touching resumed session", "session_id", req.SessionID, "error", err)
	}

	l.logger.Info("agent resumed",
		"project_id", req.ProjectID,
		"session_id", req.SessionID,
		"pid", proc.PID)

	return &LaunchResult{
		Status:    "processing",
		SandboxID: *project.SandboxID,
		PID:       proc.PID,
		LogPath:   proc.LogPath,
	}, nil
}

// Stop delivers a best-effort terminate to the tracked process and
// clears the PID. Missing or already-dead processes are not errors.
func (l *Launcher) Stop(ctx context.Context, projectID string) error {
	project, err := l.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.AgentPID == nil {
		return nil
	}

	if project.SandboxID != nil {
		if err := l.provisioner.Signal(ctx, *project.SandboxID, *project.AgentPID, sandbox.SignalTerminate); err != nil {
			l.logger.Warn("terminating agent", "project_id", projectID, "pid", *project.AgentPID, "error", err)
		}
	}

	if err := l.store.ClearAgentPID(ctx, projectID); err != nil {
		return fmt.Errorf("clearing agent pid: %w", err)
	}

	l.logger.Info("agent stopped", "project_id", projectID)
	return nil
}

// reclaim destroys a sandbox whose launch failed partway and resets the
// project so a retry can provision fresh. Best-effort: the project must
// end up retryable even when cleanup itself fails.
func (l *Launcher) reclaim(ctx context.Context, projectID, sandboxID string) {
	if err := l.provisioner.Destroy(ctx, sandboxID); err != nil {
		l.logger.Warn("destroying sandbox after failed launch",
			"sandbox_id", sandboxID, "error", err)
	}
	if err := l.store.SetSandboxStatus(ctx, projectID, store.SandboxStatusNone); err != nil {
		l.logger.Warn("resetting sandbox status after failed launch",
			"project_id", projectID, "error", err)
	}
}

// checkNotRunning enforces the single-flight guard. A recorded PID
// whose process is gone does not block a new launch.
func (l *Launcher) checkNotRunning(ctx context.Context, project *store.Project) error {
	if project.AgentPID == nil {
		return nil
	}
	if project.SandboxID == nil {
		return nil
	}
	alive, err := l.provisioner.Alive(ctx, *project.SandboxID, *project.AgentPID)
	if err != nil {
		return fmt.Errorf("probing agent liveness: %w", err)
	}
	if alive {
		return fmt.Errorf("project %s pid %d: %w", project.ID, *project.AgentPID, ErrAgentRunning)
	}
	return nil
}

// startRunner uploads the setup script and starts it detached. The
// runner configuration travels entirely through the environment.
func (l *Launcher) startRunner(ctx context.Context, sandboxID, backend string, req LaunchRequest, resumeSessionID string) (*sandbox.Process, error) {
	if err := l.provisioner.UploadFile(ctx, sandboxID, "bin/setup.sh", []byte(setupScript), 0755); err != nil {
		return nil, fmt.Errorf("uploading setup script: %w", err)
	}

	env := []string{
		"FORGE_GATEWAY_URL=" + l.gatewayURL,
		"FORGE_PROJECT_ID=" + req.ProjectID,
		"FORGE_USER_ID=" + req.UserID,
		"FORGE_BACKEND=" + backend,
		"FORGE_PROMPT=" + req.Prompt,
		"FORGE_WORKDIR=" + req.WorkingDir,
		"FORGE_RUNNER=" + l.runnerBin,
	}
	if l.snapshotDir != "" {
		env = append(env, "FORGE_SNAPSHOT_DIR="+l.snapshotDir)
	}
	if resumeSessionID != "" {
		env = append(env, "FORGE_SESSION_ID="+resumeSessionID)
	}

	proc, err := l.provisioner.RunDetached(ctx, sandboxID, []string{"sh", "bin/setup.sh"}, env)
	if err != nil {
		return nil, fmt.Errorf("starting runner: %w", err)
	}
	return proc, nil
}
