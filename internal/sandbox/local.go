// ABOUTME: Local filesystem implementation of the sandbox Provisioner
// ABOUTME: Isolates each sandbox in its own directory and process group

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// LocalProvisioner provisions sandboxes as directories under a root
// and runs agent processes detached in their own process group. It is
// the development and single-host deployment backend; the interface is
// what a remote VM provider would implement instead.
type LocalProvisioner struct {
	rootDir string
	logger  *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

func NewLocalProvisioner(rootDir string) (*LocalProvisioner, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &LocalProvisioner{
		rootDir:   rootDir,
		logger:    slog.Default().With("component", "sandbox"),
		sandboxes: make(map[string]*Sandbox),
	}, nil
}

// Create provisions a sandbox directory. Creation is fast locally but
// callers must still treat it as fallible and slow; remote providers
// take seconds.
func (p *LocalProvisioner) Create(ctx context.Context, projectID string, lifetime time.Duration) (*Sandbox, error) {
	id := "sbx-" + uuid.New().String()[:8]
	dir := filepath.Join(p.rootDir, id)

	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0755); err != nil {
		return nil, &ProvisionError{Stage: "create", Err: err}
	}

	sb := &Sandbox{
		ID:        id,
		RootDir:   dir,
		ExpiresAt: time.Now().UTC().Add(lifetime),
	}

	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()

	p.logger.Info("sandbox created",
		"sandbox_id", id,
		"project_id", projectID,
		"expires_at", sb.ExpiresAt)
	return sb, nil
}

// Destroy kills the sandbox's process group and removes its directory.
func (p *LocalProvisioner) Destroy(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	delete(p.sandboxes, sandboxID)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.RemoveAll(sb.RootDir); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", sandboxID, err)
	}

	p.logger.Info("sandbox destroyed", "sandbox_id", sandboxID)
	return nil
}

// UploadFile writes content into the sandbox. Path traversal outside
// the sandbox root is rejected.
func (p *LocalProvisioner) UploadFile(ctx context.Context, sandboxID, path string, content []byte, mode uint32) error {
	sb, err := p.get(sandboxID)
	if err != nil {
		return err
	}

	dest := filepath.Join(sb.RootDir, filepath.Clean("/"+path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &ProvisionError{Stage: "upload", Err: err}
	}
	if err := os.WriteFile(dest, content, os.FileMode(mode)); err != nil {
		return &ProvisionError{Stage: "upload", Err: err}
	}
	return nil
}

// RunDetached starts cmd inside the sandbox, detached in its own
// session so it survives the calling request. Stdout and stderr go to
// a log file in the sandbox; the only structured output channel is the
// event stream the process itself ships.
func (p *LocalProvisioner) RunDetached(ctx context.Context, sandboxID string, cmd []string, env []string) (*Process, error) {
	sb, err := p.get(sandboxID)
	if err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, &ProvisionError{Stage: "start", Err: fmt.Errorf("empty command")}
	}

	logPath := filepath.Join(sb.RootDir, "agent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &ProvisionError{Stage: "start", Err: err}
	}
	defer logFile.Close()

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = sb.RootDir
	c.Env = append(os.Environ(), env...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := c.Start(); err != nil {
		return nil, &ProvisionError{Stage: "start", Err: err}
	}

	pid := c.Process.Pid

	// Reap the child when it exits so it doesn't linger as a zombie.
	go func() {
		_ = c.Wait()
	}()

	p.logger.Info("process started",
		"sandbox_id", sandboxID,
		"pid", pid,
		"command", cmd[0])

	return &Process{PID: pid, LogPath: logPath}, nil
}

// Signal delivers a signal to the process group, so agent children die
// with the agent.
func (p *LocalProvisioner) Signal(ctx context.Context, sandboxID string, pid int, sig Signal) error {
	if _, err := p.get(sandboxID); err != nil {
		return err
	}

	var s syscall.Signal
	switch sig {
	case SignalTerminate:
		s = syscall.SIGTERM
	case SignalKill:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("unknown signal %d", sig)
	}

	// Negative pid targets the whole process group created by Setsid.
	if err := syscall.Kill(-pid, s); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	return nil
}

// Alive probes whether the process exists. Signal 0 performs the
// existence check without delivering anything.
func (p *LocalProvisioner) Alive(ctx context.Context, sandboxID string, pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if err == syscall.ESRCH {
		return false, nil
	}
	if err == syscall.EPERM {
		// Exists but owned by someone else. Still alive.
		return true, nil
	}
	return false, fmt.Errorf("probing pid %d: %w", pid, err)
}

func (p *LocalProvisioner) get(sandboxID string) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	return sb, nil
}
