// ABOUTME: Provisioner interface and types for ephemeral agent sandboxes
// ABOUTME: A sandbox is an isolated working environment with a bounded lifetime

package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Sandbox is an ephemeral, isolated environment an agent runs in. It
// exists until its lifetime elapses or it is destroyed; nothing inside
// it survives destruction except events already shipped out.
type Sandbox struct {
	ID        string
	RootDir   string
	ExpiresAt time.Time
}

// ProvisionError wraps a provisioning failure with enough detail for
// the gateway to surface a meaningful upstream error.
type ProvisionError struct {
	Stage string // "create", "upload", "start"
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("sandbox %s failed: %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Process is a handle to a detached process started inside a sandbox.
// There is no completion callback; the caller learns about exit by
// probing Alive or by observing the event stream.
type Process struct {
	PID     int
	LogPath string
}

// Provisioner creates and manages sandboxes. Implementations decide
// what isolation actually means (a local directory, a container, a
// remote VM); callers only see this surface.
type Provisioner interface {
	// Create provisions a fresh sandbox with the given lifetime.
	Create(ctx context.Context, projectID string, lifetime time.Duration) (*Sandbox, error)

	// Destroy tears the sandbox down, killing anything still running
	// inside it. Destroying an unknown sandbox is not an error.
	Destroy(ctx context.Context, sandboxID string) error

	// UploadFile places content at path, relative to the sandbox root.
	UploadFile(ctx context.Context, sandboxID, path string, content []byte, mode uint32) error

	// RunDetached starts a command in the sandbox and returns without
	// waiting for it. The process outlives the calling request.
	RunDetached(ctx context.Context, sandboxID string, cmd []string, env []string) (*Process, error)

	// Signal delivers an OS signal to a process started by RunDetached.
	Signal(ctx context.Context, sandboxID string, pid int, sig Signal) error

	// Alive reports whether the process still exists. This is the
	// liveness probe the watchdog depends on.
	Alive(ctx context.Context, sandboxID string, pid int) (bool, error)
}

// Signal is the subset of OS signals the launcher uses.
type Signal int

const (
	SignalTerminate Signal = iota // graceful stop
	SignalKill                    // hard kill
)
