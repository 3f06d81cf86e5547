// ABOUTME: Liveness watchdog for detached agent processes
// ABOUTME: Converts silent process death into a synthetic terminal event

package launcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/sandbox"
	"github.com/driftbuild/forge/internal/session"
	"github.com/driftbuild/forge/internal/store"
)

// Watchdog periodically probes tracked agent PIDs. A detached process
// has no completion callback, so a crash that never wrote its result
// event would otherwise leave the project stuck in "processing"
// forever. When a probe finds the process gone and the log has no
// terminal event, the watchdog appends a synthetic
// result{error_process_died} and fails the session.
type Watchdog struct {
	store       store.Store
	sessions    *session.Registry
	provisioner sandbox.Provisioner
	interval    time.Duration
	logger      *slog.Logger
}

func NewWatchdog(st store.Store, sessions *session.Registry, prov sandbox.Provisioner, interval time.Duration) *Watchdog {
	return &Watchdog{
		store:       st,
		sessions:    sessions,
		provisioner: prov,
		interval:    interval,
		logger:      slog.Default().With("component", "watchdog"),
	}
}

// Run blocks, probing once per interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("watchdog started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.Probe(ctx)
		}
	}
}

// Probe checks every project with a tracked PID once.
func (w *Watchdog) Probe(ctx context.Context) {
	projects, err := w.store.ListProjectsWithAgentPID(ctx)
	if err != nil {
		w.logger.Error("listing tracked projects", "error", err)
		return
	}

	for _, project := range projects {
		if err := w.probeProject(ctx, project); err != nil {
			w.logger.Error("probing project", "project_id", project.ID, "error", err)
		}
	}
}

func (w *Watchdog) probeProject(ctx context.Context, project *store.Project) error {
	if project.AgentPID == nil || project.SandboxID == nil {
		return nil
	}

	alive, err := w.provisioner.Alive(ctx, *project.SandboxID, *project.AgentPID)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}

	// Process is gone. If its final event already landed, this is a
	// normal completion and only the PID needs clearing.
	latest, err := w.store.LatestEvent(ctx, project.ID)
	if err != nil && !errors.Is(err, store.ErrEventNotFound) {
		return err
	}
	if latest == nil || !latest.IsTerminal() {
		w.logger.Warn("agent process died without a result",
			"project_id", project.ID,
			"pid", *project.AgentPID)

		ev := &event.Event{
			ProjectID: project.ID,
			SessionID: project.LastSessionID,
			Type:      event.TypeResult,
			Data:      event.ResultPayload{Subtype: event.SubtypeProcessDied},
		}
		if err := w.store.AppendEvent(ctx, ev); err != nil {
			return err
		}

		if project.LastSessionID != nil {
			if err := w.sessions.Fail(ctx, *project.LastSessionID, "agent process died"); err != nil {
				w.logger.Warn("failing session after process death",
					"session_id", *project.LastSessionID, "error", err)
			}
		}
	}

	return w.store.ClearAgentPID(ctx, project.ID)
}
