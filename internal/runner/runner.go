// ABOUTME: In-sandbox runner loop driving the agent backend CLI
// ABOUTME: Streams backend output into canonical events shipped to the gateway

package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/snapshot"
)

// scanBufferSize accommodates large single-line backend messages
// (a whole file diff inside a tool_use input).
const scanBufferSize = 1024 * 1024

// EventSink is where the runner ships events. Satisfied by
// eventclient.Client; tests substitute an in-memory recorder.
type EventSink interface {
	WriteEvent(ctx context.Context, ev *event.Event) error
	RegisterSession(ctx context.Context, sessionID, userID, backend, workingDir string) error
}

// Config is the runner's launch contract, passed through the
// environment by the launcher.
type Config struct {
	GatewayURL string
	ProjectID  string
	UserID     string
	Backend    string
	Prompt     string
	SessionID  string // set on resume
	WorkingDir string
}

// ConfigFromEnv reads the FORGE_* environment the launcher sets.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		GatewayURL: os.Getenv("FORGE_GATEWAY_URL"),
		ProjectID:  os.Getenv("FORGE_PROJECT_ID"),
		UserID:     os.Getenv("FORGE_USER_ID"),
		Backend:    os.Getenv("FORGE_BACKEND"),
		Prompt:     os.Getenv("FORGE_PROMPT"),
		SessionID:  os.Getenv("FORGE_SESSION_ID"),
		WorkingDir: os.Getenv("FORGE_WORKDIR"),
	}
	if cfg.GatewayURL == "" {
		return cfg, fmt.Errorf("FORGE_GATEWAY_URL not set")
	}
	if cfg.ProjectID == "" {
		return cfg, fmt.Errorf("FORGE_PROJECT_ID not set")
	}
	if cfg.Backend == "" {
		cfg.Backend = "claude"
	}
	return cfg, nil
}

// Runner executes one agent run: spawn the backend CLI, translate its
// stream into events, and ship them. It runs detached; every failure
// mode ends in events or silence, never a return value anyone reads.
type Runner struct {
	cfg    Config
	sink   EventSink
	saver  snapshot.Saver
	logger *slog.Logger
}

func New(cfg Config, sink EventSink, saver snapshot.Saver) *Runner {
	return &Runner{
		cfg:    cfg,
		sink:   sink,
		saver:  saver,
		logger: slog.Default().With("component", "runner"),
	}
}

// buildCommand assembles the backend CLI invocation. Resume passes the
// prior session id so the backend continues the same conversation.
func buildCommand(cfg Config) []string {
	switch cfg.Backend {
	case "codex":
		cmd := []string{"codex", "exec", "--json"}
		if cfg.SessionID != "" {
			cmd = append(cmd, "--resume", cfg.SessionID)
		}
		return append(cmd, cfg.Prompt)
	default:
		cmd := []string{"claude", "-p", cfg.Prompt, "--output-format", "stream-json", "--verbose"}
		if cfg.SessionID != "" {
			cmd = append(cmd, "--resume", cfg.SessionID)
		}
		return cmd
	}
}

// Run executes the backend to completion. The returned error covers
// only launch failures; once the stream starts, problems surface as
// events.
func (r *Runner) Run(ctx context.Context) error {
	args := buildCommand(r.cfg)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting backend %s: %w", args[0], err)
	}

	r.logger.Info("backend started",
		"backend", r.cfg.Backend,
		"pid", cmd.Process.Pid,
		"resume", r.cfg.SessionID != "")

	// Side-channel output is filtered concurrently with the main stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.consumeSideChannel(ctx, stderr)
	}()

	r.consumeStream(ctx, stdout)
	<-done

	if err := cmd.Wait(); err != nil {
		r.logger.Error("backend exited with error", "error", err)
		return fmt.Errorf("backend exited: %w", err)
	}
	return nil
}

// consumeStream translates the backend's structured stdout. Events are
// shipped in order; a failed write is logged and the stream continues,
// since dropping one event is recoverable downstream and stalling the
// backend is not.
func (r *Runner) consumeStream(ctx context.Context, stdout io.Reader) {
	parser := NewParser(r.cfg.ProjectID)
	if r.cfg.SessionID != "" {
		parser.SetSessionID(r.cfg.SessionID)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		res, err := parser.ParseLine(line)
		if err != nil {
			r.logger.Warn("skipping unparseable line", "error", err)
			continue
		}

		// The session must be registered before any event that
		// references it is forwarded.
		if res.SessionID != "" && res.SessionID != r.cfg.SessionID {
			if err := r.sink.RegisterSession(ctx, res.SessionID, r.cfg.UserID, r.cfg.Backend, r.cfg.WorkingDir); err != nil {
				r.logger.Error("registering session", "session_id", res.SessionID, "error", err)
			}
		}

		for _, ev := range res.Events {
			if err := r.sink.WriteEvent(ctx, ev); err != nil {
				r.logger.Error("shipping event", "type", ev.Type, "error", err)
			}
		}

		if res.Terminal && res.Subtype == event.SubtypeSuccess {
			r.snapshotAsync()
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Error("reading backend stream", "error", err)
	}
}

// consumeSideChannel forwards filtered stderr lines as tool_result
// events.
func (r *Runner) consumeSideChannel(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	for scanner.Scan() {
		res := FilterLine(scanner.Text())
		if res == nil {
			continue
		}

		ev := &event.Event{
			ProjectID: r.cfg.ProjectID,
			Type:      event.TypeToolResult,
			Data:      res.Payload,
		}
		if err := r.sink.WriteEvent(ctx, ev); err != nil {
			r.logger.Error("shipping side-channel event", "error", err)
		}
	}
}

// snapshotAsync saves the workspace in the background. Failures are
// logged and otherwise ignored; a missing snapshot never fails a run.
func (r *Runner) snapshotAsync() {
	if r.saver == nil {
		return
	}
	go func() {
		path, err := r.saver.Save(context.Background(), r.cfg.ProjectID, r.cfg.WorkingDir)
		if err != nil {
			r.logger.Error("saving snapshot", "error", err)
			return
		}
		r.logger.Info("snapshot saved", "path", path)
	}()
}
