// ABOUTME: HTTP API for the forge gateway
// ABOUTME: Launch/stop, event ingest, catch-up fetch, and SSE live streaming

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftbuild/forge/internal/event"
	"github.com/driftbuild/forge/internal/eventbus"
	"github.com/driftbuild/forge/internal/launcher"
	"github.com/driftbuild/forge/internal/runner"
	"github.com/driftbuild/forge/internal/sandbox"
	"github.com/driftbuild/forge/internal/session"
	"github.com/driftbuild/forge/internal/store"
)

// Server is the gateway's HTTP surface. Web clients and in-sandbox
// runners both talk to it; the only difference is which endpoints they
// use.
type Server struct {
	store    store.Store
	bus      *eventbus.Broadcaster
	launcher *launcher.Launcher
	sessions *session.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(st store.Store, bus *eventbus.Broadcaster, l *launcher.Launcher, sessions *session.Registry) *Server {
	s := &Server{
		store:    st,
		bus:      bus,
		launcher: l,
		sessions: sessions,
		logger:   slog.Default().With("component", "gateway"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("POST /api/projects/{id}/agent", s.handleAgent)
	s.mux.HandleFunc("POST /api/projects/{id}/events", s.handleIngest)
	s.mux.HandleFunc("POST /api/projects/{id}/sessions", s.handleRegisterSession)
	s.mux.HandleFunc("GET /api/projects/{id}/events", s.handleCatchUp)
	s.mux.HandleFunc("GET /api/projects/{id}/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/projects/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// --- Projects ---

type createProjectRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if req.Backend == "" {
		req.Backend = "claude"
	}

	project := &store.Project{ID: req.ID, Name: req.Name, Backend: req.Backend}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, store.ErrDuplicateProject) {
			s.writeError(w, http.StatusConflict, "project already exists")
			return
		}
		s.logger.Error("creating project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusCreated, projectResponse(project))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrProjectNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("loading project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, projectResponse(project))
}

func projectResponse(p *store.Project) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"name":          p.Name,
		"backend":       p.Backend,
		"sandboxId":     p.SandboxID,
		"sandboxStatus": p.SandboxStatus,
		"previewUrl":    p.PreviewURL,
		"lastSessionId": p.LastSessionID,
		"agentRunning":  p.AgentPID != nil,
	}
}

// --- Agent launch ---

type agentRequest struct {
	Prompt           string `json:"prompt"`
	SessionID        string `json:"sessionId"`
	SandboxID        string `json:"sandboxId"`
	UserID           string `json:"userId"`
	WorkingDirectory string `json:"workingDirectory"`
}

// handleAgent starts or resumes an agent run. The response comes back
// as soon as the detached process exists; progress is observed through
// the event endpoints only.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	// An explicit sandboxId pins the request to the project's current
	// sandbox; a stale pin is rejected, never silently redirected.
	if req.SandboxID != "" {
		project, err := s.store.GetProject(r.Context(), projectID)
		if errors.Is(err, store.ErrProjectNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		if err != nil {
			s.logger.Error("loading project", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if project.SandboxID == nil || *project.SandboxID != req.SandboxID {
			s.writeError(w, http.StatusConflict, "sandboxId does not match the project's sandbox")
			return
		}
	}

	launch := launcher.LaunchRequest{
		ProjectID:  projectID,
		UserID:     req.UserID,
		Prompt:     req.Prompt,
		SessionID:  req.SessionID,
		WorkingDir: req.WorkingDirectory,
	}

	var res *launcher.LaunchResult
	var err error
	if req.SessionID != "" {
		res, err = s.launcher.Resume(r.Context(), launch)
	} else {
		res, err = s.launcher.StartNew(r.Context(), launch)
	}
	if err != nil {
		s.writeLaunchError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    res.Status,
		"sandboxId": res.SandboxID,
		"setupPid":  res.PID,
	})
}

func (s *Server) writeLaunchError(w http.ResponseWriter, err error) {
	var perr *sandbox.ProvisionError
	switch {
	case errors.Is(err, store.ErrProjectNotFound):
		s.writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNotActive):
		s.writeError(w, http.StatusNotFound, "session not found or expired")
	case errors.Is(err, launcher.ErrAgentRunning):
		s.writeError(w, http.StatusConflict, "agent already running")
	case errors.As(err, &perr):
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("sandbox provisioning failed: %v", perr.Err))
	default:
		s.logger.Error("launching agent", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Event ingest (runner-facing) ---

// handleIngest accepts one event envelope from the runner. The store
// assigns id and timestamp; the envelope's own id, if any, is ignored.
// Appending also fans the event out to live subscribers via the bus.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event envelope")
		return
	}
	ev.ProjectID = projectID

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("loading project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.AppendEvent(r.Context(), &ev); err != nil {
		s.logger.Error("appending event", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	s.postIngest(r, &ev)

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

// postIngest applies the event's side effects on project and session
// state. All best-effort: the event itself is already durable.
func (s *Server) postIngest(r *http.Request, ev *event.Event) {
	ctx := r.Context()

	if ev.SessionID != nil {
		if err := s.sessions.Touch(ctx, *ev.SessionID); err != nil {
			s.logger.Debug("touching session", "session_id", *ev.SessionID, "error", err)
		}
	}

	switch data := ev.Data.(type) {
	case event.ToolResultPayload:
		if url := runner.PreviewURL(data.Output); url != "" {
			if err := s.store.SetPreviewURL(ctx, ev.ProjectID, url); err != nil {
				s.logger.Warn("recording preview url", "error", err)
			}
		}
	case event.ResultPayload:
		if ev.SessionID == nil {
			return
		}
		var err error
		if data.Subtype == event.SubtypeSuccess {
			err = s.sessions.Complete(ctx, *ev.SessionID)
		} else {
			err = s.sessions.Fail(ctx, *ev.SessionID, data.Subtype)
		}
		if err != nil {
			s.logger.Warn("finalizing session", "session_id", *ev.SessionID, "error", err)
		}
		if err := s.store.ClearAgentPID(ctx, ev.ProjectID); err != nil {
			s.logger.Debug("clearing agent pid", "error", err)
		}
	}
}

// --- Session registration (runner-facing) ---

type registerSessionRequest struct {
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	Backend          string `json:"backend"`
	WorkingDirectory string `json:"workingDirectory"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var req registerSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("loading project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	err := s.sessions.Register(r.Context(), &store.Session{
		ID:         req.SessionID,
		ProjectID:  projectID,
		UserID:     req.UserID,
		Backend:    req.Backend,
		WorkingDir: req.WorkingDirectory,
	})
	if err != nil {
		if errors.Is(err, session.ErrNotActive) {
			s.writeError(w, http.StatusConflict, "session already finished")
			return
		}
		s.logger.Error("registering session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"sessionId": req.SessionID})
}

// --- Catch-up fetch ---

// handleCatchUp returns events strictly after the `after` timestamp
// (RFC 3339, nanosecond precision), oldest first.
func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var after time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid after timestamp")
			return
		}
		after = parsed
	}

	events, err := s.store.EventsSince(r.Context(), projectID, after, 0)
	if err != nil {
		s.logger.Error("fetching events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []*event.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Live stream ---

// handleStream serves the push channel over SSE. No replay happens
// here; a client that wants history uses the catch-up fetch and lets
// its dedup cache absorb the overlap.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, _ := s.bus.Subscribe(r.Context(), projectID)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encoding stream event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// --- Stop ---

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	if err := s.launcher.Stop(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("stopping agent", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
