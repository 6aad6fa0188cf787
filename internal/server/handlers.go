package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"slipway/internal/security"
	"slipway/internal/task"
	"slipway/internal/workflow"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	DefaultListLimit = 20
	MaxListLimit     = 100
	DefaultLogLimit  = 500
)

// createTaskRequest is the body of POST /api/tasks.
type createTaskRequest struct {
	Project  string `json:"project"`
	Type     string `json:"type,omitempty"`
	Platform string `json:"platform,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

// HandleCreateTask starts a pipeline run for a project.
func (s *Server) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if err := security.ValidateProjectName(req.Project); err != nil {
		s.Logger.Warn("Invalid project name in task request", "project", req.Project, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return
	}
	if req.Type != "" && !task.Type(req.Type).Valid() {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid task type '%s'", req.Type)})
		return
	}

	tk, err := s.Engine.Start(r.Context(), req.Project, workflow.StartOptions{
		Type:     task.Type(req.Type),
		Platform: req.Platform,
		Ref:      req.Ref,
	})
	switch {
	case errors.Is(err, workflow.ErrProjectNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	case errors.Is(err, workflow.ErrRunInProgress):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "A run is already in progress for this project"})
		return
	case err != nil:
		s.Logger.Error("Failed to start task", "error", err, "project", req.Project)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start task"})
		return
	}

	s.respondJSON(w, http.StatusAccepted, tk)
}

// HandleListTasks returns recent tasks, optionally scoped to a project.
func (s *Server) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project != "" {
		if err := security.ValidateProjectName(project); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
			return
		}
	}

	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		if n > MaxListLimit {
			n = MaxListLimit
		}
		limit = n
	}

	tasks, err := s.Store.ListTasks(r.Context(), project, limit)
	if err != nil {
		s.Logger.Error("Failed to list tasks", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list tasks"})
		return
	}

	// Transcripts can be large; the log endpoint serves them.
	for i := range tasks {
		tasks[i].Log = ""
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// HandleGetTask returns one task with its full transcript.
func (s *Server) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	tk := s.lookupTask(w, r)
	if tk == nil {
		return
	}
	s.respondJSON(w, http.StatusOK, tk)
}

// HandleTaskLogs returns the structured log entries for a task.
func (s *Server) HandleTaskLogs(w http.ResponseWriter, r *http.Request) {
	tk := s.lookupTask(w, r)
	if tk == nil {
		return
	}

	logs, err := s.Store.GetTaskLogs(r.Context(), tk.ID, DefaultLogLimit)
	if err != nil {
		s.Logger.Error("Failed to fetch task logs", "error", err, "task", tk.ID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch logs"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"task_id": tk.ID,
		"entries": logs,
	})
}

// HandleTaskEvents returns the persisted event history for a task.
func (s *Server) HandleTaskEvents(w http.ResponseWriter, r *http.Request) {
	tk := s.lookupTask(w, r)
	if tk == nil {
		return
	}

	records, err := s.Store.GetTaskEvents(r.Context(), tk.ID, 0)
	if err != nil {
		s.Logger.Error("Failed to fetch task events", "error", err, "task", tk.ID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch events"})
		return
	}

	type eventView struct {
		Type    string          `json:"type"`
		Time    string          `json:"time"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	views := make([]eventView, 0, len(records))
	for _, rec := range records {
		v := eventView{
			Type: rec.Type,
			Time: rec.Time.Format(time.RFC3339Nano),
		}
		if rec.Payload != "" {
			v.Payload = json.RawMessage(rec.Payload)
		}
		views = append(views, v)
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"task_id": tk.ID,
		"events":  views,
	})
}

// HandleCancelTask requests cancellation of a running task. Cancelling
// a task that already finished is a no-op reported in the response.
func (s *Server) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	tk := s.lookupTask(w, r)
	if tk == nil {
		return
	}

	cancelled := s.Engine.Cancel(tk.ID)
	status := http.StatusOK
	if cancelled {
		status = http.StatusAccepted
	}
	s.respondJSON(w, status, map[string]any{
		"task_id":   tk.ID,
		"cancelled": cancelled,
	})
}

// HandleRollback re-activates the release a finished deploy task
// produced.
func (s *Server) HandleRollback(w http.ResponseWriter, r *http.Request) {
	tk := s.lookupTask(w, r)
	if tk == nil {
		return
	}

	if !tk.Status.Terminal() {
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Task is still running"})
		return
	}
	deployID := tk.Result["deploy_id"]
	if deployID == "" {
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "Task has no recorded deployment"})
		return
	}

	proj, err := s.Projects.Get(tk.Project)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	}
	adapter, err := s.Engine.Platform(tk.Platform)
	if err != nil {
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("Platform unavailable: %v", err)})
		return
	}

	if err := adapter.Rollback(r.Context(), proj, deployID); err != nil {
		s.Logger.Error("Rollback failed", "error", err, "task", tk.ID, "deploy_id", deployID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Rollback failed: %v", err)})
		return
	}

	s.Logger.Info("Rolled back to release", "project", tk.Project, "deploy_id", deployID)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"task_id":   tk.ID,
		"project":   tk.Project,
		"deploy_id": deployID,
		"message":   "Rollback complete",
	})
}

// HandleListProjects lists configured projects with their last
// successful deployment.
func (s *Server) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	type projectView struct {
		Name         string `json:"name"`
		Platform     string `json:"platform"`
		Branch       string `json:"branch,omitempty"`
		LastDeployID string `json:"last_deploy_id,omitempty"`
		LastStatus   string `json:"last_status,omitempty"`
	}

	var views []projectView
	for _, name := range s.Projects.List() {
		proj, err := s.Projects.Get(name)
		if err != nil {
			continue
		}
		lastDeploy, err := s.Store.GetSetting(r.Context(), "last_deploy/"+name)
		if err != nil {
			s.Logger.Warn("Failed to read last deploy", "project", name, "error", err)
		}
		var lastStatus string
		if latest, err := s.Store.GetLatestTask(r.Context(), name, ""); err != nil {
			s.Logger.Warn("Failed to read latest task", "project", name, "error", err)
		} else if latest != nil {
			lastStatus = string(latest.Status)
		}
		views = append(views, projectView{
			Name:         name,
			Platform:     proj.Platform,
			Branch:       proj.Branch,
			LastDeployID: lastDeploy,
			LastStatus:   lastStatus,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"projects": views,
		"count":    len(views),
	})
}

// HandleWebhook handles GitHub push webhooks.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "projectName")

	// Validate project name for security
	if err := security.ValidateProjectName(projectName); err != nil {
		s.Logger.Warn("Invalid project name in webhook request", "project", projectName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return
	}

	// Check if project exists
	proj, err := s.Projects.Get(projectName)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	}

	// Check payload size (ContentLength can be -1 if not set, so check for both > 0 and > max)
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	// Check content type
	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	// Check event type
	if r.Header.Get("X-GitHub-Event") != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	// Read payload
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, proj.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	// Parse JSON payload
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if len(payload) == 0 {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Missing payload, skipping"})
		return
	}

	// Only pushes to the configured branch trigger a run
	ref, _ := payload["ref"].(string)
	if !proj.MatchesRef(ref) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}

	// The engine serializes runs per project; a busy project rejects
	// the push rather than queueing stale deploys.
	tk, err := s.Engine.Start(r.Context(), projectName, workflow.StartOptions{
		Type: task.TypeDeploy,
		Ref:  ref,
	})
	switch {
	case errors.Is(err, workflow.ErrRunInProgress):
		s.Logger.Warn("Run already in progress, rejecting", "project", projectName)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Deployment already in progress"})
		return
	case err != nil:
		s.Logger.Error("Failed to start webhook task", "error", err, "project", projectName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start deployment"})
		return
	}

	// Respond immediately: GitHub webhooks time out after 10 seconds,
	// so the run proceeds asynchronously and is observable through the
	// task API and event stream.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Deployment accepted",
		"project": projectName,
		"task_id": tk.ID,
	})
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"projects":       s.Projects.List(),
		"project_count":  s.Projects.Count(),
		"active_runs":    s.Engine.ActiveRuns(),
		"subscribers":    s.Bus.SubscriberCount(),
		"dropped_events": s.Bus.Dropped(),
	})
}

// lookupTask resolves {taskID} and writes the error response itself
// when the task cannot be served.
func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) *task.Task {
	id := chi.URLParam(r, "taskID")
	if id == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing task id"})
		return nil
	}

	tk, err := s.Store.GetTask(r.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to fetch task", "error", err, "task", id)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch task"})
		return nil
	}
	if tk == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown task"})
		return nil
	}
	return tk
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
