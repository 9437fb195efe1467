package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"jobtab/internal/core"
)

type createTaskRequest struct {
	ID                string            `json:"id"`
	ScriptPath        string            `json:"script_path"`
	ExecutePath       string            `json:"execute_path"`
	IntervalMinutes   int               `json:"interval_minutes"`
	Enabled           *bool             `json:"enabled"`
	TimeoutSeconds    *int              `json:"timeout_seconds"`
	RetryCount        *int              `json:"retry_count"`
	RetryDelaySeconds *int              `json:"retry_delay_seconds"`
	Environment       map[string]string `json:"environment"`
	Description       string            `json:"description"`
}

type toggleTaskRequest struct {
	Enabled bool `json:"enabled"`
}

type batchRequest struct {
	IDs []string `json:"ids"`
	Op  string   `json:"op"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	task := &core.Task{
		ID:              strings.TrimSpace(req.ID),
		ScriptPath:      strings.TrimSpace(req.ScriptPath),
		ExecutePath:     strings.TrimSpace(req.ExecutePath),
		IntervalMinutes: req.IntervalMinutes,
		Enabled:         true,
		TimeoutSeconds:  s.defaults.TimeoutSeconds,
		RetryCount:      s.defaults.RetryCount,
		Environment:     req.Environment,
		Description:     req.Description,
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.TimeoutSeconds != nil {
		task.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.RetryCount != nil {
		task.RetryCount = *req.RetryCount
	}
	if req.RetryDelaySeconds != nil {
		task.RetryDelaySeconds = *req.RetryDelaySeconds
	}

	created, err := s.service.Create(r.Context(), task)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var upd core.TaskUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.service.Update(r.Context(), chi.URLParam(r, "taskID"), upd)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	var req toggleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.service.Toggle(r.Context(), chi.URLParam(r, "taskID"), req.Enabled)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	started, err := s.service.RunNow(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	state := "queued"
	if started {
		state = "started"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": state})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ids is required")
		return
	}
	results, err := s.service.Batch(r.Context(), req.IDs, req.Op)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.Is(err, core.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, "invalid_definition", err.Error())
	case errors.Is(err, core.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, core.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, "draining", err.Error())
	case errors.Is(err, core.ErrStorageUnavailable):
		s.logger.Error("storage error", "err", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage backend unavailable")
	default:
		s.logger.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
