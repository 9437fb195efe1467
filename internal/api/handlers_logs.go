package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jobtab/internal/logsink"
)

const defaultLogTail = 100

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, err := s.service.Get(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	n := defaultLogTail
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_input", "n must be a positive integer")
			return
		}
		n = parsed
	}

	records := s.sink.Tail(id, n)
	if records == nil {
		records = []logsink.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "logs": records})
}
