package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"jobtab/internal/store"
)

type switchStorageRequest struct {
	Backend string `json:"backend"`
}

const drainTimeout = 60 * time.Second

func (s *Server) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"backend": s.switcher.Backend()})
}

// handleSwitchStorage cuts the daemon over to a different backend. In-flight
// executions are drained first so no write lands on the wrong store. Task
// data is not migrated; the new backend serves whatever it already holds.
func (s *Server) handleSwitchStorage(w http.ResponseWriter, r *http.Request) {
	var req switchStorageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	switch req.Backend {
	case store.BackendJSON, store.BackendSQLite, store.BackendRedis:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "backend must be json, sqlite or redis")
		return
	}
	if req.Backend == s.switcher.Backend() {
		writeJSON(w, http.StatusOK, map[string]string{"backend": req.Backend, "state": "unchanged"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), drainTimeout)
	defer cancel()

	if err := s.scheduler.Drain(ctx); err != nil {
		s.scheduler.Resume()
		s.logger.Error("drain before storage switch", "err", err)
		writeError(w, http.StatusServiceUnavailable, "drain_timeout", "in-flight executions did not finish in time")
		return
	}
	defer s.scheduler.Resume()

	opts := store.Options{
		Backend:  req.Backend,
		StateDir: s.storage.StateDir,
		RedisURL: s.storage.RedisURL,
	}
	next, err := store.Open(ctx, opts)
	if err != nil {
		s.logger.Error("open storage backend", "backend", req.Backend, "err", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "could not open requested backend")
		return
	}
	if err := s.switcher.Swap(next, req.Backend); err != nil {
		s.logger.Warn("close previous storage backend", "err", err)
	}
	s.logger.Info("storage backend switched", "backend", req.Backend)
	writeJSON(w, http.StatusOK, map[string]string{"backend": req.Backend, "state": "switched"})
}
