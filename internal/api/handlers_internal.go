package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleCheckJob handles GET /internal/jobs/{id}/consistency
func (s *Server) handleCheckJob(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "diagnostics are not enabled", nil)
		return
	}

	result, err := s.diagnostics.CheckJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCheckUser handles GET /internal/users/{id}/consistency
func (s *Server) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	if s.diagnostics == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "diagnostics are not enabled", nil)
		return
	}

	result, err := s.diagnostics.CheckUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handlePollStats handles GET /internal/stats/polls
func (s *Server) handlePollStats(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "poll monitoring is not enabled", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.monitor.GetStats(),
		"health": s.monitor.CheckHealth(),
	})
}
