package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/logging"
)

// maxWebhookBody bounds how much of an untrusted webhook body is drained
const maxWebhookBody = 1 << 20

// handleSubmitJob handles POST /api/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var in job.SubmitInput
	if err := parseJSONBody(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	in.UserID = r.Header.Get(headerUserID)

	result, err := s.jobService.SubmitJob(r.Context(), in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, result)
}

// handleGetJobStatus handles GET /api/jobs/{id}
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	view, err := s.jobService.GetJobStatus(r.Context(), jobID, r.Header.Get(headerUserID))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleProviderWebhook handles POST /webhooks/provider/{jobId}. The body is
// drained and ignored; the job is reconciled against the provider's own API.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxWebhookBody))

	view, err := s.jobService.ReconcileFromWebhook(r.Context(), jobID)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).WithField("job_id", jobID).Warn("webhook reconcile failed")
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":  view.JobID,
		"status": view.Status,
	})
}
