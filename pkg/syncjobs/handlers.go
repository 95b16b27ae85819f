package syncjobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// GetSyncJobHandler handles GET /api/v1/sync-jobs/{jobId}
func GetSyncJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get sync job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("sync job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// ListSyncJobsHandler handles GET /api/v1/sync-jobs
// Query params: state, limit
func ListSyncJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")

		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if v, err := strconv.Atoi(l); err == nil && v > 0 {
				limit = v
			}
		}

		records, err := store.List(state, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sync jobs: %v", err))
			return
		}

		jobs := make([]jobResponse, len(records))
		for i := range records {
			jobs[i] = jobToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":      jobs,
			"totalSize": len(jobs),
		})
	}
}

// Router creates a chi.Router for the mirror sync job status API.
func Router(store *JobStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ListSyncJobsHandler(store))
	r.Get("/{jobId}", GetSyncJobHandler(store))
	return r
}

// jobResponse is the API response for a mirror sync job.
type jobResponse struct {
	ID           string `json:"id"`
	BatchID      string `json:"batchId"`
	Kind         string `json:"kind"`
	TxSignature  string `json:"txSignature"`
	State        string `json:"state"`
	RequestedAt  string `json:"requestedAt"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
}

func jobToResponse(job *SyncJob) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		BatchID:      job.BatchID,
		Kind:         job.Kind,
		TxSignature:  job.TxSignature,
		State:        string(job.State),
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
