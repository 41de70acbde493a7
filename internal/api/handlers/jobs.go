package handlers

import (
	"context"
	"net/http"

	"github.com/dvloznov/teamledger/internal/api/middleware"
	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/jobs"
)

// JobService is the read side of the job store.
type JobService interface {
	GetJob(ctx context.Context, jobID string) (*jobs.AnalyzeInboxJob, error)
	ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.AnalyzeInboxJob, error)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store JobService
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store JobService) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}. Another team's job reads as missing.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err == nil && job.TeamID != team(r) {
		err = domain.NotFoundf("GetJob", "job %s not found", r.PathValue("id"))
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	filter := jobs.JobFilter{
		TeamID:  team(r),
		InboxID: q.str("inbox_id"),
		Status:  jobs.JobStatus(q.str("status")),
		Limit:   q.int("limit"),
		Offset:  q.int("offset"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	list, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "jobs", list)
}
