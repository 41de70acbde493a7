package handlers

import (
	"context"
	"net/http"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/store"
)

// ActivityService is the part of activity.Recorder the HTTP surface uses.
type ActivityService interface {
	List(ctx context.Context, teamID domain.TeamID, filter store.ActivityFilter) ([]*domain.Activity, error)
	MarkRead(ctx context.Context, teamID domain.TeamID, id string) error
	Archive(ctx context.Context, teamID domain.TeamID, id string) error
}

// ActivityHandler serves the activity feed.
type ActivityHandler struct {
	svc ActivityService
}

// NewActivityHandler creates a new activity handler.
func NewActivityHandler(svc ActivityService) *ActivityHandler {
	return &ActivityHandler{svc: svc}
}

// List handles GET /api/activities.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	filter := store.ActivityFilter{
		Types:    listOf[domain.ActivityType](q.list("type")),
		Statuses: listOf[domain.ActivityStatus](q.list("status")),
		Since:    q.timestamp("since"),
		Limit:    q.int("limit"),
	}
	if q.err != nil {
		fail(w, r, q.err)
		return
	}
	activities, err := h.svc.List(r.Context(), team(r), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeList(w, "activities", activities)
}

// MarkRead handles POST /api/activities/{id}/read.
func (h *ActivityHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkRead(r.Context(), team(r), r.PathValue("id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Archive handles POST /api/activities/{id}/archive.
func (h *ActivityHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Archive(r.Context(), team(r), r.PathValue("id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
