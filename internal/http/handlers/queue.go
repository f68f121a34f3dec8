package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"alttext/internal/domain"
)

const listLimit = 20

type jobView struct {
	ID          int64      `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Source      string     `json:"source"`
	LastError   string     `json:"last_error,omitempty"`
	ResultText  string     `json:"result_text,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJobView(job domain.Job) jobView {
	return jobView{
		ID:          job.ID,
		SubjectID:   job.SubjectID,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		Source:      string(job.Source),
		LastError:   job.LastError,
		ResultText:  job.ResultText,
		EnqueuedAt:  job.EnqueuedAt,
		CompletedAt: job.CompletedAt,
	}
}

type enqueueRequest struct {
	SubjectID  string   `json:"subject_id"`
	SubjectIDs []string `json:"subject_ids"`
	Source     string   `json:"source"`
}

func (r enqueueRequest) source() domain.JobSource {
	if r.Source == "" {
		return domain.SourceManual
	}
	return domain.JobSource(r.Source)
}

// EnqueueJob queues one subject for generation.
func (a *App) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectID == "" {
		a.error(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}
	inserted, err := a.Store.Enqueue(r.Context(), req.SubjectID, req.source())
	if err != nil {
		a.Logger.Error().Err(err).Msg("enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue job")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"enqueued": inserted})
}

// EnqueueBulk queues a batch of subjects.
func (a *App) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.SubjectIDs) == 0 {
		a.error(w, http.StatusBadRequest, "invalid_request", "subject_ids is required")
		return
	}
	count, err := a.Store.EnqueueMany(r.Context(), req.SubjectIDs, req.source())
	if err != nil {
		a.Logger.Error().Err(err).Msg("bulk enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue jobs")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"enqueued": count})
}

// QueueStatus reports aggregate counts plus recent and failed jobs for the
// consuming UI, and the cached banner error when one is set.
func (a *App) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.Stats(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("queue stats failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load queue stats")
		return
	}
	recent, err := a.Store.RecentJobs(r.Context(), listLimit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("recent jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load recent jobs")
		return
	}
	failed, err := a.Store.FailedJobs(r.Context(), listLimit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("failed jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load failed jobs")
		return
	}

	recentViews := make([]jobView, 0, len(recent))
	for _, job := range recent {
		recentViews = append(recentViews, toJobView(job))
	}
	failedViews := make([]jobView, 0, len(failed))
	for _, job := range failed {
		failedViews = append(failedViews, toJobView(job))
	}

	resp := map[string]any{
		"stats":  stats,
		"recent": recentViews,
		"failed": failedViews,
	}
	if a.Banner != nil {
		if banner, ok := a.Banner.Get(); ok {
			resp["banner_error"] = banner
		}
	}
	a.json(w, http.StatusOK, resp)
}

// RetryFailed re-queues every failed job.
func (a *App) RetryFailed(w http.ResponseWriter, r *http.Request) {
	count, err := a.Store.RetryFailed(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("retry failed failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to retry jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"retried": count})
}

// ClearCompleted deletes completed jobs older than the given age in hours;
// zero or absent clears them all.
func (a *App) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgeHours int `json:"age_hours"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	count, err := a.Store.ClearCompleted(r.Context(), time.Duration(req.AgeHours)*time.Hour)
	if err != nil {
		a.Logger.Error().Err(err).Msg("clear completed failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to clear jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"cleared": count})
}

// RetryJob re-queues a single job regardless of its current status.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		a.error(w, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	if err := a.Store.RetryJob(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Int64("job_id", id).Msg("retry job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to retry job")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"retried": true})
}
