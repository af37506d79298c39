package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
	"github.com/veranemoloko/stream-assembler/internal/validation"
)

// JobServiceI defines the interface for job-related business logic.
type JobServiceI interface {
	CreateJob(ctx context.Context, req domain.CreateJobRequest) (*domain.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	Watch(ctx context.Context, id uuid.UUID) (<-chan domain.JobEvent, error)
}

// JobHandler handles HTTP requests for jobs.
type JobHandler struct {
	jobService JobServiceI
	validator  *validator.Validate
	logger     *slog.Logger
}

// NewJobHandler creates a new JobHandler with the provided service and logger.
func NewJobHandler(jobService JobServiceI, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		validator:  validator.New(),
		logger:     logger,
	}
}

// CreateJob handles POST /jobs.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateSourceURL(req.URL); err != nil {
		h.logger.Warn("url rejected", "url", req.URL, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobService.CreateJob(ctx, req)
	if err != nil {
		h.writeServiceError(w, "failed to create job", err)
		return
	}

	h.logger.Info("job accepted", "job_id", job.ID, "url", job.URL)

	writeJSON(w, http.StatusCreated, domain.NewJobResponse(job))
}

// ListJobs handles GET /jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobService.ListJobs(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to list jobs", err)
		return
	}

	response := make([]domain.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		response = append(response, domain.NewJobResponse(job))
	}
	writeJSON(w, http.StatusOK, response)
}

// GetJob handles GET /jobs/{jobID}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, "failed to get job", err)
		return
	}

	writeJSON(w, http.StatusOK, domain.NewJobResponse(job))
}

// CancelJob handles DELETE /jobs/{jobID}. The job stops asynchronously;
// its terminal state shows up in GET and in the event stream.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := h.jobService.CancelJob(r.Context(), jobID); err != nil {
		h.writeServiceError(w, "failed to cancel job", err)
		return
	}

	h.logger.Info("job cancel requested", "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
	})
}

// StreamEvents handles GET /jobs/{jobID}/events as newline-delimited JSON.
// The response stays open until the job reaches a terminal state or the
// client goes away.
func (h *JobHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	stream, err := h.jobService.Watch(ctx, jobID)
	if err != nil {
		h.writeServiceError(w, "failed to watch job", err)
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would cut long jobs short
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", "job_id", jobID, "error", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range stream {
		if err := enc.Encode(ev); err != nil {
			h.logger.Debug("event stream closed by client", "job_id", jobID, "error", err)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return
		}
	}
}

func (h *JobHandler) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, errpkg.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, errpkg.ErrInvalidOutputDir), errors.Is(err, errpkg.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errpkg.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return uuid.Nil, false
	}
	return jobID, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
