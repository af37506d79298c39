package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreateJobRequest represents the request body for creating a new Job.
type CreateJobRequest struct {
	URL                string   `json:"url" validate:"required,url"`
	Format             string   `json:"format,omitempty" validate:"omitempty,max=512"`
	OutputDir          string   `json:"output_dir,omitempty" validate:"omitempty,max=4096"`
	NoCheckCertificate *bool    `json:"no_check_certificate,omitempty"`
	Verbose            *bool    `json:"verbose,omitempty"`
	Extra              []string `json:"extra,omitempty" validate:"max=32,dive,max=1024"`
}

// JobResponse represents the response returned for a Job.
type JobResponse struct {
	ID         uuid.UUID `json:"job_id"`
	URL        string    `json:"url"`
	State      JobState  `json:"state"`
	Title      string    `json:"title,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewJobResponse converts a job to its API representation.
func NewJobResponse(job *Job) JobResponse {
	return JobResponse{
		ID:         job.ID,
		URL:        job.URL,
		State:      job.State,
		Title:      job.Title,
		OutputPath: job.OutputPath,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}
