package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/veranemoloko/stream-assembler/internal/domain"
)

// JobRepo defines the interface for job summary storage.
type JobRepo interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	GetJobsByState(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error)
}
