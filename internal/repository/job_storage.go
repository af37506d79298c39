package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// JobStorage keeps job summaries in memory and mirrors them to a JSON
// state file. Callers always receive copies.
type JobStorage struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
	file string

	// persistMu serializes writes of the state file.
	persistMu sync.Mutex
}

// NewJobStorage creates a JobStorage and loads jobs from the file if it exists.
func NewJobStorage(filePath string) (*JobStorage, error) {
	repo := &JobStorage{
		jobs: make(map[uuid.UUID]*domain.Job),
		file: filepath.Clean(filePath),
	}

	if err := repo.restoreJobs(); err != nil {
		return nil, fmt.Errorf("failed to load state from file: %w", err)
	}

	slog.Info("job repository initialized", "file_path", repo.file, "jobs_count", len(repo.jobs))
	return repo, nil
}

func (r *JobStorage) restoreJobs() error {
	data, err := os.ReadFile(r.file)
	if os.IsNotExist(err) {
		slog.Info("state file does not exist, starting with empty state", "file_path", r.file)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if len(data) == 0 {
		slog.Warn("state file is empty", "file_path", r.file)
		return nil
	}

	var jobs []*domain.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to unmarshal state file: %w", err)
	}

	for _, job := range jobs {
		r.jobs[job.ID] = job
	}

	slog.Info("state loaded from file", "jobs_count", len(jobs), "file_path", r.file)
	return nil
}

func (r *JobStorage) persistJobs() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	jobs := r.snapshot()

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	slog.Debug("state saved to file", "jobs_count", len(jobs), "file_path", r.file)
	return nil
}

// snapshot returns copies of all jobs ordered by creation time.
func (r *JobStorage) snapshot() []*domain.Job {
	r.mu.RLock()
	jobs := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	c.Options.Extra = append([]string(nil), job.Options.Extra...)
	if job.Options.NoCheckCertificate != nil {
		v := *job.Options.NoCheckCertificate
		c.Options.NoCheckCertificate = &v
	}
	if job.Options.Verbose != nil {
		v := *job.Options.Verbose
		c.Options.Verbose = &v
	}
	return &c
}

// CreateJob adds a new job and persists it to the file.
func (r *JobStorage) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.jobs[job.ID] = cloneJob(job)
	r.mu.Unlock()

	if err := r.persistJobs(); err != nil {
		return fmt.Errorf("failed to save state after creating job: %w", err)
	}

	slog.Debug("job created and saved", "job_id", job.ID)
	return nil
}

// GetJob retrieves a job by ID.
func (r *JobStorage) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	job, exists := r.jobs[id]
	r.mu.RUnlock()

	if !exists {
		return nil, errpkg.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateJob replaces a stored job and persists it to the file.
func (r *JobStorage) UpdateJob(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.jobs[job.ID]; !exists {
		r.mu.Unlock()
		return errpkg.ErrJobNotFound
	}
	job.UpdatedAt = time.Now()
	r.jobs[job.ID] = cloneJob(job)
	r.mu.Unlock()

	if err := r.persistJobs(); err != nil {
		return fmt.Errorf("failed to save state after updating job: %w", err)
	}

	slog.Debug("job updated and saved", "job_id", job.ID, "state", job.State)
	return nil
}

// ListJobs returns all jobs ordered by creation time.
func (r *JobStorage) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// GetJobsByState returns all jobs in any of the given states.
func (r *JobStorage) GetJobsByState(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[domain.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var filtered []*domain.Job
	for _, job := range r.snapshot() {
		if want[job.State] {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}
