package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
	"github.com/veranemoloko/stream-assembler/internal/events"
	"github.com/veranemoloko/stream-assembler/internal/metrics"
	repo "github.com/veranemoloko/stream-assembler/internal/repository"
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(job *domain.Job, bridge *events.Bridge) error
}

// JobService owns job lifecycles: it persists job summaries, runs each job
// on its own goroutine and lets callers watch the job's event stream.
type JobService struct {
	jobRepo repo.JobRepo
	runner  Runner
	sinks   []events.Sink
	logger  *slog.Logger

	baseCtx      context.Context
	stop         context.CancelFunc
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	mu   sync.Mutex
	live map[uuid.UUID]*liveJob
}

// liveJob records the events of a running job for watchers.
type liveJob struct {
	bridge *events.Bridge

	mu      sync.Mutex
	cond    *sync.Cond
	history []domain.JobEvent
	done    bool
}

func newLiveJob(bridge *events.Bridge) *liveJob {
	lj := &liveJob{bridge: bridge}
	lj.cond = sync.NewCond(&lj.mu)
	return lj
}

func (lj *liveJob) append(ev domain.JobEvent) {
	lj.mu.Lock()
	lj.history = append(lj.history, ev)
	lj.cond.Broadcast()
	lj.mu.Unlock()
}

func (lj *liveJob) finish() {
	lj.mu.Lock()
	lj.done = true
	lj.cond.Broadcast()
	lj.mu.Unlock()
}

// NewJobService creates a JobService. Every job event is fanned out to sinks.
func NewJobService(jobRepo repo.JobRepo, runner Runner, logger *slog.Logger, sinks ...events.Sink) *JobService {
	ctx, stop := context.WithCancel(context.Background())
	return &JobService{
		jobRepo: jobRepo,
		runner:  runner,
		sinks:   sinks,
		logger:  logger,
		baseCtx: ctx,
		stop:    stop,
		live:    make(map[uuid.UUID]*liveJob),
	}
}

// CreateJob validates and stores a new job, then starts it.
func (s *JobService) CreateJob(ctx context.Context, req domain.CreateJobRequest) (*domain.Job, error) {
	if s.shuttingDown.Load() {
		return nil, errpkg.ErrShuttingDown
	}
	if _, err := cleanOutputDir(req.OutputDir); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &domain.Job{
		ID:  uuid.New(),
		URL: req.URL,
		Options: domain.JobOptions{
			Format:             req.Format,
			OutputDir:          req.OutputDir,
			NoCheckCertificate: req.NoCheckCertificate,
			Verbose:            req.Verbose,
			Extra:              req.Extra,
		},
		State:     domain.JobStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.jobRepo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	metrics.JobsCreated.Inc()

	s.logger.Info("job created", "job_id", job.ID, "url", job.URL)

	created := *job
	s.start(job)
	return &created, nil
}

// GetJob returns the stored summary of a job.
func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobRepo.GetJob(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.jobRepo.ListJobs(ctx)
}

// CancelJob requests cancellation of a job. Canceling a finished job is a no-op.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	lj, ok := s.live[id]
	s.mu.Unlock()

	if ok {
		lj.bridge.Cancel()
		s.logger.Info("job cancellation requested", "job_id", id)
		return nil
	}

	job, err := s.jobRepo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}

	job.State = domain.JobStateCanceled
	job.Error = errpkg.ErrCanceled.Error()
	return s.jobRepo.UpdateJob(ctx, job)
}

// Watch streams the events of a job, starting from its first event. For a
// job that is no longer running a single state event is synthesized from
// the stored summary. The channel is closed after the terminal event or
// when ctx ends.
func (s *JobService) Watch(ctx context.Context, id uuid.UUID) (<-chan domain.JobEvent, error) {
	s.mu.Lock()
	lj, ok := s.live[id]
	s.mu.Unlock()

	out := make(chan domain.JobEvent)

	if !ok {
		job, err := s.jobRepo.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		go func() {
			defer close(out)
			select {
			case out <- summaryEvent(job):
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	stopWake := context.AfterFunc(ctx, func() {
		lj.mu.Lock()
		lj.cond.Broadcast()
		lj.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stopWake()

		next := 0
		for {
			lj.mu.Lock()
			for next >= len(lj.history) && !lj.done && ctx.Err() == nil {
				lj.cond.Wait()
			}
			batch := lj.history[next:len(lj.history):len(lj.history)]
			finished := lj.done
			lj.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += len(batch)
			if finished && len(batch) == 0 {
				return
			}
		}
	}()

	return out, nil
}

func summaryEvent(job *domain.Job) domain.JobEvent {
	return domain.JobEvent{
		JobID: job.ID,
		Seq:   1,
		Time:  job.UpdatedAt,
		Kind:  domain.EventState,
		State: job.State,
		Error: job.Error,
		Payload: map[string]any{
			"title":       job.Title,
			"output_path": job.OutputPath,
		},
	}
}

// RecoverPendingJobs restarts jobs that were not finished when the service
// last stopped. Their part files turn the restart into a resume.
func (s *JobService) RecoverPendingJobs(ctx context.Context) error {
	jobs, err := s.jobRepo.GetJobsByState(ctx,
		domain.JobStateCreated,
		domain.JobStateExtracting,
		domain.JobStateDownloading,
		domain.JobStatePostProcessing,
		domain.JobStateAssembling,
	)
	if err != nil {
		return fmt.Errorf("failed to get pending jobs: %w", err)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		previous := job.State
		job.State = domain.JobStateCreated
		job.Error = ""
		if err := s.jobRepo.UpdateJob(ctx, job); err != nil {
			s.logger.Error("failed to recover job", "job_id", job.ID, "error", err)
			continue
		}

		s.logger.Info("recovering job", "job_id", job.ID, "previous_state", previous)
		s.start(job)
	}
	return nil
}

func (s *JobService) start(job *domain.Job) {
	bridge := events.NewBridge(s.baseCtx, job.ID, s.logger, s.sinks...)
	lj := newLiveJob(bridge)

	s.mu.Lock()
	s.live[job.ID] = lj
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drain(job.ID, lj)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(job, bridge); err != nil && !errpkg.IsCanceled(err) {
			s.logger.Error("job finished with error", "job_id", job.ID, "error", err)
		}
	}()
}

// drain consumes the job's event stream, keeps it for watchers and mirrors
// state changes into the repository.
func (s *JobService) drain(id uuid.UUID, lj *liveJob) {
	defer s.wg.Done()

	for ev := range lj.bridge.Events() {
		lj.append(ev)
		if ev.Kind == domain.EventState {
			s.persistState(id, ev)
		}
	}

	lj.finish()

	s.mu.Lock()
	if s.live[id] == lj {
		delete(s.live, id)
	}
	s.mu.Unlock()
}

func (s *JobService) persistState(id uuid.UUID, ev domain.JobEvent) {
	if ev.IsTerminal() {
		metrics.JobsFinished.WithLabelValues(string(ev.State)).Inc()
	}

	// jobs interrupted by shutdown stay pending so they are recovered
	if ev.State == domain.JobStateCanceled && s.shuttingDown.Load() {
		s.logger.Info("job interrupted by shutdown", "job_id", id)
		return
	}

	ctx := context.Background()
	job, err := s.jobRepo.GetJob(ctx, id)
	if err != nil {
		s.logger.Error("failed to load job for state update", "job_id", id, "error", err)
		return
	}

	job.State = ev.State
	job.Error = ev.Error
	if title, ok := ev.Payload["title"].(string); ok {
		job.Title = title
	}
	if output, ok := ev.Payload["output_path"].(string); ok {
		job.OutputPath = output
	}

	if err := s.jobRepo.UpdateJob(ctx, job); err != nil {
		s.logger.Error("failed to save job state", "job_id", id, "state", job.State, "error", err)
	}
}

// Shutdown cancels running jobs and waits for them to stop.
func (s *JobService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down job service")

	s.shuttingDown.Store(true)
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("job service shutdown completed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("job service shutdown timed out")
		return ctx.Err()
	}
}
