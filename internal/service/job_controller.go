package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	"github.com/veranemoloko/stream-assembler/internal/engine"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
	"github.com/veranemoloko/stream-assembler/internal/events"
	"github.com/veranemoloko/stream-assembler/internal/metrics"
	"github.com/veranemoloko/stream-assembler/internal/postprocess"
	"github.com/veranemoloko/stream-assembler/internal/storage"
	"github.com/veranemoloko/stream-assembler/internal/worker"
)

// Fetcher downloads one format into a part file and promotes it.
type Fetcher interface {
	Fetch(ctx context.Context, task *domain.DownloadTask, progress worker.ProgressFunc) error
}

// ControllerConfig holds the job controller settings taken from the service
// configuration.
type ControllerConfig struct {
	DownloadDir        string
	MaxParallelFormats int
	Retries            int
	RetryDelay         time.Duration
	Policy             domain.BitratePolicy
	Defaults           engine.Options
}

// JobController drives one job through extraction, download,
// post-processing and assembly.
type JobController struct {
	engine  engine.Engine
	fetcher Fetcher
	files   *storage.FileStorage
	cfg     ControllerConfig
	logger  *slog.Logger
}

// NewJobController creates a JobController. files must be the storage the
// fetcher writes to, so that finished formats are recognised on resume.
func NewJobController(eng engine.Engine, fetcher Fetcher, files *storage.FileStorage, cfg ControllerConfig, logger *slog.Logger) *JobController {
	if cfg.MaxParallelFormats <= 0 {
		cfg.MaxParallelFormats = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = domain.BitrateMedia
	}
	return &JobController{
		engine:  eng,
		fetcher: fetcher,
		files:   files,
		cfg:     cfg,
		logger:  logger,
	}
}

// jobRun holds the state of one execution of a job.
type jobRun struct {
	c      *JobController
	job    *domain.Job
	bridge *events.Bridge
	jobCtx *domain.JobContext
	logger *slog.Logger
	// mediaID keys the job's files so that media sharing a title prefix
	// never share a part file
	mediaID string

	mu sync.Mutex
}

// Run executes job to a terminal state and returns the error that ended it,
// if any. Cancellation is taken from the bridge. Every state change is
// reported through the bridge; job is updated in place.
func (c *JobController) Run(job *domain.Job, bridge *events.Bridge) error {
	r := &jobRun{
		c:      c,
		job:    job,
		bridge: bridge,
		jobCtx: &domain.JobContext{},
		logger: c.logger.With("job_id", job.ID),
	}

	ctx := bridge.Context()
	err := r.execute(ctx)
	if err == nil {
		return nil
	}

	if errpkg.IsCanceled(err) || ctx.Err() != nil {
		err = errpkg.Canceled(err)
		r.logger.Info("job canceled", "state", r.state())
		r.transition(domain.JobStateCanceled, err, nil)
		return err
	}

	r.logger.Error("job failed", "state", r.state(), "error", err)
	_ = bridge.Error(err.Error())
	r.transition(domain.JobStateFailed, err, nil)
	return err
}

func (r *jobRun) state() domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State
}

func (r *jobRun) transition(to domain.JobState, cause error, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.job.State
	next, err := from.Transition(to)
	if err != nil {
		r.logger.Warn("rejected state transition", "from", from, "to", to)
		return err
	}

	r.job.State = next
	r.job.UpdatedAt = time.Now()
	if cause != nil {
		r.job.Error = cause.Error()
	}
	r.bridge.StateWithDetails(from, next, cause, details)
	return nil
}

func (r *jobRun) execute(ctx context.Context) error {
	if err := r.transition(domain.JobStateExtracting, nil, nil); err != nil {
		return err
	}

	opts := r.c.options(r.job.Options)
	rec, err := r.c.engine.Extract(ctx, engine.ExtractRequest{
		URL:      r.job.URL,
		Options:  opts,
		Logger:   r.bridge,
		Progress: r.bridge.Progress,
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	info, err := domain.DecodeInfoRecord(rec)
	if err != nil {
		return err
	}
	formats, err := info.SelectedFormats()
	if err != nil {
		return err
	}
	if info.Duration != nil {
		r.jobCtx.SetDuration(*info.Duration)
	}

	r.job.Title = info.SafeTitle()
	r.mediaID = info.SafeID()
	if r.mediaID == "" {
		r.mediaID = r.job.ID.String()
	}
	dir, err := r.c.outputDir(r.job.Options)
	if err != nil {
		return err
	}

	if err := r.transition(domain.JobStateDownloading, nil, map[string]any{
		"title":      r.job.Title,
		"format_ids": formatIDs(formats),
	}); err != nil {
		return err
	}

	inputs, err := r.fetchAll(ctx, rec, formats, dir, opts)
	if err != nil {
		return err
	}

	if err := r.transition(domain.JobStatePostProcessing, nil, nil); err != nil {
		return err
	}

	decision := domain.Decide(formats, r.c.cfg.Policy)
	r.job.OutputPath = storage.OutputPath(dir, r.job.Title, r.mediaID, domain.OutputExt(formats, decision))
	if err := r.bridge.PostProcess(map[string]any{
		"stage":            "decision",
		"remux_needed":     decision.RemuxNeeded,
		"transcode_needed": decision.TranscodeNeeded,
		"output":           r.job.OutputPath,
	}); err != nil {
		return err
	}

	hook := postprocess.NewBitrateCap(r.c.cfg.Policy, r.jobCtx, r.bridge, r.logger)
	observed := engine.PostProcessorFunc(func(params *engine.Params, rec engine.InfoRecord) ([]string, engine.InfoRecord, error) {
		files, out, err := hook.Run(params, rec)
		if err == nil {
			err = r.transition(domain.JobStateAssembling, nil, nil)
		}
		return files, out, err
	})

	err = r.c.engine.Assemble(ctx, engine.AssembleRequest{
		Info:      rec,
		Inputs:    inputs,
		Output:    r.job.OutputPath,
		Transcode: decision.TranscodeNeeded,
		Params:    engine.NewParams(),
		PostProcessors: []engine.Registration{
			{PostProcessor: observed, When: engine.StageBeforeDownload},
		},
		Logger:   r.bridge,
		Progress: r.assemblyProgress,
	})
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}

	if r.state() == domain.JobStatePostProcessing {
		// the engine assembled without invoking the hook
		if err := r.transition(domain.JobStateAssembling, nil, nil); err != nil {
			return err
		}
	}

	return r.transition(domain.JobStateCompleted, nil, map[string]any{
		"title":       r.job.Title,
		"output_path": r.job.OutputPath,
	})
}

type fetchOutcome struct {
	formatID string
	path     string
	err      error
}

// fetchAll downloads every selected format. Siblings keep running when one
// of them fails; all failures are reported together.
func (r *jobRun) fetchAll(ctx context.Context, rec engine.InfoRecord, formats []domain.Format, dir string, opts engine.Options) ([]string, error) {
	outcomes := make([]fetchOutcome, len(formats))

	g := new(errgroup.Group)
	g.SetLimit(r.c.cfg.MaxParallelFormats)

	for i := range formats {
		i := i
		f := &formats[i]
		dest := storage.FormatPath(dir, r.job.Title, r.mediaID, f.FormatID, f.Ext)
		g.Go(func() error {
			outcomes[i] = fetchOutcome{
				formatID: f.FormatID,
				path:     dest,
				err:      r.fetchOne(ctx, rec, f, dest, opts),
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		paths []string
		errs  []error
	)
	for _, o := range outcomes {
		if o.err == nil {
			paths = append(paths, o.path)
			continue
		}
		if errpkg.IsCanceled(o.err) {
			return nil, o.err
		}
		errs = append(errs, fmt.Errorf("format %s: %w", o.formatID, o.err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return paths, nil
}

func (r *jobRun) fetchOne(ctx context.Context, rec engine.InfoRecord, f *domain.Format, dest string, opts engine.Options) error {
	if r.c.files.Completed(dest) {
		r.logger.Info("format already downloaded", "format_id", f.FormatID, "path", dest)
		return r.bridge.Info(fmt.Sprintf("%s has already been downloaded", filepath.Base(dest)))
	}

	metrics.DownloadsTotal.Inc()
	start := time.Now()

	var err error
	if f.IsDirectHTTP() {
		err = r.fetchDirect(ctx, f, dest)
	} else {
		err = r.c.engine.Download(ctx, engine.DownloadRequest{
			Info:     rec,
			FormatID: f.FormatID,
			Output:   dest,
			Options:  opts,
			Logger:   r.bridge,
			Progress: r.bridge.Progress,
		})
	}

	switch {
	case err == nil:
		metrics.DownloadsSuccess.Inc()
		metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	case errpkg.IsCanceled(err):
		metrics.DownloadsFailed.WithLabelValues("canceled").Inc()
	case errpkg.Retryable(err):
		metrics.DownloadsFailed.WithLabelValues("interrupted").Inc()
	default:
		metrics.DownloadsFailed.WithLabelValues("fatal").Inc()
	}
	return err
}

// fetchDirect downloads a plain HTTP format, retrying interrupted transfers
// from the part file up to the configured budget.
func (r *jobRun) fetchDirect(ctx context.Context, f *domain.Format, dest string) error {
	task := domain.NewDownloadTask(f, dest)

	for attempt := 0; ; attempt++ {
		err := r.c.fetcher.Fetch(ctx, task, r.downloadProgress)
		if err == nil || !errpkg.Retryable(err) || attempt >= r.c.cfg.Retries {
			return err
		}

		r.logger.Warn("download interrupted, retrying",
			"format_id", f.FormatID,
			"bytes", task.BytesReceived,
			"attempt", attempt+1,
			"error", err,
		)
		msg := fmt.Sprintf("WARNING: %s interrupted at %d bytes, retrying (%d/%d)", f.FormatID, task.BytesReceived, attempt+1, r.c.cfg.Retries)
		if werr := r.bridge.Warning(msg); werr != nil {
			return werr
		}

		select {
		case <-ctx.Done():
			return errpkg.Canceled(ctx.Err())
		case <-time.After(r.c.cfg.RetryDelay):
		}
	}
}

func (r *jobRun) downloadProgress(task *domain.DownloadTask) error {
	snapshot := map[string]any{
		"status":           "downloading",
		"format_id":        task.Format.FormatID,
		"filename":         task.Destination,
		"title":            storage.DisplayTitle(task.Destination),
		"downloaded_bytes": task.BytesReceived,
	}
	if task.TotalKnown() {
		snapshot["total_bytes"] = task.TotalBytes
		if task.BytesReceived == task.TotalBytes {
			snapshot["status"] = "finished"
		}
	}
	return r.bridge.Progress(snapshot)
}

// assemblyProgress adds the job duration recorded before assembly, so that
// merger output time can be turned into a fraction.
func (r *jobRun) assemblyProgress(snapshot map[string]any) error {
	if d, ok := r.jobCtx.Duration(); ok && d > 0 {
		snapshot["duration"] = d
		if us, ok := snapshot["out_time_us"].(int64); ok {
			snapshot["progress_fraction"] = min(1.0, float64(us)/1e6/d)
		}
	}
	return r.bridge.Progress(snapshot)
}

func (c *JobController) options(o domain.JobOptions) engine.Options {
	opts := c.cfg.Defaults
	if o.Format != "" {
		opts.Format = o.Format
	}
	if o.NoCheckCertificate != nil {
		opts.NoCheckCertificate = *o.NoCheckCertificate
	}
	if o.Verbose != nil {
		opts.Verbose = *o.Verbose
	}
	opts.Extra = append(append([]string(nil), c.cfg.Defaults.Extra...), o.Extra...)
	return opts
}

func (c *JobController) outputDir(o domain.JobOptions) (string, error) {
	if o.OutputDir == "" {
		return c.cfg.DownloadDir, nil
	}
	rel, err := cleanOutputDir(o.OutputDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.cfg.DownloadDir, rel), nil
}

// cleanOutputDir accepts only directories below the download directory.
func cleanOutputDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if filepath.IsAbs(dir) || !filepath.IsLocal(dir) {
		return "", fmt.Errorf("%w: %q", errpkg.ErrInvalidOutputDir, dir)
	}
	return filepath.Clean(dir), nil
}

func formatIDs(formats []domain.Format) []string {
	ids := make([]string, 0, len(formats))
	for _, f := range formats {
		ids = append(ids, f.FormatID)
	}
	return ids
}
