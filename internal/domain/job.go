package domain

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// JobState is the lifecycle state of one job.
type JobState string

const (
	JobStateCreated        JobState = "created"
	JobStateExtracting     JobState = "extracting"
	JobStateDownloading    JobState = "downloading"
	JobStatePostProcessing JobState = "post_processing"
	JobStateAssembling     JobState = "assembling"
	JobStateCompleted      JobState = "completed"
	JobStateFailed         JobState = "failed"
	JobStateCanceled       JobState = "canceled"
)

var forwardTransitions = map[JobState]JobState{
	JobStateCreated:        JobStateExtracting,
	JobStateExtracting:     JobStateDownloading,
	JobStateDownloading:    JobStatePostProcessing,
	JobStatePostProcessing: JobStateAssembling,
	JobStateAssembling:     JobStateCompleted,
}

func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true for completed, failed and canceled.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCanceled
}

// CanTransition reports whether moving from s to next is allowed.
func (s JobState) CanTransition(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStateFailed || next == JobStateCanceled {
		return true
	}
	return forwardTransitions[s] == next
}

// Transition validates and returns next.
func (s JobState) Transition(next JobState) (JobState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", errpkg.ErrIllegalTransition, s, next)
	}
	return next, nil
}

// JobOptions are the caller-supplied engine options of a job.
type JobOptions struct {
	Format             string   `json:"format,omitempty"`
	OutputDir          string   `json:"output_dir,omitempty"`
	NoCheckCertificate *bool    `json:"no_check_certificate,omitempty"`
	Verbose            *bool    `json:"verbose,omitempty"`
	Extra              []string `json:"extra,omitempty"`
}

// Job is the persisted summary of one download-and-assembly job.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	URL        string     `json:"url"`
	Options    JobOptions `json:"options"`
	State      JobState   `json:"state"`
	Title      string     `json:"title,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DownloadTask is one in-flight or resumable fetch of a single format.
// Cancellation comes from the context passed to the fetch.
type DownloadTask struct {
	Format        *Format
	Destination   string
	BytesReceived int64
	// TotalBytes is -1 while the size is unknown.
	TotalBytes int64
	ChunkStart int64
}

// NewDownloadTask creates a task for format with an unknown total size.
func NewDownloadTask(format *Format, destination string) *DownloadTask {
	return &DownloadTask{
		Format:      format,
		Destination: destination,
		TotalBytes:  -1,
	}
}

// PartPath is the temporary file the task writes to.
func (t *DownloadTask) PartPath() string {
	return t.Destination + ".part"
}

// TotalKnown reports whether the expected size is known.
func (t *DownloadTask) TotalKnown() bool {
	return t.TotalBytes >= 0
}

// Describe returns a short diagnostic string for logs.
func (t *DownloadTask) Describe(req *http.Request) string {
	rng := "no range"
	if req != nil {
		if v := req.Header.Get("Range"); v != "" {
			rng = v
		}
	}
	return fmt.Sprintf("%s %s", t.Format.FormatID, rng)
}

// JobContext carries values that the post-processing hook hands to later
// stages of the same job.
type JobContext struct {
	mu       sync.RWMutex
	duration *float64
	bitrate  *int
}

// SetDuration records the media duration in seconds.
func (c *JobContext) SetDuration(seconds float64) {
	c.mu.Lock()
	c.duration = &seconds
	c.mu.Unlock()
}

// Duration returns the recorded duration and whether one was set.
func (c *JobContext) Duration() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.duration == nil {
		return 0, false
	}
	return *c.duration, true
}

// SetMergeBitrate records the bitrate cap applied to the merge.
func (c *JobContext) SetMergeBitrate(kbps int) {
	c.mu.Lock()
	c.bitrate = &kbps
	c.mu.Unlock()
}

// MergeBitrate returns the applied cap in kbps and whether one was set.
func (c *JobContext) MergeBitrate() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bitrate == nil {
		return 0, false
	}
	return *c.bitrate, true
}
