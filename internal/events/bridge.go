package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// DebugPrefix marks engine messages that belong to the debug channel.
const DebugPrefix = "[debug] "

// Sink observes every event of a job before it is handed to the consumer.
type Sink interface {
	Handle(ev domain.JobEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev domain.JobEvent)

func (f SinkFunc) Handle(ev domain.JobEvent) { f(ev) }

// Bridge turns engine and downloader callbacks of one job into an ordered
// stream of JobEvents. Producers never block: events are queued without
// bound and drained by a single goroutine, which feeds the sinks and then
// the Events channel. The channel is closed after the terminal state event.
type Bridge struct {
	jobID  uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.JobEvent
	seq    uint64
	last   time.Time
	closed bool

	out  chan domain.JobEvent
	done chan struct{}
}

// NewBridge creates the bridge of one job. Its context is derived from
// parent and is canceled by Cancel.
func NewBridge(parent context.Context, jobID uuid.UUID, logger *slog.Logger, sinks ...Sink) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	b := &Bridge{
		jobID:  jobID,
		ctx:    ctx,
		cancel: cancel,
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
		out:    make(chan domain.JobEvent),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	go b.pump()
	return b
}

func (b *Bridge) JobID() uuid.UUID { return b.jobID }

// Context is canceled when the job is canceled.
func (b *Bridge) Context() context.Context { return b.ctx }

// Events returns the job's event stream.
func (b *Bridge) Events() <-chan domain.JobEvent { return b.out }

// Done is closed once the terminal event has been delivered.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Cancel signals cancellation. Every later callback returns ErrCanceled.
func (b *Bridge) Cancel() { b.cancel() }

// Canceled reports whether Cancel was called or the parent context ended.
func (b *Bridge) Canceled() bool { return b.ctx.Err() != nil }

func (b *Bridge) check() error {
	if err := b.ctx.Err(); err != nil {
		return errpkg.Canceled(err)
	}
	return nil
}

// Debug handles the engine's debug channel, which also carries ordinary
// informational lines. Only lines with DebugPrefix are debug events.
func (b *Bridge) Debug(msg string) error {
	level := domain.LevelInfo
	if strings.HasPrefix(msg, DebugPrefix) {
		level = domain.LevelDebug
	}
	b.emit(domain.JobEvent{Kind: domain.EventLog, Level: level, Message: msg})
	return b.check()
}

func (b *Bridge) Info(msg string) error {
	b.emit(domain.JobEvent{Kind: domain.EventLog, Level: domain.LevelInfo, Message: msg})
	return b.check()
}

func (b *Bridge) Warning(msg string) error {
	b.emit(domain.JobEvent{Kind: domain.EventLog, Level: domain.LevelWarning, Message: msg})
	return b.check()
}

// Error emits an error event carrying the current goroutine stack.
func (b *Bridge) Error(msg string) error {
	b.emit(domain.JobEvent{
		Kind:    domain.EventLog,
		Level:   domain.LevelError,
		Message: msg,
		Payload: map[string]any{"stack": string(debug.Stack())},
	})
	return b.check()
}

// Progress forwards a progress snapshot. Well-known keys are copied into
// the typed fields when present; nothing is derived.
func (b *Bridge) Progress(snapshot map[string]any) error {
	ev := domain.JobEvent{Kind: domain.EventProgress, Payload: copyMap(snapshot)}
	if v, ok := toInt64(snapshot["downloaded_bytes"]); ok {
		ev.BytesDownloaded = &v
	}
	if v, ok := toInt64(snapshot["total_bytes"]); ok {
		ev.TotalBytes = &v
	}
	if v, ok := toFloat64(snapshot["progress_fraction"]); ok {
		ev.ProgressFraction = &v
	}
	b.emit(ev)
	return b.check()
}

func (b *Bridge) PostProcess(payload map[string]any) error {
	b.emit(domain.JobEvent{Kind: domain.EventPostProcess, Payload: copyMap(payload)})
	return b.check()
}

// State records a job state transition. State events are accepted after
// cancellation so the terminal state is always delivered.
func (b *Bridge) State(from, to domain.JobState, cause error) {
	b.StateWithDetails(from, to, cause, nil)
}

// StateWithDetails is State with job fields (title, output path) attached
// to the event payload.
func (b *Bridge) StateWithDetails(from, to domain.JobState, cause error, details map[string]any) {
	ev := domain.JobEvent{
		Kind:    domain.EventState,
		State:   to,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Payload: copyMap(details),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.emit(ev)
}

func (b *Bridge) emit(ev domain.JobEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Debug("event dropped after terminal state",
			"job_id", b.jobID,
			"kind", ev.Kind,
		)
		return false
	}

	b.seq++
	ev.JobID = b.jobID
	ev.Seq = b.seq
	ev.Time = b.now()
	if ev.Time.Before(b.last) {
		ev.Time = b.last
	}
	b.last = ev.Time

	b.queue = append(b.queue, ev)
	if ev.IsTerminal() {
		b.closed = true
	}
	b.cond.Signal()
	return true
}

func (b *Bridge) pump() {
	defer close(b.done)
	defer close(b.out)
	defer b.cancel()

	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			b.cond.Wait()
		}
		ev := b.queue[0]
		b.queue[0] = domain.JobEvent{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		for _, s := range b.sinks {
			s.Handle(ev)
		}
		b.out <- ev

		if ev.IsTerminal() {
			return
		}
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
