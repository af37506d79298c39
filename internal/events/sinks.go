package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	"github.com/veranemoloko/stream-assembler/internal/metrics"
)

// LogSink writes job events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that writes every event to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(ev domain.JobEvent) {
	attrs := []any{"job_id", ev.JobID, "seq", ev.Seq, "kind", ev.Kind}

	switch ev.Kind {
	case domain.EventLog:
		level := slog.LevelInfo
		switch ev.Level {
		case domain.LevelDebug:
			level = slog.LevelDebug
		case domain.LevelWarning:
			level = slog.LevelWarn
		case domain.LevelError:
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, ev.Message, attrs...)

	case domain.EventProgress:
		if ev.BytesDownloaded != nil {
			attrs = append(attrs, "bytes", *ev.BytesDownloaded)
		}
		if ev.TotalBytes != nil {
			attrs = append(attrs, "total_bytes", *ev.TotalBytes)
		}
		s.logger.Debug("progress", attrs...)

	case domain.EventPostProcess:
		s.logger.Info("post-processing", append(attrs, "payload", ev.Payload)...)

	case domain.EventState:
		attrs = append(attrs, "state", ev.State)
		if ev.Error != "" {
			s.logger.Error("job state changed", append(attrs, "error", ev.Error)...)
			return
		}
		s.logger.Info("job state changed", attrs...)
	}
}

// MetricsSink counts events by kind and level.
type MetricsSink struct{}

func (MetricsSink) Handle(ev domain.JobEvent) {
	metrics.EventsEmitted.WithLabelValues(string(ev.Kind), string(ev.Level)).Inc()
}

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes every event as JSON on "<prefix>:<job id>".
type RedisSink struct {
	client  Publisher
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisSink creates a sink publishing events as JSON on
// "<prefix>:<job id>". Each publish is bounded by timeout.
func NewRedisSink(client Publisher, prefix string, timeout time.Duration, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
	}
}

// Channel returns the pub/sub channel of a job.
func (s *RedisSink) Channel(ev domain.JobEvent) string {
	return fmt.Sprintf("%s:%s", s.prefix, ev.JobID)
}

func (s *RedisSink) Handle(ev domain.JobEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode event", "job_id", ev.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.Channel(ev), payload).Err(); err != nil {
		s.logger.Warn("failed to publish event",
			"job_id", ev.JobID,
			"seq", ev.Seq,
			"error", err,
		)
	}
}
