package config

import (
	"fmt"
	"time"

	"github.com/veranemoloko/stream-assembler/internal/domain"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPPort    int           `envconfig:"HTTP_PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./storage"`
	StateFile   string `envconfig:"STATE_FILE" default:"./state.json"`

	// ResponseTimeout bounds the wait for response headers of a format
	// request. Reading the body is bounded by the job context only. Zero
	// disables it.
	ResponseTimeout    time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"1m"`
	MaxParallelFormats int           `envconfig:"MAX_PARALLEL_FORMATS" default:"2"`
	Retries            int           `envconfig:"RETRIES" default:"3"`
	RetryDelay         time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	BitratePolicy      string        `envconfig:"BITRATE_POLICY" default:"media"`

	YtDlpPath          string `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	FFmpegPath         string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	DefaultFormat      string `envconfig:"DEFAULT_FORMAT" default:"bestvideo+bestaudio[ext=m4a]/best"`
	NoCheckCertificate bool   `envconfig:"NO_CHECK_CERTIFICATE" default:"true"`
	Verbose            bool   `envconfig:"VERBOSE" default:"true"`

	// RedisAddr enables publishing job events over Redis pub/sub when set.
	RedisAddr          string        `envconfig:"REDIS_ADDR"`
	RedisPassword      string        `envconfig:"REDIS_PASSWORD"`
	RedisDB            int           `envconfig:"REDIS_DB" default:"0"`
	RedisChannelPrefix string        `envconfig:"REDIS_CHANNEL_PREFIX" default:"stream-assembler:jobs"`
	RedisTimeout       time.Duration `envconfig:"REDIS_TIMEOUT" default:"2s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.MaxParallelFormats <= 0 {
		return fmt.Errorf("max parallel formats must be positive: %d", c.MaxParallelFormats)
	}

	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative: %d", c.Retries)
	}

	if c.ResponseTimeout < 0 {
		return fmt.Errorf("response timeout cannot be negative: %s", c.ResponseTimeout)
	}

	if _, err := domain.ParseBitratePolicy(c.BitratePolicy); err != nil {
		return err
	}

	if c.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}
	if c.YtDlpPath == "" || c.FFmpegPath == "" {
		return fmt.Errorf("yt-dlp and ffmpeg paths cannot be empty")
	}

	if c.RedisAddr != "" && c.RedisTimeout <= 0 {
		return fmt.Errorf("redis timeout must be positive: %s", c.RedisTimeout)
	}

	return nil
}

// Policy returns the parsed bitrate policy. Validate must have passed.
func (c *Config) Policy() domain.BitratePolicy {
	p, _ := domain.ParseBitratePolicy(c.BitratePolicy)
	return p
}
