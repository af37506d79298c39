package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// EnvPrefix prefixes every environment variable, e.g. SA_HTTP_PORT.
const EnvPrefix = "SA"

// Load reads an optional .env file, then environment variables, validates the
// result and ensures required directories exist.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	var cfg Config

	err := envconfig.Process(EnvPrefix, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// job destinations are built from DownloadDir and must not depend on
	// the working directory of later lookups
	if cfg.DownloadDir, err = filepath.Abs(cfg.DownloadDir); err != nil {
		return nil, fmt.Errorf("failed to resolve download dir: %w", err)
	}

	if err := createDirs(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads the given files, or ".env" when none are given. A missing
// default file is not an error; a missing explicit file is.
func loadDotEnv(files ...string) error {
	explicit := len(files) > 0
	if !explicit {
		files = []string{".env"}
	}

	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil {
			slog.Debug("environment file loaded", "path", f)
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			if explicit {
				return fmt.Errorf("%w: %s", errpkg.ErrConfigNotFound, f)
			}
			continue
		}
		return fmt.Errorf("failed to load %s: %w", f, err)
	}
	return nil
}

func createDirs(cfg *Config) error {
	dirs := []string{
		cfg.DownloadDir,
		filepath.Dir(cfg.StateFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("directory created or verified", "path", dir)
	}
	return nil
}

// SetupLogger configures the global slog logger based on configuration.
// Supports "json" or "text" formats and log levels: debug, info, warn, error.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
