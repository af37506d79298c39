package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/veranemoloko/stream-assembler/internal/engine"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// progressPrefix tags the JSON progress lines requested with --progress-template.
const progressPrefix = "[sa-progress] "

// Engine drives the yt-dlp executable for extraction and engine-side
// downloads, and ffmpeg for assembly.
type Engine struct {
	runner Runner
	ytdlp  string
	ffmpeg string
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates an Engine that runs yt-dlp and ffmpeg from the given paths
// through runner.
func New(runner Runner, ytdlpPath, ffmpegPath string, logger *slog.Logger) *Engine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Engine{
		runner: runner,
		ytdlp:  ytdlpPath,
		ffmpeg: ffmpegPath,
		logger: logger,
	}
}

// BuildOptionArgs renders engine options as yt-dlp flags.
func BuildOptionArgs(opts engine.Options) []string {
	var args []string
	if f := strings.TrimSpace(opts.Format); f != "" {
		args = append(args, "-f", f)
	}
	if opts.NoCheckCertificate {
		args = append(args, "--no-check-certificates")
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, opts.Extra...)
}

// BuildExtractArgs returns the arguments that print the info record of url.
func BuildExtractArgs(url string, opts engine.Options) []string {
	args := []string{"-J", "--no-playlist"}
	args = append(args, BuildOptionArgs(opts)...)
	return append(args, "--", url)
}

// BuildDownloadArgs returns the arguments that download one format from a
// saved info record to output.
func BuildDownloadArgs(infoPath, formatID, output string, opts engine.Options) []string {
	opts.Format = formatID
	args := []string{
		"--load-info-json", infoPath,
		"--newline",
		"--progress-template", "download:" + progressPrefix + "%(progress)j",
		"-o", strings.ReplaceAll(output, "%", "%%"),
	}
	return append(args, BuildOptionArgs(opts)...)
}

// Extract runs yt-dlp -J and returns the info record of the URL.
func (e *Engine) Extract(ctx context.Context, req engine.ExtractRequest) (engine.InfoRecord, error) {
	var stdout bytes.Buffer
	err := e.runner.Run(ctx, Command{
		Name:   e.ytdlp,
		Args:   BuildExtractArgs(req.URL, req.Options),
		Stdout: &stdout,
		OnLine: func(stream OutputStream, line string) error {
			return RouteLog(req.Logger, line)
		},
	})
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return nil, &errpkg.DecodeError{What: "info record", Err: fmt.Errorf("%s returned empty output", e.ytdlp)}
	}

	var info engine.InfoRecord
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, &errpkg.DecodeError{What: "info record", Err: err}
	}
	return info, nil
}

// Download lets yt-dlp fetch one format from a stored info record. Used for
// formats the HTTP downloader cannot fetch directly.
func (e *Engine) Download(ctx context.Context, req engine.DownloadRequest) error {
	tmp, err := os.CreateTemp("", "sa-info-*.json")
	if err != nil {
		return fmt.Errorf("create info file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(req.Info); err != nil {
		tmp.Close()
		return fmt.Errorf("write info file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close info file: %w", err)
	}

	return e.runner.Run(ctx, Command{
		Name: e.ytdlp,
		Args: BuildDownloadArgs(tmp.Name(), req.FormatID, req.Output, req.Options),
		OnLine: func(stream OutputStream, line string) error {
			if stream == StreamStdout && strings.HasPrefix(line, progressPrefix) {
				return e.forwardProgress(req, strings.TrimPrefix(line, progressPrefix))
			}
			return RouteLog(req.Logger, line)
		},
	})
}

func (e *Engine) forwardProgress(req engine.DownloadRequest, raw string) error {
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		e.logger.Debug("unparsable progress line", "line", raw, "error", err)
		return nil
	}
	snapshot["format_id"] = req.FormatID
	if req.Progress == nil {
		return nil
	}
	return req.Progress(snapshot)
}

// Assemble runs the post-processors registered before download, then
// merges the inputs with ffmpeg using the merger arguments they left in
// Params. A single input that needs no transcoding is moved into place.
func (e *Engine) Assemble(ctx context.Context, req engine.AssembleRequest) error {
	params := req.Params
	if params == nil {
		params = engine.NewParams()
	}

	toDelete, _, err := engine.RunStage(engine.StageBeforeDownload, req.PostProcessors, params, req.Info)
	if err != nil {
		return err
	}
	defer removeFiles(e.logger, toDelete)

	if len(req.Inputs) == 0 {
		return errpkg.ErrNoFormats
	}
	if len(req.Inputs) == 1 && !req.Transcode {
		if err := os.Rename(req.Inputs[0], req.Output); err != nil {
			return fmt.Errorf("move %s: %w", req.Inputs[0], err)
		}
		return nil
	}

	progress := ffmpegProgress{}
	err = e.runner.Run(ctx, Command{
		Name: e.ffmpeg,
		Args: BuildMergeArgs(req.Inputs, req.Output, req.Transcode, params.Args(engine.MergerKey)),
		OnLine: func(stream OutputStream, line string) error {
			if stream == StreamStderr {
				return logMessage(req.Logger, engine.Logger.Warning, "[merger] "+line)
			}
			snapshot, done := progress.feed(line)
			if !done || req.Progress == nil {
				return nil
			}
			return req.Progress(snapshot)
		},
	})
	if err != nil {
		return err
	}

	removeFiles(e.logger, req.Inputs)
	return nil
}

// BuildMergeArgs builds the ffmpeg command line that combines inputs into
// output. Streams are copied unless transcode is set. mergerArgs are placed
// right before the output path.
func BuildMergeArgs(inputs []string, output string, transcode bool, mergerArgs []string) []string {
	args := []string{
		"-y", "-nostats", "-hide_banner", "-loglevel", "warning",
	}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	for i := range inputs {
		args = append(args, "-map", strconv.Itoa(i))
	}

	if transcode {
		args = append(args, "-c:v", "libx264", "-c:a", "aac")
	} else {
		args = append(args, "-c", "copy")
	}

	args = append(args, mergerArgs...)
	args = append(args, "-progress", "pipe:1", output)
	return args
}

// ffmpegProgress accumulates "key=value" blocks printed by -progress. A
// block ends with a "progress" key.
type ffmpegProgress struct {
	current map[string]any
}

func (p *ffmpegProgress) feed(line string) (map[string]any, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return nil, false
	}
	if p.current == nil {
		p.current = map[string]any{"status": "assembling"}
	}

	switch key {
	case "out_time_us", "out_time_ms", "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current[key] = n
		}
	case "progress":
		snapshot := p.current
		if value == "end" {
			snapshot["status"] = "finished"
		}
		p.current = nil
		return snapshot, true
	default:
		p.current[key] = value
	}
	return nil, false
}

// RouteLog forwards one engine output line to the matching logger method.
// Lines without a severity marker go through Debug, which is where the
// engine itself sends its ordinary screen output.
func RouteLog(l engine.Logger, line string) error {
	switch {
	case strings.HasPrefix(line, "ERROR:"):
		return logMessage(l, engine.Logger.Error, line)
	case strings.HasPrefix(line, "WARNING:"):
		return logMessage(l, engine.Logger.Warning, line)
	default:
		return logMessage(l, engine.Logger.Debug, line)
	}
}

func logMessage(l engine.Logger, method func(engine.Logger, string) error, msg string) error {
	if l == nil {
		return nil
	}
	return method(l, msg)
}

func removeFiles(logger *slog.Logger, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove file", "path", p, "error", err)
		}
	}
}
